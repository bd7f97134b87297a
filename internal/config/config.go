// ============================================================================
// Beaver-Backfill Config - 引擎配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 以 viper 載入 YAML 配置檔，並允許環境變數覆寫
//
// 載入順序（後者覆寫前者）:
//   1. 內建預設值 (setDefaults)
//   2. 配置檔（預設 configs/default.yaml）
//   3. BEAVER_* 環境變數，鍵名中的 "." 換成 "_"
//      例: BEAVER_STORE_BACKEND=postgres, BEAVER_ENGINE_TASK_TIMEOUT=30s
//
// 配置區塊:
//   log        - 日誌等級與格式
//   engine     - 協調器參數（批次超時、store 重試退避）
//   store      - checkpoint backend 選擇與連線資訊
//   server     - gRPC / HTTP 連接埠
//   metrics    - Prometheus 端點開關
//   tracing    - OpenTelemetry 匯出設定
//   processors - 各處理函式的設定
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/processor"
	"github.com/ChuLiYu/beaver-backfill/internal/processor/coinapi"
	"github.com/ChuLiYu/beaver-backfill/internal/tracing"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "BEAVER"

// DefaultPath 預設配置檔路徑
const DefaultPath = "configs/default.yaml"

// Config 完整系統配置
type Config struct {
	Log        LogConfig         `mapstructure:"log"`
	Engine     EngineConfig      `mapstructure:"engine"`
	Store      checkpoint.Config `mapstructure:"store"`
	Server     ServerConfig      `mapstructure:"server"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Processors ProcessorsConfig  `mapstructure:"processors"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | text
}

// EngineConfig 協調器配置
type EngineConfig struct {
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	StoreRetryBase    time.Duration `mapstructure:"store_retry_base"`
	StoreRetryMax     time.Duration `mapstructure:"store_retry_max"`
	StoreRetryTimeout time.Duration `mapstructure:"store_retry_timeout"`
	DefaultProcessor  string        `mapstructure:"default_processor"`
}

// ServerConfig 狀態 API 配置
type ServerConfig struct {
	GRPCPort int    `mapstructure:"grpc_port"`
	HTTPPort int    `mapstructure:"http_port"`
	Address  string `mapstructure:"address"` // 客戶端命令連線的 gRPC 位址
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProcessorsConfig 各處理函式配置
type ProcessorsConfig struct {
	Simulate processor.SimulateConfig `mapstructure:"simulate"`
	CoinAPI  coinapi.Config           `mapstructure:"coinapi"`
}

// Coordinator 轉換為協調器配置
func (e EngineConfig) Coordinator() coordinator.Config {
	return coordinator.Config{
		TaskTimeout:       e.TaskTimeout,
		StoreRetryBase:    e.StoreRetryBase,
		StoreRetryMax:     e.StoreRetryMax,
		StoreRetryTimeout: e.StoreRetryTimeout,
		DefaultProcessor:  e.DefaultProcessor,
	}
}

// GRPCAddr 服務端監聽位址
func (s ServerConfig) GRPCAddr() string { return fmt.Sprintf(":%d", s.GRPCPort) }

// HTTPAddr 服務端監聽位址
func (s ServerConfig) HTTPAddr() string { return fmt.Sprintf(":%d", s.HTTPPort) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.task_timeout", coordinator.DefaultTaskTimeout)
	v.SetDefault("engine.store_retry_base", coordinator.DefaultStoreRetryBase)
	v.SetDefault("engine.store_retry_max", coordinator.DefaultStoreRetryMax)
	v.SetDefault("engine.store_retry_timeout", coordinator.DefaultStoreRetryTimeout)
	v.SetDefault("engine.default_processor", processor.SimulateName)

	v.SetDefault("store.backend", checkpoint.BackendFile)
	v.SetDefault("store.file.wal_path", "./data/wal/checkpoint.wal")
	v.SetDefault("store.file.snapshot_path", "./data/snapshots")
	v.SetDefault("store.file.snapshot_interval", 30*time.Second)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.mysql.dsn", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "beaver")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 9090)
	v.SetDefault("server.address", "localhost:50051")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", tracing.DefaultServiceName)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("processors.simulate.failure_rate", 0.1)
	v.SetDefault("processors.simulate.permanent_rate", 0.0)
	v.SetDefault("processors.simulate.max_latency", 50*time.Millisecond)
	v.SetDefault("processors.coinapi.base_url", coinapi.DefaultBaseURL)
	v.SetDefault("processors.coinapi.api_key", "")
	v.SetDefault("processors.coinapi.exchange", coinapi.DefaultExchange)
	v.SetDefault("processors.coinapi.quote", coinapi.DefaultQuote)
	v.SetDefault("processors.coinapi.timeout", coinapi.DefaultTimeout)
	v.SetDefault("processors.coinapi.loader_dsn", "")
}

// Load 載入配置
//
// 參數:
//   path: 配置檔路徑，空字串表示只使用預設值與環境變數
//
// 返回值:
//   *Config: 已通過 Validate 的配置
//   error: 讀檔、解析或驗證失敗
//
// 預設路徑的檔案不存在時不視為錯誤，明確指定的路徑則必須存在
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !(path == DefaultPath && errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("%w: read config %s: %w", types.ErrConfiguration, path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", types.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查配置的一致性
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Engine.TaskTimeout < 0 || c.Engine.StoreRetryBase < 0 || c.Engine.StoreRetryMax < 0 || c.Engine.StoreRetryTimeout < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}

	switch c.Store.Backend {
	case checkpoint.BackendMemory:
	case checkpoint.BackendFile:
		if c.Store.File.WALPath == "" || c.Store.File.SnapshotPath == "" {
			errs = append(errs, errors.New("store.file requires wal_path and snapshot_path"))
		}
	case checkpoint.BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	case checkpoint.BackendMySQL:
		if c.Store.MySQL.DSN == "" {
			errs = append(errs, errors.New("store.mysql.dsn is required"))
		}
	case checkpoint.BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	for name, port := range map[string]int{"server.grpc_port": c.Server.GRPCPort, "server.http_port": c.Server.HTTPPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}

	sim := c.Processors.Simulate
	if sim.FailureRate < 0 || sim.FailureRate > 1 || sim.PermanentRate < 0 || sim.PermanentRate > 1 {
		errs = append(errs, errors.New("processors.simulate rates must be within [0,1]"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	return nil
}

// ============================================================================
// 日誌
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger 依配置建立 logger，w 為 nil 時寫到 stderr
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// SetupLogger 建立 logger 並設為全域預設
func SetupLogger(cfg LogConfig) (*slog.Logger, error) {
	logger, err := NewLogger(cfg, nil)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
