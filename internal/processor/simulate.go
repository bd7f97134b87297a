package processor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// SimulateName is the registry name of the simulated processor.
const SimulateName = "simulate"

// SimulateConfig 模擬處理器的參數，用於示範與壓力測試
type SimulateConfig struct {
	FailureRate   float64       `mapstructure:"failure_rate" yaml:"failure_rate"`     // 暫時性失敗機率 [0,1]
	PermanentRate float64       `mapstructure:"permanent_rate" yaml:"permanent_rate"` // 永久失敗機率 [0,1]
	MaxLatency    time.Duration `mapstructure:"max_latency" yaml:"max_latency"`       // 每個批次的隨機延遲上限
}

// Simulator sleeps for a random latency and fails at the configured rates.
type Simulator struct {
	cfg SimulateConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator with a fixed seed, so runs are repeatable.
func NewSimulator(cfg SimulateConfig, seed uint64) *Simulator {
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) draw() (latency time.Duration, roll float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxLatency > 0 {
		latency = time.Duration(s.rng.Int64N(int64(s.cfg.MaxLatency) + 1))
	}
	return latency, s.rng.Float64()
}

// Process implements worker.Processor.
func (s *Simulator) Process(ctx context.Context, b types.Batch) error {
	latency, roll := s.draw()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	switch {
	case roll < s.cfg.PermanentRate:
		return types.Permanent("simulated permanent failure for %s", b.ID)
	case roll < s.cfg.PermanentRate+s.cfg.FailureRate:
		return types.Transient("simulated failure for %s", b.ID)
	}
	return nil
}
