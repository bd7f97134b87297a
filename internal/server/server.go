// ============================================================================
// Beaver-Backfill Server - gRPC + HTTP 服務進程
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 同時提供 gRPC 控制面與 HTTP 狀態/監控端點
//
// 生命週期:
//   Serve(ctx) 阻塞直到 ctx 取消或任一監聽失敗
//   ctx 取消後：
//   1. gRPC GracefulStop（等待進行中的 RPC）
//   2. HTTP Shutdown（最多 ShutdownTimeout）
//   任務本身由呼叫者的 coordinator.Close 負責排空
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// ShutdownTimeout HTTP 優雅關閉的等待上限
const ShutdownTimeout = 5 * time.Second

// Config 監聽位址，空字串表示不啟動該服務
type Config struct {
	GRPCAddr string
	HTTPAddr string
}

// Server gRPC 與 HTTP 服務
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	http   *http.Server
	logger *slog.Logger
}

// New 創建服務，gatherer 為 nil 時 HTTP 不提供 /metrics
func New(engine Engine, gatherer prometheus.Gatherer, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterBackfillServer(s.grpc, NewService(engine))

	s.http = &http.Server{
		Handler:           NewHandler(engine, gatherer, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// logUnary 記錄每個 RPC 的結果與耗時
func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// Serve 監聽設定的位址並阻塞到 ctx 取消
func (s *Server) Serve(ctx context.Context) error {
	var grpcLis, httpLis net.Listener
	var err error
	if s.cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	if s.cfg.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", s.cfg.HTTPAddr); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
		}
	}
	return s.serve(ctx, grpcLis, httpLis)
}

func (s *Server) serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("grpc server listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	if httpLis != nil {
		g.Go(func() error {
			s.logger.Info("http server listening", "addr", httpLis.Addr().String())
			if err := s.http.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("stopping servers")
		s.grpc.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
