// Package grpc exposes the standard gRPC health service, driven by
// dependency probes.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/observability"
)

const (
	probeTimeout    = 2 * time.Second
	defaultInterval = 10 * time.Second
)

// Probe checks one dependency. Its Name doubles as the health service name.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health serves grpc.health.v1 and keeps every status current.
type Health struct {
	server   *gogrpc.Server
	status   *health.Server
	probes   []Probe
	interval time.Duration
	logger   *slog.Logger

	once sync.Once
	stop chan struct{}
}

func NewHealth(logger *slog.Logger, interval time.Duration, probes ...Probe) *Health {
	if interval <= 0 {
		interval = defaultInterval
	}
	server := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	status := health.NewServer()
	healthpb.RegisterHealthServer(server, status)

	h := &Health{
		server:   server,
		status:   status,
		probes:   probes,
		interval: interval,
		logger:   logger.With("component", "grpc_health"),
		stop:     make(chan struct{}),
	}
	status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, p := range probes {
		status.SetServingStatus(p.Name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Serve probes once, then serves on lis until Stop. It blocks.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	h.Check(ctx)
	go h.loop(ctx)
	h.logger.Info("grpc health listening", "addr", lis.Addr().String())
	return h.server.Serve(lis)
}

// Check runs every probe concurrently and publishes the results. The
// overall status is SERVING only when every probe passes.
func (h *Health) Check(ctx context.Context) bool {
	results := make([]error, len(h.probes))
	var g errgroup.Group
	for i, p := range h.probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			results[i] = p.Check(probeCtx)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for i, p := range h.probes {
		if results[i] != nil {
			healthy = false
			h.logger.Warn("health probe failed", "probe", p.Name, "error", results[i])
			h.status.SetServingStatus(p.Name, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		h.status.SetServingStatus(p.Name, healthpb.HealthCheckResponse_SERVING)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.status.SetServingStatus("", overall)
	return healthy
}

func (h *Health) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (h *Health) Stop() {
	h.once.Do(func() {
		close(h.stop)
		h.status.Shutdown()
		h.server.GracefulStop()
	})
}
