package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"chat-realtime/internal/redisconn/redistest"
)

func startHealth(t *testing.T, probes ...Probe) (*Health, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	h := NewHealth(redistest.DiscardLogger(), time.Hour, probes...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Serve(ctx, lis) }()

	conn, err := gogrpc.NewClient("passthrough:///bufnet",
		gogrpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		h.Stop()
	})
	return h, healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServingWhenProbesPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	_, client := startHealth(t, Probe{Name: "redis", Check: ok}, Probe{Name: "postgres", Check: ok})

	assert.Eventually(t, func() bool {
		return status(t, client, "") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, "redis"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, "postgres"))
}

func TestHealthReflectsFailingProbe(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	h, client := startHealth(t,
		Probe{Name: "redis", Check: func(context.Context) error {
			if broken.Load() {
				return errors.New("connection refused")
			}
			return nil
		}},
		Probe{Name: "postgres", Check: func(context.Context) error { return nil }},
	)

	assert.Eventually(t, func() bool {
		return status(t, client, "postgres") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, "redis"))

	broken.Store(false)
	assert.True(t, h.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
}

func TestHealthUnknownService(t *testing.T) {
	_, client := startHealth(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	h := NewHealth(redistest.DiscardLogger(), 0)
	h.Stop()
	h.Stop()
}
