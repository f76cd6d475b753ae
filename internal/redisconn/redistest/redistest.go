// Package redistest starts an in-memory Redis for tests.
package redistest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/redisconn"
)

// DiscardLogger swallows log output in tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New starts miniredis and returns it with a Manager pointed at it. Both are
// closed when the test ends.
func New(t testing.TB) (*miniredis.Miniredis, *redisconn.Manager) {
	t.Helper()
	server := miniredis.RunT(t)
	return server, Manager(t, server)
}

// Manager builds another Manager for an existing server.
func Manager(t testing.TB, server *miniredis.Miniredis) *redisconn.Manager {
	t.Helper()
	manager := redisconn.NewWithOptions(&redis.Options{Addr: server.Addr(), Protocol: 2}, DiscardLogger())
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}
