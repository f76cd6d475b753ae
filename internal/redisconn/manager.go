// Package redisconn owns lazily (re)established Redis clients.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when no healthy connection could be established.
var ErrUnavailable = errors.New("redis unavailable")

const defaultPingTimeout = 3 * time.Second

// Manager hands out a Redis client, creating it on first use and again after
// Invalidate. Only one caller reconnects at a time.
type Manager struct {
	opts        *redis.Options
	logger      *slog.Logger
	pingTimeout time.Duration

	mu      sync.Mutex
	client  *redis.Client
	healthy bool
	closed  bool
}

// New parses a redis:// URL into a Manager. No connection is made yet.
func New(url string, logger *slog.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithOptions(opts, logger), nil
}

// NewWithOptions builds a Manager from explicit client options.
func NewWithOptions(opts *redis.Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:        opts,
		logger:      logger.With("component", "redisconn", "addr", opts.Addr),
		pingTimeout: defaultPingTimeout,
	}
}

// Client returns a client that answered PING since it was last invalidated.
func (m *Manager) Client(ctx context.Context) (*redis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: manager closed", ErrUnavailable)
	}
	if m.client != nil && m.healthy {
		return m.client, nil
	}

	if m.client == nil {
		m.logger.Info("connecting to redis")
		m.client = redis.NewClient(m.opts)
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.logger.Error("redis ping failed", "error", err)
		_ = m.client.Close()
		m.client = nil
		m.healthy = false
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m.healthy = true
	return m.client, nil
}

// Invalidate marks the current client as suspect; the next Client call pings
// it before handing it out again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
}

// Ping reports whether Redis currently answers.
func (m *Manager) Ping(ctx context.Context) error {
	client, err := m.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		m.Invalidate()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the client. Further Client calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	m.healthy = false
	return err
}

// IsTransportError reports whether err came from the connection rather than
// from a command reply.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
