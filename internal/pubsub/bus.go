// Package pubsub is the cross-process message bus. It multiplexes channel and
// pattern subscriptions over one Redis pub/sub connection and dispatches every
// delivery from a single goroutine.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/cleanup"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/redisconn"
)

// ErrSubscribe wraps every subscription failure.
var ErrSubscribe = errors.New("pubsub subscribe failed")

const defaultStopTimeout = 2 * time.Second

// Message is one delivery handed to handlers. Payload is valid JSON.
type Message struct {
	Channel string
	Pattern string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler consumes bus deliveries.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Subscription identifies one registered handler. Subscribing the same
// handler twice yields two subscriptions and two invocations per message.
type Subscription struct {
	target  string
	handler Handler
}

func (s *Subscription) Target() string { return s.target }

// IsPattern reports whether target must be subscribed with PSUBSCRIBE.
func IsPattern(target string) bool {
	return strings.ContainsAny(target, "*?") ||
		(strings.Contains(target, "[") && strings.Contains(target, "]"))
}

// Bus publishes and subscribes over Redis.
type Bus struct {
	publisher   *redisconn.Manager
	subscriber  *redisconn.Manager
	logger      *slog.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	handlers map[string][]*Subscription
	ps       *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithStopTimeout bounds how long stopping waits for the dispatch loop.
func WithStopTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.stopTimeout = d
		}
	}
}

// New builds a Bus. Publisher and subscriber connections are kept apart so a
// subscribed connection never blocks publishes.
func New(publisher, subscriber *redisconn.Manager, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		publisher:   publisher,
		subscriber:  subscriber,
		logger:      logger.With("component", "bus"),
		stopTimeout: defaultStopTimeout,
		handlers:    make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for a channel or pattern. The first handler for
// a target subscribes at the transport; on failure nothing is registered.
func (b *Bus) Subscribe(ctx context.Context, target string, handler Handler) (*Subscription, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrSubscribe)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for %s", ErrSubscribe, target)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[target]; !ok {
		if err := b.subscribeLocked(ctx, target); err != nil {
			b.logger.Error("subscribe failed", "target", target, "error", err)
			return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, target, err)
		}
		b.logger.Info("subscribed", "target", target, "pattern", IsPattern(target))
	}

	sub := &Subscription{target: target, handler: handler}
	b.handlers[target] = append(b.handlers[target], sub)
	b.startLocked()
	return sub, nil
}

// Unsubscribe removes sub from target, or every handler of target when sub is
// nil. The transport subscription is dropped with the last handler and the
// dispatch loop stops with the last target.
func (b *Bus) Unsubscribe(ctx context.Context, target string, sub *Subscription) {
	b.mu.Lock()
	subs, ok := b.handlers[target]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("unsubscribe from unknown target", "target", target)
		return
	}

	if sub == nil {
		delete(b.handlers, target)
	} else {
		idx := -1
		for i, s := range subs {
			if s == sub {
				idx = i
				break
			}
		}
		if idx < 0 {
			b.logger.Warn("subscription not registered", "target", target)
		} else {
			subs = append(subs[:idx:idx], subs[idx+1:]...)
		}
		if len(subs) == 0 {
			delete(b.handlers, target)
		} else {
			b.handlers[target] = subs
		}
	}

	if _, still := b.handlers[target]; !still && b.ps != nil {
		var err error
		if IsPattern(target) {
			err = b.ps.PUnsubscribe(ctx, target)
		} else {
			err = b.ps.Unsubscribe(ctx, target)
		}
		if err != nil {
			b.logger.Error("unsubscribe failed", "target", target, "error", err)
		} else {
			b.logger.Info("unsubscribed", "target", target)
		}
	}

	var stop func()
	if len(b.handlers) == 0 {
		stop = b.detachLocked()
	}
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Publish JSON-encodes message onto channel and returns the receiver count.
// Every failure is logged and reported as zero receivers.
func (b *Bus) Publish(ctx context.Context, channel string, message any) int64 {
	if channel == "" {
		b.logger.Warn("publish with empty channel")
		return 0
	}
	if message == nil {
		b.logger.Warn("publish with empty message", "channel", channel)
		return 0
	}

	body, err := json.Marshal(message)
	if err != nil {
		b.logger.Error("encode message failed", "channel", channel, "error", err)
		return 0
	}

	client, err := b.publisher.Client(ctx)
	if err != nil {
		b.logger.Error("publish failed", "channel", channel, "error", err)
		observability.IncBusPublishError()
		return 0
	}

	receivers, err := client.Publish(ctx, channel, body).Result()
	if err != nil {
		if redisconn.IsTransportError(err) {
			b.publisher.Invalidate()
		}
		b.logger.Error("publish failed", "channel", channel, "error", err)
		observability.IncBusPublishError()
		return 0
	}
	b.logger.Debug("published", "channel", channel, "receivers", receivers)
	return receivers
}

// Running reports whether the dispatch loop is active.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Targets lists the currently subscribed channels and patterns.
func (b *Bus) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	targets := make([]string, 0, len(b.handlers))
	for target := range b.handlers {
		targets = append(targets, target)
	}
	return targets
}

// Close stops dispatching and releases every connection.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	stop := b.detachLocked()
	ps := b.ps
	b.ps = nil
	b.handlers = make(map[string][]*Subscription)
	b.mu.Unlock()

	b.logger.Info("closing bus")
	return cleanup.Run(b.logger,
		cleanup.Func("stop dispatch", func() error {
			if stop != nil {
				stop()
			}
			return nil
		}),
		cleanup.Func("close pubsub", func() error {
			if ps == nil {
				return nil
			}
			return ps.Close()
		}),
		cleanup.Func("close publisher", b.publisher.Close),
		cleanup.Func("close subscriber", b.subscriber.Close),
	)
}

func (b *Bus) subscribeLocked(ctx context.Context, target string) error {
	if b.ps == nil {
		client, err := b.subscriber.Client(ctx)
		if err != nil {
			return err
		}
		b.ps = client.Subscribe(ctx)
	}

	var err error
	if IsPattern(target) {
		err = b.ps.PSubscribe(ctx, target)
	} else {
		err = b.ps.Subscribe(ctx, target)
	}
	if err != nil && redisconn.IsTransportError(err) {
		b.subscriber.Invalidate()
	}
	return err
}

func (b *Bus) startLocked() {
	if b.cancel != nil || b.ps == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.dispatch(ctx, b.ps.Channel(), done)
}

// detachLocked forgets the running loop and returns a func that stops it.
func (b *Bus) detachLocked() func() {
	if b.cancel == nil {
		return nil
	}
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(b.stopTimeout):
			b.logger.Warn("dispatch loop did not stop in time", "timeout", b.stopTimeout)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, deliveries <-chan *redis.Message, done chan struct{}) {
	defer func() {
		b.mu.Lock()
		if b.done == done {
			b.cancel, b.done = nil, nil
		}
		b.mu.Unlock()
		close(done)
		b.logger.Info("dispatch loop exited")
	}()

	b.logger.Info("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			b.deliver(ctx, delivery)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, delivery *redis.Message) {
	target := delivery.Pattern
	if target == "" {
		target = delivery.Channel
	}

	payload := []byte(delivery.Payload)
	if !json.Valid(payload) {
		b.logger.Warn("dropping undecodable message", "channel", delivery.Channel, "target", target)
		observability.ObserveBusMessage(target, "invalid")
		return
	}

	b.mu.Lock()
	subs := b.handlers[target]
	b.mu.Unlock()

	msg := Message{Channel: delivery.Channel, Pattern: delivery.Pattern, Payload: payload}
	for _, sub := range subs {
		if err := invoke(ctx, sub.handler, msg); err != nil {
			b.logger.Error("message handler failed", "target", target, "channel", delivery.Channel, "error", err)
			observability.ObserveBusMessage(target, "handler_error")
			continue
		}
		observability.ObserveBusMessage(target, "ok")
	}
}

func invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.HandleMessage(ctx, msg)
}
