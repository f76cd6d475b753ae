package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/keys"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/pubsub"
)

// Bus is what the fan-out needs from internal/pubsub.
type Bus interface {
	Subscribe(ctx context.Context, target string, handler pubsub.Handler) (*pubsub.Subscription, error)
	Unsubscribe(ctx context.Context, target string, sub *pubsub.Subscription)
	Publish(ctx context.Context, channel string, message any) int64
}

const (
	EventNewMessage     = "new_message"
	EventMessageDeleted = "message_deleted"
	eventStatusUpdate   = "status_update"

	defaultDeliveryConcurrency = 32
)

// envelope is what travels on chat_message:{id} and message_deleted:{id}.
type envelope struct {
	Type     string          `json:"type"`
	SenderID *int            `json:"sender_id,omitempty"`
	ChatID   int             `json:"chat_id"`
	Data     json.RawMessage `json:"data"`
}

type subscription struct {
	target string
	sub    *pubsub.Subscription
}

// Fanout publishes chat events to the bus and delivers bus events to the
// local sockets of the registry.
type Fanout struct {
	registry    *Registry
	bus         Bus
	logger      *slog.Logger
	concurrency int

	subs []subscription
}

func NewFanout(registry *Registry, bus Bus, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		registry:    registry,
		bus:         bus,
		logger:      logger.With("component", "fanout"),
		concurrency: defaultDeliveryConcurrency,
	}
}

// Start subscribes to new messages, deletions and status changes. A partial
// failure undoes the subscriptions already made.
func (f *Fanout) Start(ctx context.Context) error {
	targets := []struct {
		target  string
		handler pubsub.HandlerFunc
	}{
		{keys.ChatMessagesPattern, f.handleChatMessage},
		{keys.DeletedMessagesPattern, f.handleDeletion},
		{keys.StatusChannel, f.handleStatusChange},
	}
	for _, t := range targets {
		sub, err := f.bus.Subscribe(ctx, t.target, t.handler)
		if err != nil {
			f.Stop(ctx)
			return fmt.Errorf("fanout start: %w", err)
		}
		f.subs = append(f.subs, subscription{target: t.target, sub: sub})
	}
	f.logger.Info("fanout subscribed", "targets", len(f.subs))
	return nil
}

func (f *Fanout) Stop(ctx context.Context) {
	for _, s := range f.subs {
		f.bus.Unsubscribe(ctx, s.target, s.sub)
	}
	f.subs = nil
}

// Broadcast publishes payload to every process with sockets in chatID. A
// positive senderID is excluded from delivery.
func (f *Fanout) Broadcast(ctx context.Context, chatID int, eventType string, payload any, senderID int) int64 {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("encode broadcast payload", "chat_id", chatID, "error", err)
		return 0
	}
	env := envelope{Type: eventType, ChatID: chatID, Data: data}
	if senderID > 0 {
		env.SenderID = &senderID
	}
	return f.bus.Publish(ctx, keys.ChatMessageChannel(chatID), env)
}

// BroadcastDeletion publishes a message_deleted event for messageID.
func (f *Fanout) BroadcastDeletion(ctx context.Context, chatID, messageID int, deletedAt time.Time) int64 {
	data, err := json.Marshal(models.MessageDeleted{MessageID: messageID, ChatID: chatID, DeletedAt: deletedAt.UTC()})
	if err != nil {
		f.logger.Error("encode deletion", "chat_id", chatID, "message_id", messageID, "error", err)
		return 0
	}
	return f.bus.Publish(ctx, keys.DeletedMessageChannel(chatID), envelope{
		Type:   EventMessageDeleted,
		ChatID: chatID,
		Data:   data,
	})
}

func (f *Fanout) handleChatMessage(ctx context.Context, msg pubsub.Message) error {
	env, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	if env.Type == "" {
		env.Type = EventNewMessage
	}
	exclude := 0
	if env.SenderID != nil {
		exclude = *env.SenderID
	}
	f.deliver(ctx, env.ChatID, env.Type, env.Data, exclude)
	return nil
}

func (f *Fanout) handleDeletion(ctx context.Context, msg pubsub.Message) error {
	env, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}
	f.deliver(ctx, env.ChatID, EventMessageDeleted, env.Data, 0)
	return nil
}

func (f *Fanout) handleStatusChange(ctx context.Context, msg pubsub.Message) error {
	var change presence.StatusChange
	if err := msg.Decode(&change); err != nil {
		return fmt.Errorf("decode status change: %w", err)
	}
	if change.UserID <= 0 {
		return fmt.Errorf("status change without user id")
	}

	payload, err := json.Marshal(frame{
		Type: eventStatusUpdate,
		Data: statusUpdate{UserID: change.UserID, IsOnline: change.Status},
	})
	if err != nil {
		return err
	}

	watchers := f.registry.Watchers()
	for _, w := range watchers {
		if err := w.Send(payload); err != nil {
			f.logger.Warn("status update send failed", "conn_id", w.ID(), "user_id", w.UserID(), "error", err)
			observability.ObserveFanoutDelivery(eventStatusUpdate, err)
			f.registry.Detach(w, websocket.CloseInternalServerErr, "Send error")
			continue
		}
		observability.ObserveFanoutDelivery(eventStatusUpdate, nil)
	}
	f.logger.Debug("status update delivered", "user_id", change.UserID, "online", change.Status, "watchers", len(watchers))
	return nil
}

// deliver sends one frame to every local socket of chatID except those of
// excludeUser. Each socket gets at most one attempt. It returns the number
// of attempts.
func (f *Fanout) deliver(ctx context.Context, chatID int, eventType string, data json.RawMessage, excludeUser int) int {
	conns := f.registry.ChatConnections(chatID)
	if len(conns) == 0 {
		return 0
	}

	payload, err := json.Marshal(frame{Type: eventType, Data: data})
	if err != nil {
		f.logger.Error("encode frame", "chat_id", chatID, "error", err)
		return 0
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	attempts := 0
	for _, c := range conns {
		if excludeUser > 0 && c.UserID() == excludeUser {
			continue
		}
		attempts++
		g.Go(func() error {
			err := c.Send(payload)
			observability.ObserveFanoutDelivery(eventType, err)
			if err != nil {
				f.logger.Warn("delivery failed", "conn_id", c.ID(), "chat_id", chatID, "user_id", c.UserID(), "error", err)
				f.registry.Disconnect(ctx, c, websocket.CloseInternalServerErr, "Send error")
			}
			return nil
		})
	}
	_ = g.Wait()
	return attempts
}

func decodeEnvelope(msg pubsub.Message) (envelope, error) {
	var env envelope
	if err := msg.Decode(&env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ChatID == 0 && len(env.Data) > 0 {
		var probe struct {
			ChatID int `json:"chat_id"`
		}
		if json.Unmarshal(env.Data, &probe) == nil {
			env.ChatID = probe.ChatID
		}
	}
	if env.ChatID <= 0 {
		return env, errors.New("envelope without chat id")
	}
	if len(env.Data) == 0 {
		return env, errors.New("envelope without data")
	}
	return env, nil
}
