// Package messages creates, deletes and lists chat messages. The database is
// the source of truth; the cache and the bus are updated best effort.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
)

const MaxContentLength = 4096

var (
	ErrChatNotFound    = repositories.ErrChatNotFound
	ErrMessageNotFound = repositories.ErrMessageNotFound
	ErrNotParticipant  = errors.New("user is not a participant of this chat")
	ErrNotSender       = errors.New("user cannot delete this message")
	ErrReplyNotFound   = errors.New("message to reply to not found")
	ErrReplyOtherChat  = errors.New("cannot reply to a message from a different chat")
	ErrInvalidContent  = errors.New("content must be 1 to 4096 characters and not blank")
)

// Cache is the per-chat history cache.
type Cache interface {
	Append(ctx context.Context, chatID int, msg models.CachedMessage) (bool, error)
	Warm(ctx context.Context, chatID int, msgs []models.CachedMessage) (int, error)
	History(ctx context.Context, chatID, offset, limit int) ([]models.CachedMessage, error)
	Tombstone(ctx context.Context, chatID, messageID int) (bool, error)
}

// Broadcaster publishes chat events to every process.
type Broadcaster interface {
	Broadcast(ctx context.Context, chatID int, eventType string, payload any, senderID int) int64
	BroadcastDeletion(ctx context.Context, chatID, messageID int, deletedAt time.Time) int64
}

// Auditor records security relevant actions.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *int64)
}

type Service struct {
	chats        repositories.ChatRepository
	store        repositories.MessageRepository
	cache        Cache
	broadcaster  Broadcaster
	auditor      Auditor
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Service)

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithHistoryLimit bounds how many messages a history read loads.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func NewService(chats repositories.ChatRepository, store repositories.MessageRepository, cache Cache, broadcaster Broadcaster, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		chats:        chats,
		store:        store,
		cache:        cache,
		broadcaster:  broadcaster,
		historyLimit: 1000,
		logger:       logger.With("component", "messages"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidContent reports whether content can be stored.
func ValidContent(content string) bool {
	n := utf8.RuneCountInString(content)
	return n >= 1 && n <= MaxContentLength && strings.TrimSpace(content) != ""
}

// Create stores a message, caches it and broadcasts it to the chat. The
// sender does not receive its own broadcast.
func (s *Service) Create(ctx context.Context, chatID, senderID int, content string, replyToID *int) (models.CachedMessage, error) {
	if !ValidContent(content) {
		return models.CachedMessage{}, ErrInvalidContent
	}
	if err := s.authorize(ctx, chatID, senderID); err != nil {
		return models.CachedMessage{}, err
	}

	if replyToID != nil && *replyToID > 0 {
		target, err := s.store.GetMessage(ctx, *replyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.CachedMessage{}, ErrReplyNotFound
		}
		if err != nil {
			return models.CachedMessage{}, fmt.Errorf("load reply target: %w", err)
		}
		if target.ChatID != chatID {
			return models.CachedMessage{}, ErrReplyOtherChat
		}
	} else {
		replyToID = nil
	}

	stored, err := s.store.CreateMessage(ctx, chatID, senderID, content, replyToID)
	if err != nil {
		return models.CachedMessage{}, fmt.Errorf("create message: %w", err)
	}
	snapshot := stored.Snapshot()
	s.logger.Info("message created", "message_id", snapshot.ID, "chat_id", chatID, "sender_id", senderID)

	if s.cache != nil {
		if _, err := s.cache.Append(ctx, chatID, snapshot); err != nil {
			s.logger.Warn("cache append failed", "message_id", snapshot.ID, "chat_id", chatID, "error", err)
		}
	}
	if s.broadcaster != nil {
		if n := s.broadcaster.Broadcast(ctx, chatID, "new_message", snapshot, senderID); n == 0 {
			s.logger.Debug("new message reached no subscribers", "message_id", snapshot.ID, "chat_id", chatID)
		}
	}
	return snapshot, nil
}

// Delete removes a message sent by requesterID, tombstones it in the cache
// and broadcasts the deletion.
func (s *Service) Delete(ctx context.Context, chatID, messageID, requesterID int) (models.MessageDeleted, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.MessageDeleted{}, err
	}
	if chatID > 0 && msg.ChatID != chatID {
		return models.MessageDeleted{}, ErrMessageNotFound
	}
	if msg.SenderID != requesterID {
		return models.MessageDeleted{}, ErrNotSender
	}

	deleted, err := s.store.DeleteMessage(ctx, messageID, requesterID)
	if err != nil {
		return models.MessageDeleted{}, fmt.Errorf("delete message: %w", err)
	}
	if !deleted {
		return models.MessageDeleted{}, ErrMessageNotFound
	}

	event := models.MessageDeleted{MessageID: messageID, ChatID: msg.ChatID, DeletedAt: s.now().UTC()}
	s.logger.Info("message deleted", "message_id", messageID, "chat_id", msg.ChatID, "user_id", requesterID)

	if s.cache != nil {
		if _, err := s.cache.Tombstone(ctx, msg.ChatID, messageID); err != nil {
			s.logger.Error("cache tombstone failed", "message_id", messageID, "chat_id", msg.ChatID, "error", err)
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastDeletion(ctx, msg.ChatID, messageID, event.DeletedAt)
	}
	if s.auditor != nil {
		uid := int64(requesterID)
		s.auditor.Emit(ctx, "INFO",
			fmt.Sprintf("message %d deleted from chat %d", messageID, msg.ChatID),
			observability.RequestIDFromContext(ctx), &uid)
	}
	return event, nil
}

// History returns up to limit messages after skipping offset, oldest first.
// A full page from the cache is returned as is. A cache error or a short page
// falls back to the database, which then repopulates the cache.
func (s *Service) History(ctx context.Context, chatID, userID, offset, limit int) ([]models.CachedMessage, error) {
	if err := s.authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	if offset < 0 {
		offset = 0
	}

	if s.cache != nil {
		cached, err := s.cache.History(ctx, chatID, offset, limit)
		if err != nil {
			s.logger.Warn("cache read failed, using database", "chat_id", chatID, "error", err)
		} else if len(cached) >= limit {
			return oldestFirst(cached), nil
		}
	}

	rows, err := s.store.RecentMessages(ctx, chatID, max(s.historyLimit, offset+limit))
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	snapshots := make([]models.CachedMessage, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, row.Snapshot())
	}

	if s.cache != nil && len(snapshots) > 0 {
		if added, err := s.cache.Warm(ctx, chatID, snapshots); err != nil {
			s.logger.Warn("cache warm failed", "chat_id", chatID, "added", added, "error", err)
		} else {
			s.logger.Info("cache warmed from database", "chat_id", chatID, "added", added)
		}
	}

	// rows are oldest first; offset counts back from the newest
	end := len(snapshots) - offset
	if end <= 0 {
		return []models.CachedMessage{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return snapshots[start:end], nil
}

func (s *Service) authorize(ctx context.Context, chatID, userID int) error {
	if _, err := s.chats.GetChat(ctx, chatID); err != nil {
		return err
	}
	member, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}

func oldestFirst(msgs []models.CachedMessage) []models.CachedMessage {
	out := make([]models.CachedMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
