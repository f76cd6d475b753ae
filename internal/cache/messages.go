// Package cache keeps a bounded, deduplicated history of recent messages per
// chat in Redis, with tombstones that keep deleted messages from coming back.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/keys"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/redisconn"
)

// Settings bound the per-chat history.
type Settings struct {
	MaxHistory int           `yaml:"max_history"`
	TTL        time.Duration `yaml:"ttl"`
	DeletedTTL time.Duration `yaml:"deleted_ttl"`
}

// DefaultSettings keeps 1000 messages per chat for 7 days and tombstones
// for 30 days.
func DefaultSettings() Settings {
	return Settings{
		MaxHistory: 1000,
		TTL:        7 * 24 * time.Hour,
		DeletedTTL: 30 * 24 * time.Hour,
	}
}

const (
	appendTombstoned = -1
	appendDuplicate  = 0
	appendAdded      = 1
)

// appendScript keeps the tombstone check, the seen-set insert and the list
// push in one atomic step.
//
// KEYS: list, seen, deleted. ARGV: id, payload, max_history, ttl, deleted_ttl.
var appendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return -1
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[2])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[3]) - 1)
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
redis.call('EXPIRE', KEYS[3], ARGV[5])
return 1
`)

// MessageCache is the per-chat history cache.
type MessageCache struct {
	conn     *redisconn.Manager
	settings Settings
	logger   *slog.Logger
}

func New(conn *redisconn.Manager, settings Settings, logger *slog.Logger) *MessageCache {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSettings()
	if settings.MaxHistory <= 0 {
		settings.MaxHistory = defaults.MaxHistory
	}
	if settings.TTL <= 0 {
		settings.TTL = defaults.TTL
	}
	if settings.DeletedTTL <= 0 {
		settings.DeletedTTL = defaults.DeletedTTL
	}
	return &MessageCache{conn: conn, settings: settings, logger: logger.With("component", "message_cache")}
}

// Append pushes msg to the front of the chat's history. It returns false when
// the message is invalid, tombstoned or already cached.
func (c *MessageCache) Append(ctx context.Context, chatID int, msg models.CachedMessage) (bool, error) {
	if msg.ID <= 0 {
		c.logger.Warn("invalid message for cache", "chat_id", chatID, "message_id", msg.ID)
		observability.ObserveCacheOperation("append", "invalid")
		return false, nil
	}
	msg.ChatID = chatID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode cached message: %w", err)
	}

	client, err := c.client(ctx, "append")
	if err != nil {
		return false, err
	}

	result, err := appendScript.Run(ctx, client,
		[]string{keys.ChatMessages(chatID), keys.ChatSeenMessages(chatID), keys.ChatDeletedMessages(chatID)},
		msg.ID, payload, c.settings.MaxHistory, seconds(c.settings.TTL), seconds(c.settings.DeletedTTL),
	).Int()
	if err != nil {
		return false, c.fail("append", chatID, err)
	}

	switch result {
	case appendAdded:
		observability.ObserveCacheOperation("append", "added")
		return true, nil
	case appendTombstoned:
		c.logger.Info("message is tombstoned, skipping", "chat_id", chatID, "message_id", msg.ID)
		observability.ObserveCacheOperation("append", "tombstoned")
	default:
		c.logger.Debug("message already cached", "chat_id", chatID, "message_id", msg.ID)
		observability.ObserveCacheOperation("append", "duplicate")
	}
	return false, nil
}

// Warm appends messages oldest first so the newest ends up in front. It
// returns how many were added.
func (c *MessageCache) Warm(ctx context.Context, chatID int, msgs []models.CachedMessage) (int, error) {
	ordered := make([]models.CachedMessage, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	added := 0
	for _, msg := range ordered {
		ok, err := c.Append(ctx, chatID, msg)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// History returns up to limit cached messages starting at offset, most recent
// first. Tombstoned entries are never returned.
func (c *MessageCache) History(ctx context.Context, chatID, offset, limit int) ([]models.CachedMessage, error) {
	if limit <= 0 {
		return []models.CachedMessage{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	client, err := c.client(ctx, "history")
	if err != nil {
		return nil, err
	}

	var tombstones, entries *redis.StringSliceCmd
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		tombstones = pipe.SMembers(ctx, keys.ChatDeletedMessages(chatID))
		entries = pipe.LRange(ctx, keys.ChatMessages(chatID), int64(offset), int64(offset+limit-1))
		return nil
	})
	if err != nil {
		return nil, c.fail("history", chatID, err)
	}

	deleted := make(map[string]struct{}, len(tombstones.Val()))
	for _, id := range tombstones.Val() {
		deleted[id] = struct{}{}
	}

	result := make([]models.CachedMessage, 0, len(entries.Val()))
	for _, entry := range entries.Val() {
		var msg models.CachedMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			c.logger.Warn("skipping undecodable cache entry", "chat_id", chatID, "error", err)
			continue
		}
		if _, gone := deleted[strconv.Itoa(msg.ID)]; gone {
			continue
		}
		result = append(result, msg)
		if len(result) >= limit {
			break
		}
	}
	observability.ObserveCacheOperation("history", "ok")
	return result, nil
}

// Tombstone marks messageID deleted in chatID and drops it from the list.
// It reports true once the id is tombstoned, whether or not a list entry was
// found; readers rely on the tombstone set alone.
func (c *MessageCache) Tombstone(ctx context.Context, chatID, messageID int) (bool, error) {
	client, err := c.client(ctx, "tombstone")
	if err != nil {
		return false, err
	}

	deletedKey := keys.ChatDeletedMessages(chatID)
	seenKey := keys.ChatSeenMessages(chatID)
	listKey := keys.ChatMessages(chatID)

	already, err := client.SIsMember(ctx, deletedKey, messageID).Result()
	if err != nil {
		return false, c.fail("tombstone", chatID, err)
	}
	if already {
		c.logger.Info("message already tombstoned", "chat_id", chatID, "message_id", messageID)
		if err := client.SRem(ctx, seenKey, messageID).Err(); err != nil {
			return false, c.fail("tombstone", chatID, err)
		}
		observability.ObserveCacheOperation("tombstone", "already")
		return true, nil
	}

	entries, err := client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return false, c.fail("tombstone", chatID, err)
	}
	var stored string
	for _, entry := range entries {
		var probe struct {
			ID int `json:"id"`
		}
		if json.Unmarshal([]byte(entry), &probe) == nil && probe.ID == messageID {
			stored = entry
			break
		}
	}

	var removed *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, seenKey, messageID)
		pipe.SAdd(ctx, deletedKey, messageID)
		pipe.Expire(ctx, deletedKey, c.settings.DeletedTTL)
		if stored != "" {
			removed = pipe.LRem(ctx, listKey, 1, stored)
		}
		return nil
	})
	if err != nil {
		return false, c.fail("tombstone", chatID, err)
	}

	if removed != nil && removed.Val() > 0 {
		c.logger.Info("message tombstoned and removed", "chat_id", chatID, "message_id", messageID)
	} else {
		c.logger.Info("message tombstoned, no cached entry", "chat_id", chatID, "message_id", messageID)
	}
	observability.ObserveCacheOperation("tombstone", "ok")
	return true, nil
}

func (c *MessageCache) client(ctx context.Context, op string) (*redis.Client, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		c.logger.Error("cache unavailable", "op", op, "error", err)
		observability.ObserveCacheOperation(op, "unavailable")
		return nil, fmt.Errorf("cache %s: %w", op, err)
	}
	return client, nil
}

func (c *MessageCache) fail(op string, chatID int, err error) error {
	if redisconn.IsTransportError(err) {
		c.conn.Invalidate()
	}
	c.logger.Error("cache operation failed", "op", op, "chat_id", chatID, "error", err)
	observability.ObserveCacheOperation(op, "error")
	return fmt.Errorf("cache %s chat %d: %w", op, chatID, err)
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
