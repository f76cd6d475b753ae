// Package presence derives online/offline status from a per-user count of
// live connections stored in Redis and announces transitions on the bus.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/keys"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/redisconn"
)

const (
	// DefaultTTL is how long a connection counter lives without a refresh.
	DefaultTTL  = 300 * time.Second
	lastSeenTTL = 30 * 24 * time.Hour
)

// Publisher announces status changes to every process.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) int64
}

// StatusChange is published on keys.StatusChannel.
type StatusChange struct {
	UserID int  `json:"user_id"`
	Status bool `json:"status"`
}

// KEYS: counter, online set, last seen. ARGV: user id, ttl, now, last seen ttl.
// Returns {count, added_to_online_set}.
var connectScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3], 'EX', ARGV[4])
local added = 0
if count == 1 then
  added = redis.call('SADD', KEYS[2], ARGV[1])
end
return {count, added}
`)

const (
	disconnectAlreadyOffline = -1
	disconnectStillOnline    = 0
	disconnectWentOffline    = 1
)

// KEYS: counter, online set, last seen. ARGV: user id, now, last seen ttl.
var disconnectScript = redis.NewScript(`
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
local count = tonumber(redis.call('GET', KEYS[1]) or '')
if count == nil then
  redis.call('DEL', KEYS[1])
  if redis.call('SREM', KEYS[2], ARGV[1]) == 1 then
    return 1
  end
  return -1
end
if count <= 1 then
  redis.call('DEL', KEYS[1])
  local removed = redis.call('SREM', KEYS[2], ARGV[1])
  if removed == 1 or count > 0 then
    return 1
  end
  return -1
end
redis.call('DECR', KEYS[1])
return 0
`)

// Tracker maintains connection counters, the online set and chat rosters.
type Tracker struct {
	conn      *redisconn.Manager
	publisher Publisher
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(conn *redisconn.Manager, publisher Publisher, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		conn:      conn,
		publisher: publisher,
		ttl:       ttl,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
	}
}

// MarkConnected counts one more connection for userID. The first connection
// puts the user online and publishes the change.
func (t *Tracker) MarkConnected(ctx context.Context, userID int) error {
	client, err := t.client(ctx)
	if err != nil {
		return err
	}

	res, err := connectScript.Run(ctx, client,
		[]string{keys.UserConnections(userID), keys.OnlineUsers, keys.UserLastSeen(userID)},
		userID, seconds(t.ttl), t.now().Unix(), seconds(lastSeenTTL),
	).Int64Slice()
	if err != nil {
		return t.fail("mark connected", userID, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("mark connected user %d: unexpected reply %v", userID, res)
	}

	count, added := res[0], res[1]
	if count == 1 && added == 1 {
		t.logger.Info("user online", "user_id", userID)
		observability.IncPresenceTransition(true)
		t.publish(ctx, userID, true)
		return nil
	}
	t.logger.Debug("user added connection", "user_id", userID, "connections", count)
	return nil
}

// MarkDisconnected counts one connection less. Dropping the last connection
// takes the user offline; a missing counter is treated as already offline.
func (t *Tracker) MarkDisconnected(ctx context.Context, userID int) error {
	client, err := t.client(ctx)
	if err != nil {
		return err
	}

	res, err := disconnectScript.Run(ctx, client,
		[]string{keys.UserConnections(userID), keys.OnlineUsers, keys.UserLastSeen(userID)},
		userID, t.now().Unix(), seconds(lastSeenTTL),
	).Int()
	if err != nil {
		return t.fail("mark disconnected", userID, err)
	}

	switch res {
	case disconnectWentOffline:
		t.logger.Info("user offline", "user_id", userID)
		observability.IncPresenceTransition(false)
		t.publish(ctx, userID, false)
	case disconnectStillOnline:
		t.logger.Debug("user dropped a connection", "user_id", userID)
	default:
		t.logger.Debug("disconnect for user already offline", "user_id", userID)
	}
	return nil
}

// Refresh extends the counter and roster TTLs of a live connection. chatID 0
// skips the roster.
func (t *Tracker) Refresh(ctx context.Context, userID, chatID int) error {
	client, err := t.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, keys.UserConnections(userID), t.ttl)
		pipe.Set(ctx, keys.UserLastSeen(userID), t.now().Unix(), lastSeenTTL)
		if chatID > 0 {
			pipe.Expire(ctx, keys.ChatConnections(chatID), t.ttl)
			pipe.Expire(ctx, keys.UserActiveChats(userID), t.ttl)
		}
		return nil
	})
	if err != nil {
		return t.fail("refresh", userID, err)
	}
	return nil
}

// JoinChat records userID in the chat roster.
func (t *Tracker) JoinChat(ctx context.Context, chatID, userID int) error {
	client, err := t.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keys.ChatConnections(chatID), userID)
		pipe.Expire(ctx, keys.ChatConnections(chatID), t.ttl)
		pipe.SAdd(ctx, keys.UserActiveChats(userID), chatID)
		pipe.Expire(ctx, keys.UserActiveChats(userID), t.ttl)
		return nil
	})
	if err != nil {
		return t.fail("join chat", userID, err)
	}
	return nil
}

// LeaveChat removes userID from the chat roster.
func (t *Tracker) LeaveChat(ctx context.Context, chatID, userID int) error {
	client, err := t.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keys.ChatConnections(chatID), userID)
		pipe.SRem(ctx, keys.UserActiveChats(userID), chatID)
		return nil
	})
	if err != nil {
		return t.fail("leave chat", userID, err)
	}
	return nil
}

// ChatUsers lists users with a live connection to chatID on any process.
func (t *Tracker) ChatUsers(ctx context.Context, chatID int) ([]int, error) {
	client, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	members, err := client.SMembers(ctx, keys.ChatConnections(chatID)).Result()
	if err != nil {
		return nil, t.fail("chat users", 0, err)
	}
	return parseIDs(members), nil
}

// IsOnline is a point-in-time read of the online set.
func (t *Tracker) IsOnline(ctx context.Context, userID int) (bool, error) {
	client, err := t.client(ctx)
	if err != nil {
		return false, err
	}
	online, err := client.SIsMember(ctx, keys.OnlineUsers, userID).Result()
	if err != nil {
		return false, t.fail("is online", userID, err)
	}
	return online, nil
}

// OnlineSnapshot returns every online user id, ascending.
func (t *Tracker) OnlineSnapshot(ctx context.Context) ([]int, error) {
	client, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	members, err := client.SMembers(ctx, keys.OnlineUsers).Result()
	if err != nil {
		return nil, t.fail("online snapshot", 0, err)
	}
	return parseIDs(members), nil
}

// LastSeen returns when userID last connected, disconnected or heartbeated.
func (t *Tracker) LastSeen(ctx context.Context, userID int) (time.Time, bool, error) {
	client, err := t.client(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := client.Get(ctx, keys.UserLastSeen(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, t.fail("last seen", userID, err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

func (t *Tracker) publish(ctx context.Context, userID int, online bool) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(ctx, keys.StatusChannel, StatusChange{UserID: userID, Status: online})
}

func (t *Tracker) client(ctx context.Context) (*redis.Client, error) {
	client, err := t.conn.Client(ctx)
	if err != nil {
		t.logger.Error("presence store unavailable", "error", err)
		return nil, fmt.Errorf("presence: %w", err)
	}
	return client, nil
}

func (t *Tracker) fail(op string, userID int, err error) error {
	if redisconn.IsTransportError(err) {
		t.conn.Invalidate()
	}
	t.logger.Error("presence operation failed", "op", op, "user_id", userID, "error", err)
	return fmt.Errorf("presence %s: %w", op, err)
}

func parseIDs(members []string) []int {
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
