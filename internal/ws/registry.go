package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/cleanup"
	"chat-realtime/internal/observability"
)

// ErrRegistryClosed is returned by Connect once shutdown has started.
var ErrRegistryClosed = errors.New("connection registry closed")

var pingFrame = []byte(`{"type":"ping"}`)

// Presence is the subset of the presence tracker the registry drives.
type Presence interface {
	MarkConnected(ctx context.Context, userID int) error
	MarkDisconnected(ctx context.Context, userID int) error
	Refresh(ctx context.Context, userID, chatID int) error
	JoinChat(ctx context.Context, chatID, userID int) error
	LeaveChat(ctx context.Context, chatID, userID int) error
}

// Stopper is stopped first on shutdown so no new fan-out reaches sockets
// that are being closed.
type Stopper interface {
	Close(ctx context.Context) error
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 45 * time.Second,
		DisconnectGrace:   500 * time.Millisecond,
	}
}

// Registry owns the chat sockets of this process and the auxiliary status
// and search sockets.
type Registry struct {
	presence Presence
	bus      Stopper
	cfg      RegistryConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	conns   map[*Connection]struct{}
	chats   map[int]map[*Connection]struct{}
	aux     map[*Connection]struct{}
	closing bool

	heartbeats sync.WaitGroup
}

func NewRegistry(presence Presence, bus Stopper, cfg RegistryConfig, logger *slog.Logger) *Registry {
	defaults := DefaultRegistryConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = defaults.DisconnectGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		presence: presence,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "registry"),
		conns:    make(map[*Connection]struct{}),
		chats:    make(map[int]map[*Connection]struct{}),
		aux:      make(map[*Connection]struct{}),
	}
}

// Connect registers conn under chatID, records presence and starts the
// heartbeat. Presence failures are logged; the connection stays.
func (r *Registry) Connect(ctx context.Context, conn *Connection, chatID, userID int) error {
	conn.info.ChatID = chatID
	conn.info.UserID = userID
	if conn.info.Kind == "" {
		conn.info.Kind = kindChat
	}

	hbCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		cancel()
		return ErrRegistryClosed
	}
	r.conns[conn] = struct{}{}
	room, ok := r.chats[chatID]
	if !ok {
		room = make(map[*Connection]struct{})
		r.chats[chatID] = room
	}
	room[conn] = struct{}{}
	conn.stopHeartbeat = cancel
	conn.heartbeatDone = make(chan struct{})
	conn.presenceDone = make(chan struct{})
	r.heartbeats.Add(1)
	r.mu.Unlock()

	if err := r.presence.MarkConnected(ctx, userID); err != nil {
		r.logger.Warn("presence connect failed", "user_id", userID, "chat_id", chatID, "error", err)
	}
	if err := r.presence.JoinChat(ctx, chatID, userID); err != nil {
		r.logger.Warn("chat roster join failed", "user_id", userID, "chat_id", chatID, "error", err)
	}
	close(conn.presenceDone)

	go r.heartbeat(hbCtx, conn)

	r.logger.Info("connection registered", "conn_id", conn.ID(), "user_id", userID, "chat_id", chatID)
	observability.IncWSActive(kindChat)
	publishLifecycle(ctx, conn, "ws_connect", "")
	return nil
}

// Disconnect tears conn down once. Later calls only close the transport.
func (r *Registry) Disconnect(ctx context.Context, conn *Connection, code int, reason string) {
	r.disconnect(ctx, conn, code, reason, true)
}

func (r *Registry) disconnect(ctx context.Context, conn *Connection, code int, reason string, waitHeartbeat bool) {
	if !r.claim(conn) {
		_ = conn.Close(code, reason)
		return
	}
	conn.transition(stateActive, stateDisconnecting)
	ctx = context.WithoutCancel(ctx)

	userID, chatID := conn.UserID(), conn.ChatID()
	lastInChat := !r.userInChat(chatID, userID)

	// Presence is undone only after Connect has recorded it.
	if conn.presenceDone != nil {
		<-conn.presenceDone
	}

	err := cleanup.Run(r.logger,
		cleanup.Func("stop heartbeat", func() error {
			return r.stopHeartbeat(conn, waitHeartbeat)
		}),
		cleanup.Func("leave chat", func() error {
			if !lastInChat {
				return nil
			}
			return r.presence.LeaveChat(ctx, chatID, userID)
		}),
		cleanup.Func("mark disconnected", func() error {
			return r.presence.MarkDisconnected(ctx, userID)
		}),
		cleanup.Func("close socket", func() error {
			return conn.Close(code, reason)
		}),
	)

	r.logger.Info("connection disconnected",
		"conn_id", conn.ID(), "user_id", userID, "chat_id", chatID, "code", code, "reason", reason, "clean", err == nil)
	observability.DecWSActive(kindChat)
	publishLifecycle(ctx, conn, "ws_disconnect", reason)
}

// claim removes conn from both maps. Only the caller that removed it gets
// true.
func (r *Registry) claim(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn]; !ok {
		return false
	}
	delete(r.conns, conn)
	chatID := conn.ChatID()
	if room, ok := r.chats[chatID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(r.chats, chatID)
		}
	}
	return true
}

func (r *Registry) userInChat(chatID, userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.chats[chatID] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

func (r *Registry) stopHeartbeat(conn *Connection, wait bool) error {
	if conn.stopHeartbeat == nil {
		return nil
	}
	conn.stopHeartbeat()
	if !wait {
		return nil
	}
	select {
	case <-conn.heartbeatDone:
		return nil
	case <-time.After(r.cfg.DisconnectGrace):
		return fmt.Errorf("heartbeat for %s did not stop within %s", conn.ID(), r.cfg.DisconnectGrace)
	}
}

func (r *Registry) heartbeat(ctx context.Context, conn *Connection) {
	defer r.heartbeats.Done()
	defer close(conn.heartbeatDone)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.Send(pingFrame); err != nil {
			if ctx.Err() != nil {
				return
			}
			if conn.transition(stateActive, stateDisconnecting) {
				r.logger.Warn("heartbeat failed", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
				publishLifecycle(ctx, conn, "ws_error", err.Error())
				r.disconnect(context.Background(), conn, websocket.CloseInternalServerErr, "Heartbeat failure", false)
			}
			return
		}
		if err := r.presence.Refresh(ctx, conn.UserID(), conn.ChatID()); err != nil {
			r.logger.Debug("presence refresh failed", "user_id", conn.UserID(), "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Attach tracks a status or search socket so shutdown closes it.
func (r *Registry) Attach(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrRegistryClosed
	}
	r.aux[conn] = struct{}{}
	observability.IncWSActive(conn.Info().Kind)
	return nil
}

// Detach stops tracking a status or search socket and closes it.
func (r *Registry) Detach(conn *Connection, code int, reason string) {
	r.mu.Lock()
	_, ok := r.aux[conn]
	delete(r.aux, conn)
	r.mu.Unlock()

	_ = conn.Close(code, reason)
	if ok {
		observability.DecWSActive(conn.Info().Kind)
	}
}

// Watchers returns the attached status sockets.
func (r *Registry) Watchers() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.aux))
	for c := range r.aux {
		if c.Info().Kind == kindStatus {
			out = append(out, c)
		}
	}
	return out
}

// ChatConnections snapshots the local sockets joined to chatID.
func (r *Registry) ChatConnections(chatID int) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.chats[chatID]
	out := make([]*Connection, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Tracked reports whether conn is still referenced by either map.
func (r *Registry) Tracked(conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[conn]; ok {
		return true
	}
	_, ok := r.chats[conn.ChatID()][conn]
	return ok
}

// Close stops the bus, then disconnects every socket concurrently and waits
// for the heartbeats to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	aux := make([]*Connection, 0, len(r.aux))
	for c := range r.aux {
		aux = append(aux, c)
	}
	r.mu.Unlock()

	r.logger.Info("closing registry", "connections", len(conns), "watchers", len(aux))

	return cleanup.Run(r.logger,
		cleanup.Func("stop bus", func() error {
			if r.bus == nil {
				return nil
			}
			return r.bus.Close(ctx)
		}),
		cleanup.Func("disconnect sockets", func() error {
			var g errgroup.Group
			for _, c := range conns {
				g.Go(func() error {
					r.Disconnect(ctx, c, websocket.CloseServiceRestart, "Server shutting down")
					return nil
				})
			}
			for _, c := range aux {
				g.Go(func() error {
					r.Detach(c, websocket.CloseServiceRestart, "Server shutting down")
					return nil
				})
			}
			return g.Wait()
		}),
		cleanup.Func("wait heartbeats", func() error {
			done := make(chan struct{})
			go func() {
				r.heartbeats.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		cleanup.Func("clear state", func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.conns = make(map[*Connection]struct{})
			r.chats = make(map[int]map[*Connection]struct{})
			r.aux = make(map[*Connection]struct{})
			return nil
		}),
	)
}
