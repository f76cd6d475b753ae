package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send after the connection was closed.
var ErrConnectionClosed = errors.New("websocket connection closed")

const writeWait = 10 * time.Second

// Socket is the part of *websocket.Conn the registry writes to.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type connState int32

const (
	stateActive connState = iota
	stateDisconnecting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateDisconnecting:
		return "disconnecting"
	default:
		return "closed"
	}
}

// ConnInfo describes who opened a socket and from where.
type ConnInfo struct {
	ConnID      string
	Kind        string
	UserID      int
	ChatID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Connection is one live socket owned by this process. Writes are serialized;
// Close is idempotent.
type Connection struct {
	socket Socket
	info   ConnInfo

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	// set by the registry while the heartbeat runs
	stopHeartbeat func()
	heartbeatDone chan struct{}
	// closed once Connect has finished its presence writes
	presenceDone chan struct{}
}

// NewConnection wraps socket. A missing connection id is generated.
func NewConnection(socket Socket, info ConnInfo) *Connection {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	return &Connection{socket: socket, info: info}
}

func (c *Connection) ID() string { return c.info.ConnID }
func (c *Connection) UserID() int { return c.info.UserID }
func (c *Connection) ChatID() int { return c.info.ChatID }
func (c *Connection) Info() ConnInfo { return c.info }
func (c *Connection) State() string { return c.loadState().String() }
func (c *Connection) Closed() bool { return c.loadState() == stateClosed }
func (c *Connection) loadState() connState { return connState(c.state.Load()) }

func (c *Connection) transition(from, to connState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Send writes one text frame.
func (c *Connection) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.loadState() == stateClosed {
		return ErrConnectionClosed
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// SendJSON encodes v and writes it as one text frame.
func (c *Connection) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		c.state.Store(int32(stateClosed))
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

// Close reasons must fit in a control frame and stay valid UTF-8.
func truncateReason(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
