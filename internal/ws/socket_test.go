package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
	"chat-realtime/internal/redisconn/redistest"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeSocket records frames. With failAt > 0, the failAt-th data write and
// every later one fail.
type fakeSocket struct {
	mu          sync.Mutex
	frames      [][]byte
	writes      int
	failAt      int
	closed      bool
	closeCode   int
	closeReason string
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAt > 0 && s.writes >= s.failAt {
		return errBrokenPipe
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.closeCode = int(binary.BigEndian.Uint16(data))
		s.closeReason = string(data[2:])
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) closeInfo() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// received decodes every frame except heartbeat pings.
func (s *fakeSocket) received(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		if m["type"] == "ping" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *fakeSocket) pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if string(f) == string(pingFrame) {
			n++
		}
	}
	return n
}

// loosePresence accepts every presence call.
func loosePresence() *mocks.PresenceMock {
	p := new(mocks.PresenceMock)
	for _, method := range []string{"MarkConnected", "MarkDisconnected"} {
		p.On(method, mock.Anything, mock.Anything).Return(nil).Maybe()
	}
	for _, method := range []string{"Refresh", "JoinChat", "LeaveChat"} {
		p.On(method, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	}
	return p
}

type stopper struct {
	mu    sync.Mutex
	calls int
}

func (s *stopper) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func newTestRegistry(t *testing.T, presence Presence, interval time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(presence, nil, RegistryConfig{HeartbeatInterval: interval, DisconnectGrace: 200 * time.Millisecond}, redistest.DiscardLogger())
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func connect(t *testing.T, r *Registry, chatID, userID int) (*Connection, *fakeSocket) {
	t.Helper()
	socket := &fakeSocket{}
	conn := NewConnection(socket, ConnInfo{})
	require.NoError(t, r.Connect(context.Background(), conn, chatID, userID))
	return conn, socket
}
