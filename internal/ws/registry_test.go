package ws

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/redisconn/redistest"
)

func TestConnectRegistersAndRecordsPresence(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(nil).Once()
	p.On("JoinChat", mock.Anything, 7, 1).Return(nil).Once()
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("LeaveChat", mock.Anything, 7, 1).Return(nil).Maybe()
	p.On("MarkDisconnected", mock.Anything, 1).Return(nil).Maybe()
	r := newTestRegistry(t, p, time.Hour)

	conn, socket := connect(t, r, 7, 1)

	assert.True(t, r.Tracked(conn))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, []*Connection{conn}, r.ChatConnections(7))
	assert.Equal(t, kindChat, conn.Info().Kind)
	require.Eventually(t, func() bool { return socket.pings() == 1 }, time.Second, 5*time.Millisecond)
	p.AssertExpectations(t)
}

func TestConnectSurvivesPresenceFailure(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(assert.AnError).Once()
	p.On("JoinChat", mock.Anything, 7, 1).Return(assert.AnError).Once()
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("LeaveChat", mock.Anything, 7, 1).Return(nil).Maybe()
	p.On("MarkDisconnected", mock.Anything, 1).Return(nil).Maybe()
	r := newTestRegistry(t, p, time.Hour)

	conn, _ := connect(t, r, 7, 1)
	assert.True(t, r.Tracked(conn))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(nil).Once()
	p.On("JoinChat", mock.Anything, 7, 1).Return(nil).Once()
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("LeaveChat", mock.Anything, 7, 1).Return(nil).Once()
	p.On("MarkDisconnected", mock.Anything, 1).Return(nil).Once()
	r := newTestRegistry(t, p, time.Hour)

	conn, socket := connect(t, r, 7, 1)
	r.Disconnect(context.Background(), conn, websocket.CloseNormalClosure, "bye")
	r.Disconnect(context.Background(), conn, websocket.CloseInternalServerErr, "again")

	assert.False(t, r.Tracked(conn))
	assert.Empty(t, r.ChatConnections(7))
	assert.True(t, socket.isClosed())
	code, reason := socket.closeInfo()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)
	assert.Equal(t, "closed", conn.State())
	p.AssertExpectations(t)
}

func TestDisconnectWithCancelledContextStillCleansUp(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(nil)
	p.On("JoinChat", mock.Anything, 7, 1).Return(nil)
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("LeaveChat", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), 7, 1).Return(nil).Once()
	p.On("MarkDisconnected", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), 1).Return(nil).Once()
	r := newTestRegistry(t, p, time.Hour)

	conn, _ := connect(t, r, 7, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Disconnect(ctx, conn, websocket.CloseNormalClosure, "")
	p.AssertExpectations(t)
}

func TestRosterKeptWhileUserHasAnotherSocket(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(nil).Twice()
	p.On("JoinChat", mock.Anything, 7, 1).Return(nil).Twice()
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("MarkDisconnected", mock.Anything, 1).Return(nil).Twice()
	r := newTestRegistry(t, p, time.Hour)

	first, _ := connect(t, r, 7, 1)
	second, _ := connect(t, r, 7, 1)

	r.Disconnect(context.Background(), first, websocket.CloseNormalClosure, "")
	p.AssertNotCalled(t, "LeaveChat", mock.Anything, 7, 1)

	p.On("LeaveChat", mock.Anything, 7, 1).Return(nil).Once()
	r.Disconnect(context.Background(), second, websocket.CloseNormalClosure, "")
	p.AssertExpectations(t)
}

func TestHeartbeatFailureDisconnectsOnce(t *testing.T) {
	p := new(mocks.PresenceMock)
	p.On("MarkConnected", mock.Anything, 1).Return(nil).Once()
	p.On("JoinChat", mock.Anything, 7, 1).Return(nil).Once()
	p.On("Refresh", mock.Anything, 1, 7).Return(nil).Maybe()
	p.On("LeaveChat", mock.Anything, 7, 1).Return(nil).Once()
	p.On("MarkDisconnected", mock.Anything, 1).Return(nil).Once()
	r := newTestRegistry(t, p, 10*time.Millisecond)

	socket := &fakeSocket{failAt: 3}
	conn := NewConnection(socket, ConnInfo{})
	require.NoError(t, r.Connect(context.Background(), conn, 7, 1))

	require.Eventually(t, socket.isClosed, time.Second, 5*time.Millisecond)
	assert.False(t, r.Tracked(conn))
	assert.Equal(t, 2, socket.pings())
	code, reason := socket.closeInfo()
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "Heartbeat failure", reason)

	// a late Disconnect from the read loop is a no-op
	r.Disconnect(context.Background(), conn, websocket.CloseNormalClosure, "")
	p.AssertExpectations(t)
}

func TestAuxSocketsAreWatchersOnlyWhenStatus(t *testing.T) {
	r := newTestRegistry(t, loosePresence(), time.Hour)

	status := NewConnection(&fakeSocket{}, ConnInfo{Kind: kindStatus, UserID: 3})
	search := NewConnection(&fakeSocket{}, ConnInfo{Kind: kindSearch, UserID: 3})
	require.NoError(t, r.Attach(status))
	require.NoError(t, r.Attach(search))

	assert.Equal(t, []*Connection{status}, r.Watchers())
	assert.Zero(t, r.ConnectionCount())

	r.Detach(status, websocket.CloseNormalClosure, "")
	assert.Empty(t, r.Watchers())
	assert.True(t, status.Closed())
}

func TestCloseStopsBusAndClosesEverySocket(t *testing.T) {
	bus := &stopper{}
	r := NewRegistry(loosePresence(), bus, RegistryConfig{HeartbeatInterval: time.Hour}, redistest.DiscardLogger())

	_, a := connect(t, r, 7, 1)
	_, b := connect(t, r, 8, 2)
	watcherSocket := &fakeSocket{}
	require.NoError(t, r.Attach(NewConnection(watcherSocket, ConnInfo{Kind: kindStatus, UserID: 4})))

	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 1, bus.calls)
	assert.Zero(t, r.ConnectionCount())
	assert.Empty(t, r.Watchers())
	for _, s := range []*fakeSocket{a, b, watcherSocket} {
		assert.True(t, s.isClosed())
		code, reason := s.closeInfo()
		assert.Equal(t, websocket.CloseServiceRestart, code)
		assert.Equal(t, "Server shutting down", reason)
	}

	err := r.Connect(context.Background(), NewConnection(&fakeSocket{}, ConnInfo{}), 7, 1)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, r.Attach(NewConnection(&fakeSocket{}, ConnInfo{Kind: kindSearch})), ErrRegistryClosed)
}

func TestConnectionCloseOnlyOnce(t *testing.T) {
	socket := &fakeSocket{}
	conn := NewConnection(socket, ConnInfo{})
	require.NoError(t, conn.Close(websocket.CloseNormalClosure, "first"))
	require.NoError(t, conn.Close(websocket.CloseInternalServerErr, "second"))

	code, reason := socket.closeInfo()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "first", reason)
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrConnectionClosed)
	assert.NotEmpty(t, conn.ID())
}

// gatedPresence holds MarkConnected until release is closed.
type gatedPresence struct {
	*presence.Tracker
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPresence) MarkConnected(ctx context.Context, userID int) error {
	close(g.entered)
	<-g.release
	return g.Tracker.MarkConnected(ctx, userID)
}

func TestDisconnectDuringConnectLeavesUserOffline(t *testing.T) {
	_, manager := redistest.New(t)
	tracker := presence.New(manager, nil, time.Minute, redistest.DiscardLogger())
	gate := &gatedPresence{Tracker: tracker, entered: make(chan struct{}), release: make(chan struct{})}
	r := newTestRegistry(t, gate, time.Hour)

	socket := &fakeSocket{}
	conn := NewConnection(socket, ConnInfo{})
	connected := make(chan error, 1)
	go func() { connected <- r.Connect(context.Background(), conn, 7, 1) }()
	<-gate.entered

	disconnected := make(chan struct{})
	go func() {
		r.Disconnect(context.Background(), conn, websocket.CloseInternalServerErr, "Send error")
		close(disconnected)
	}()
	require.Eventually(t, func() bool { return !r.Tracked(conn) }, time.Second, 5*time.Millisecond)

	select {
	case <-disconnected:
		t.Fatal("disconnect finished before presence was recorded")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-connected)
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not finish")
	}

	online, err := tracker.IsOnline(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, online)
	users, err := tracker.ChatUsers(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.True(t, socket.isClosed())
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "bye", truncateReason("bye"))

	reason := strings.Repeat("a", 122) + "é"
	got := truncateReason(reason)
	assert.Equal(t, strings.Repeat("a", 122), got)
	assert.True(t, utf8.ValidString(got))

	long := truncateReason(strings.Repeat("ж", 100))
	assert.LessOrEqual(t, len(long), 123)
	assert.True(t, utf8.ValidString(long))
}
