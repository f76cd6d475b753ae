package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"chat-realtime/internal/messages"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/redisconn/redistest"
)

type tokenTable map[string]int

func (tt tokenTable) ValidateToken(_ context.Context, token string) (int, error) {
	if id, ok := tt[token]; ok {
		return id, nil
	}
	return 0, errors.New("invalid token")
}

type createCall struct {
	chatID, senderID int
	content          string
	replyToID        *int
}

type creator struct {
	mu    sync.Mutex
	calls []createCall
	err   error
}

func (c *creator) Create(_ context.Context, chatID, senderID int, content string, replyToID *int) (models.CachedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, createCall{chatID, senderID, content, replyToID})
	return models.CachedMessage{ID: len(c.calls), ChatID: chatID, Content: content}, c.err
}

func (c *creator) recorded() []createCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]createCall(nil), c.calls...)
}

type onlineList []int

func (o onlineList) OnlineSnapshot(context.Context) ([]int, error) { return o, nil }

type endpointFixture struct {
	server   *httptest.Server
	registry *Registry
	chats    *mocks.ChatRepositoryMock
	users    *mocks.UserRepositoryMock
	creator  *creator
}

func newEndpointFixture(t *testing.T, cfg HandlerConfig) *endpointFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := redistest.DiscardLogger()
	f := &endpointFixture{
		registry: newTestRegistry(t, loosePresence(), time.Hour),
		chats:    new(mocks.ChatRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		creator:  &creator{},
	}
	tokens := tokenTable{"tok-1": 1, "tok-2": 2}
	online := onlineList{2, 5}

	r := gin.New()
	r.GET("/ws/chat/:chat_id/:user_id", NewChatWebSocketHandler(f.registry, f.chats, f.creator, tokens, cfg, logger).Handle)
	r.GET("/ws/status/:user_id", NewStatusWebSocketHandler(f.registry, online, tokens, cfg, logger).Handle)
	r.GET("/ws/search", NewSearchWebSocketHandler(f.registry, f.users, online, tokens, cfg, logger).Handle)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *endpointFixture) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *endpointFixture) member(chatID, userID int) {
	f.chats.On("GetChat", mock.Anything, chatID).Return(models.Chat{ID: chatID}, nil)
	f.chats.On("IsParticipant", mock.Anything, chatID, userID).Return(true, nil)
}

// next reads frames until one that is not a server heartbeat.
func next(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] != "ping" {
			return m
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		if reason != "" {
			assert.Equal(t, reason, ce.Text)
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func errorCode(t *testing.T, frame map[string]any) int {
	t.Helper()
	require.Equal(t, "error", frame["type"])
	return int(frame["error"].(map[string]any)["code"].(float64))
}

func TestChatHandshakeRejections(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	f.chats.On("GetChat", mock.Anything, 404).Return(nil, messages.ErrChatNotFound)
	f.chats.On("GetChat", mock.Anything, 7).Return(models.Chat{ID: 7}, nil)
	f.chats.On("IsParticipant", mock.Anything, 7, 2).Return(false, nil)

	tests := []struct {
		name   string
		path   string
		code   int
		reason string
	}{
		{"bad token", "/ws/chat/7/1?token=nope", websocket.ClosePolicyViolation, "Invalid token"},
		{"bad user id", "/ws/chat/7/0?token=tok-1", websocket.CloseUnsupportedData, ""},
		{"other user", "/ws/chat/7/2?token=tok-1", websocket.ClosePolicyViolation, ""},
		{"unknown chat", "/ws/chat/404/1?token=tok-1", websocket.ClosePolicyViolation, "Chat not found"},
		{"not a participant", "/ws/chat/7/2?token=tok-2", websocket.ClosePolicyViolation, "Access forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := f.dial(t, tt.path, nil)
			expectClose(t, conn, tt.code, tt.reason)
		})
	}
	assert.Zero(t, f.registry.ConnectionCount())
}

func TestChatRejectsBadChatIDBeforeUpgrade(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/chat/abc/1?token=tok-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatSessionFrames(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{MaxMessageSize: 64})
	f.member(7, 1)

	header := http.Header{"Authorization": []string{"Bearer tok-1"}}
	conn := f.dial(t, "/ws/chat/7/1", header)
	require.Eventually(t, func() bool { return f.registry.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", next(t, conn)["type"])

	send(t, conn, `{"type":"message","data":{"content":"hello","reply_to_id":3}}`)
	send(t, conn, "  raw words  ")
	send(t, conn, `{"type":"pong"}`)
	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", next(t, conn)["type"])

	calls := f.creator.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "hello", calls[0].content)
	require.NotNil(t, calls[0].replyToID)
	assert.Equal(t, 3, *calls[0].replyToID)
	assert.Equal(t, createCall{chatID: 7, senderID: 1, content: "raw words"}, calls[1])

	send(t, conn, strings.Repeat("x", 65))
	assert.Equal(t, websocket.CloseMessageTooBig, errorCode(t, next(t, conn)))

	send(t, conn, `{"type":"message","data":{"content":"   "}}`)
	assert.Equal(t, websocket.CloseUnsupportedData, errorCode(t, next(t, conn)))

	send(t, conn, `{"type":"search_query","query":"al"}`)
	assert.Equal(t, websocket.CloseUnsupportedData, errorCode(t, next(t, conn)))

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return f.registry.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChatCreateFailureBecomesErrorFrame(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	f.member(7, 1)
	f.creator.err = messages.ErrReplyOtherChat

	conn := f.dial(t, "/ws/chat/7/1?token=tok-1", nil)
	send(t, conn, `{"type":"message","data":{"content":"hi","reply_to_id":9}}`)
	frame := next(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, errorCode(t, frame))
	assert.Contains(t, frame["error"].(map[string]any)["message"], "different chat")
}

func TestChatRateLimit(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{RateLimit: rate.Every(time.Hour), RateBurst: 1})
	f.member(7, 1)

	conn := f.dial(t, "/ws/chat/7/1?token=tok-1", nil)
	send(t, conn, `{"type":"message","data":{"content":"one"}}`)
	send(t, conn, `{"type":"message","data":{"content":"two"}}`)

	frame := next(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, errorCode(t, frame))
	assert.Len(t, f.creator.recorded(), 1)
}

func TestChatInactivityTimeout(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{InactivityTimeout: 100 * time.Millisecond})
	f.member(7, 1)

	conn := f.dial(t, "/ws/chat/7/1?token=tok-1", nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "Inactivity timeout")
	require.Eventually(t, func() bool { return f.registry.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStatusEndpoint(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})

	conn := f.dial(t, "/ws/status/1?token=tok-1", nil)
	frame := next(t, conn)
	assert.Equal(t, "initial_status", frame["type"])
	assert.Equal(t, map[string]any{"online_users": []any{float64(2), float64(5)}}, frame["data"])

	require.Eventually(t, func() bool { return len(f.registry.Watchers()) == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, "ignored")
	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", next(t, conn)["type"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(f.registry.Watchers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStatusEndpointRequiresMatchingUser(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	conn := f.dial(t, "/ws/status/2?token=tok-1", nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "")
}

func TestSearchEndpoint(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	avatar := "a.png"
	f.users.On("SearchUsers", mock.Anything, "al", 50).Return([]models.User{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "alan", Avatar: &avatar},
		{ID: 3, Username: "albert"},
	}, nil).Once()

	conn := f.dial(t, "/ws/search?token=tok-1", nil)

	send(t, conn, `{"type":"search_query","query":" al "}`)
	frame := next(t, conn)
	assert.Equal(t, "search_results", frame["type"])
	assert.Equal(t, []any{
		map[string]any{"id": float64(2), "username": "alan", "avatar": "a.png", "is_online": true},
		map[string]any{"id": float64(3), "username": "albert", "avatar": nil, "is_online": false},
	}, frame["results"])

	send(t, conn, `{"type":"search_query","query":"   "}`)
	assert.Equal(t, []any{}, next(t, conn)["results"])

	send(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", next(t, conn)["type"])

	send(t, conn, `{"type":"message","data":{"content":"hi"}}`)
	frame = next(t, conn)
	assert.Equal(t, websocket.CloseUnsupportedData, errorCode(t, frame))
	assert.Equal(t, "Unsupported message type for search.", frame["error"].(map[string]any)["message"])

	f.users.AssertExpectations(t)
}

func TestSearchEndpointRejectsBadToken(t *testing.T) {
	f := newEndpointFixture(t, HandlerConfig{})
	conn := f.dial(t, "/ws/search", nil)
	expectClose(t, conn, websocket.ClosePolicyViolation, "Invalid token")
}
