package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/observability"
)

// TokenValidator resolves an access token to its user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int, error)
}

// OnlineLister returns the ids of every online user.
type OnlineLister interface {
	OnlineSnapshot(ctx context.Context) ([]int, error)
}

// HandlerConfig bounds what a single client may do on a socket.
type HandlerConfig struct {
	InactivityTimeout time.Duration
	MaxMessageSize    int
	RateLimit         rate.Limit
	RateBurst         int
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		InactivityTimeout: 60 * time.Second,
		MaxMessageSize:    16 * 1024,
		RateLimit:         5,
		RateBurst:         10,
	}
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	d := DefaultHandlerConfig()
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var tracer = otel.Tracer("chat-realtime/ws")

// accept upgrades the request and wraps the socket. Frames above four times
// maxSize make gorilla fail the read and close with 1009; smaller oversized
// frames are left to the handler so the socket survives.
func accept(c *gin.Context, kind string, maxSize int) (*websocket.Conn, *Connection, error) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return nil, nil, err
	}
	raw.SetReadLimit(int64(maxSize) * 4)

	r := c.Request
	conn := NewConnection(raw, ConnInfo{
		Kind:      kind,
		DeviceID:  observability.DeviceIDFromRequest(r),
		IP:        observability.IPFromRequest(r),
		RequestID: observability.RequestIDFromRequest(r),
		TraceID:   trace.SpanContextFromContext(r.Context()).TraceID().String(),
	})
	return raw, conn, nil
}

func requestToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return auth.BearerToken(c.GetHeader("Authorization"))
}

// authenticate validates the token and, when pathUser is set, that the
// :user_id path parameter names the same user. On failure the socket is
// closed and ok is false.
func authenticate(ctx context.Context, c *gin.Context, conn *Connection, tokens TokenValidator, pathUser bool) (userID int, ok bool) {
	userID, err := tokens.ValidateToken(ctx, requestToken(c))
	if err != nil {
		_ = conn.Close(websocket.ClosePolicyViolation, "Invalid token")
		return 0, false
	}
	if pathUser {
		requested, err := strconv.Atoi(c.Param("user_id"))
		if err != nil || requested <= 0 {
			_ = conn.Close(websocket.CloseUnsupportedData, "Invalid user id")
			return 0, false
		}
		if requested != userID {
			_ = conn.Close(websocket.ClosePolicyViolation, "Token does not match user")
			return 0, false
		}
	}
	conn.info.UserID = userID
	return userID, true
}

// readFrame waits for the next data frame. A zero timeout waits forever.
func readFrame(raw *websocket.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := raw.ReadMessage()
	return data, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isUnexpectedClose(err error) bool {
	return !websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func sendError(conn *Connection, message string, code int) error {
	return conn.SendJSON(newErrorFrame(message, code))
}

func invalidFrameMessage(err error) string {
	detail := strings.TrimPrefix(err.Error(), ErrInvalidFrame.Error()+": ")
	return "Invalid message format: " + detail
}
