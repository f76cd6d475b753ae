package ws

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-realtime/internal/models"
)

const searchResultLimit = 50

type UserSearcher interface {
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
}

// SearchWebSocketHandler serves /ws/search.
type SearchWebSocketHandler struct {
	registry *Registry
	users    UserSearcher
	online   OnlineLister
	tokens   TokenValidator
	cfg      HandlerConfig
	logger   *slog.Logger
}

func NewSearchWebSocketHandler(registry *Registry, users UserSearcher, online OnlineLister, tokens TokenValidator, cfg HandlerConfig, logger *slog.Logger) *SearchWebSocketHandler {
	return &SearchWebSocketHandler{
		registry: registry,
		users:    users,
		online:   online,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "ws_search"),
	}
}

func (h *SearchWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake", trace.WithAttributes(
		attribute.String("ws.kind", kindSearch),
	))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	raw, conn, err := accept(c, kindSearch, h.cfg.MaxMessageSize)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if _, ok := authenticate(ctx, c, conn, h.tokens, false); !ok {
		return
	}
	if err := h.registry.Attach(conn); err != nil {
		_ = conn.Close(websocket.CloseServiceRestart, "Server shutting down")
		return
	}
	publishLifecycle(ctx, conn, "ws_connect", "")

	go h.serve(context.WithoutCancel(ctx), raw, conn)
}

func (h *SearchWebSocketHandler) serve(ctx context.Context, raw *websocket.Conn, conn *Connection) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		h.registry.Detach(conn, code, reason)
		publishLifecycle(ctx, conn, "ws_disconnect", reason)
	}()

	for {
		data, err := readFrame(raw, 0)
		if err != nil {
			if !conn.Closed() && isUnexpectedClose(err) {
				reason = err.Error()
				publishLifecycle(ctx, conn, "ws_error", reason)
			}
			return
		}
		if err := h.handleFrame(ctx, conn, data); err != nil {
			h.logger.Debug("reply to search socket failed", "conn_id", conn.ID(), "error", err)
			return
		}
	}
}

func (h *SearchWebSocketHandler) handleFrame(ctx context.Context, conn *Connection, data []byte) error {
	if len(data) > h.cfg.MaxMessageSize {
		return sendError(conn, "Message too large.", websocket.CloseMessageTooBig)
	}
	in, err := ParseInbound(data)
	if err != nil {
		return sendError(conn, invalidFrameMessage(err), websocket.CloseUnsupportedData)
	}

	switch in := in.(type) {
	case Ping:
		return conn.Send(pongFrame)
	case SearchQuery:
		return conn.SendJSON(searchResults{Type: "search_results", Results: h.search(ctx, in.Query, conn.UserID())})
	default:
		return sendError(conn, "Unsupported message type for search.", websocket.CloseUnsupportedData)
	}
}

// search degrades to an empty result on any lookup failure.
func (h *SearchWebSocketHandler) search(ctx context.Context, query string, self int) []SearchResult {
	results := []SearchResult{}
	query = strings.TrimSpace(query)
	if query == "" {
		return results
	}

	users, err := h.users.SearchUsers(ctx, query, searchResultLimit)
	if err != nil {
		h.logger.Warn("user search failed", "user_id", self, "error", err)
		return results
	}
	if len(users) == 0 {
		return results
	}

	online := map[int]bool{}
	ids, err := h.online.OnlineSnapshot(ctx)
	if err != nil {
		h.logger.Warn("online snapshot failed", "user_id", self, "error", err)
	}
	for _, id := range ids {
		online[id] = true
	}

	for _, u := range users {
		if u.ID == self {
			continue
		}
		results = append(results, SearchResult{ID: u.ID, Username: u.Username, Avatar: u.Avatar, IsOnline: online[u.ID]})
	}
	h.logger.Debug("user search", "user_id", self, "query", query, "results", len(results))
	return results
}
