package ws

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusWebSocketHandler serves /ws/status/:user_id. Watchers get the online
// snapshot once, then every status_update the fanout forwards.
type StatusWebSocketHandler struct {
	registry *Registry
	online   OnlineLister
	tokens   TokenValidator
	cfg      HandlerConfig
	logger   *slog.Logger
}

func NewStatusWebSocketHandler(registry *Registry, online OnlineLister, tokens TokenValidator, cfg HandlerConfig, logger *slog.Logger) *StatusWebSocketHandler {
	return &StatusWebSocketHandler{
		registry: registry,
		online:   online,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "ws_status"),
	}
}

func (h *StatusWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake", trace.WithAttributes(
		attribute.String("ws.kind", kindStatus),
	))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	raw, conn, err := accept(c, kindStatus, h.cfg.MaxMessageSize)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	userID, ok := authenticate(ctx, c, conn, h.tokens, true)
	if !ok {
		return
	}

	ids, err := h.online.OnlineSnapshot(ctx)
	if err != nil {
		h.logger.Warn("online snapshot failed", "user_id", userID, "error", err)
	}
	if ids == nil {
		ids = []int{}
	}
	if err := conn.SendJSON(frame{Type: "initial_status", Data: initialStatus{OnlineUsers: ids}}); err != nil {
		h.logger.Warn("initial status send failed", "user_id", userID, "error", err)
		_ = conn.Close(websocket.CloseInternalServerErr, "Send error")
		return
	}

	if err := h.registry.Attach(conn); err != nil {
		_ = conn.Close(websocket.CloseServiceRestart, "Server shutting down")
		return
	}
	h.logger.Info("status watcher attached", "conn_id", conn.ID(), "user_id", userID, "online", len(ids))
	publishLifecycle(ctx, conn, "ws_connect", "")

	go h.serve(context.WithoutCancel(ctx), raw, conn)
}

func (h *StatusWebSocketHandler) serve(ctx context.Context, raw *websocket.Conn, conn *Connection) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		h.registry.Detach(conn, code, reason)
		publishLifecycle(ctx, conn, "ws_disconnect", reason)
	}()

	for {
		data, err := readFrame(raw, h.cfg.InactivityTimeout)
		if err != nil {
			switch {
			case conn.Closed():
			case isTimeout(err):
				code, reason = websocket.ClosePolicyViolation, "Inactivity timeout"
			case isUnexpectedClose(err):
				reason = err.Error()
				publishLifecycle(ctx, conn, "ws_error", reason)
			}
			return
		}

		in, err := ParseInbound(data)
		if err != nil {
			continue
		}
		if _, ok := in.(Ping); ok {
			if err := conn.Send(pongFrame); err != nil {
				return
			}
		}
	}
}
