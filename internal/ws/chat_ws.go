package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"chat-realtime/internal/messages"
	"chat-realtime/internal/models"
)

// ChatAccess checks that a chat exists and who may join it.
type ChatAccess interface {
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
}

// MessageCreator stores and broadcasts a message typed on a socket.
type MessageCreator interface {
	Create(ctx context.Context, chatID, senderID int, content string, replyToID *int) (models.CachedMessage, error)
}

// ChatWebSocketHandler serves /ws/chat/:chat_id/:user_id.
type ChatWebSocketHandler struct {
	registry *Registry
	chats    ChatAccess
	messages MessageCreator
	tokens   TokenValidator
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(registry *Registry, chats ChatAccess, creator MessageCreator, tokens TokenValidator, cfg HandlerConfig, logger *slog.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		registry: registry,
		chats:    chats,
		messages: creator,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "ws_chat"),
	}
}

// Handle upgrades the connection, checks access and registers it.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake", trace.WithAttributes(
		attribute.String("ws.kind", kindChat),
		attribute.Int("chat.id", chatID),
	))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	raw, conn, err := accept(c, kindChat, h.cfg.MaxMessageSize)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "chat_id", chatID, "error", err)
		return
	}

	userID, ok := authenticate(ctx, c, conn, h.tokens, true)
	if !ok {
		h.logger.Warn("websocket authentication failed", "chat_id", chatID)
		return
	}
	span.SetAttributes(attribute.Int("user.id", userID))

	if code, reason := h.authorize(ctx, chatID, userID); code != 0 {
		h.logger.Warn("chat access denied", "chat_id", chatID, "user_id", userID, "reason", reason)
		_ = conn.Close(code, reason)
		return
	}

	if err := h.registry.Connect(ctx, conn, chatID, userID); err != nil {
		_ = conn.Close(websocket.CloseServiceRestart, "Server shutting down")
		return
	}

	go h.serve(context.WithoutCancel(ctx), raw, conn)
}

func (h *ChatWebSocketHandler) authorize(ctx context.Context, chatID, userID int) (int, string) {
	if _, err := h.chats.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, messages.ErrChatNotFound) {
			return websocket.ClosePolicyViolation, "Chat not found"
		}
		h.logger.Error("load chat failed", "chat_id", chatID, "error", err)
		return websocket.CloseInternalServerErr, "Internal server error"
	}
	member, err := h.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		h.logger.Error("participant check failed", "chat_id", chatID, "user_id", userID, "error", err)
		return websocket.CloseInternalServerErr, "Internal server error"
	}
	if !member {
		return websocket.ClosePolicyViolation, "Access forbidden"
	}
	return 0, ""
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, raw *websocket.Conn, conn *Connection) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		h.registry.Disconnect(ctx, conn, code, reason)
	}()

	limiter := rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
	for {
		data, err := readFrame(raw, h.cfg.InactivityTimeout)
		if err != nil {
			switch {
			case conn.Closed():
			case isTimeout(err):
				h.logger.Warn("chat socket inactive", "conn_id", conn.ID(), "user_id", conn.UserID(), "chat_id", conn.ChatID())
				code, reason = websocket.ClosePolicyViolation, "Inactivity timeout"
			case isUnexpectedClose(err):
				reason = err.Error()
				publishLifecycle(ctx, conn, "ws_error", reason)
			}
			return
		}
		h.handleFrame(ctx, conn, limiter, data)
	}
}

func (h *ChatWebSocketHandler) handleFrame(ctx context.Context, conn *Connection, limiter *rate.Limiter, data []byte) {
	if len(data) > h.cfg.MaxMessageSize {
		h.reply(conn, sendError(conn, "Message too large.", websocket.CloseMessageTooBig))
		return
	}

	in, err := ParseInbound(data)
	if err != nil {
		h.logger.Debug("invalid chat frame", "conn_id", conn.ID(), "error", err)
		h.reply(conn, sendError(conn, invalidFrameMessage(err), websocket.CloseUnsupportedData))
		return
	}

	switch in := in.(type) {
	case Ping:
		h.reply(conn, conn.Send(pongFrame))
	case Pong:
	case ChatMessage:
		h.create(ctx, conn, limiter, in.Content, in.ReplyToID)
	case RawText:
		text := strings.TrimSpace(in.Text)
		if text == "" {
			h.reply(conn, sendError(conn, "Unsupported message type or format.", websocket.CloseUnsupportedData))
			return
		}
		h.create(ctx, conn, limiter, text, nil)
	default:
		h.reply(conn, sendError(conn, "Unsupported message type or format.", websocket.CloseUnsupportedData))
	}
}

func (h *ChatWebSocketHandler) create(ctx context.Context, conn *Connection, limiter *rate.Limiter, content string, replyToID *int) {
	if !limiter.Allow() {
		h.reply(conn, sendError(conn, "Rate limit exceeded.", websocket.ClosePolicyViolation))
		return
	}
	if _, err := h.messages.Create(ctx, conn.ChatID(), conn.UserID(), content, replyToID); err != nil {
		code, message := createFailure(err)
		h.logger.Warn("message create failed", "chat_id", conn.ChatID(), "user_id", conn.UserID(), "error", err)
		h.reply(conn, sendError(conn, message, code))
	}
}

func (h *ChatWebSocketHandler) reply(conn *Connection, err error) {
	if err != nil {
		h.logger.Debug("reply to chat socket failed", "conn_id", conn.ID(), "error", err)
	}
}

func createFailure(err error) (int, string) {
	switch {
	case errors.Is(err, messages.ErrInvalidContent):
		return websocket.CloseUnsupportedData, "Invalid message format: " + err.Error()
	case errors.Is(err, messages.ErrChatNotFound),
		errors.Is(err, messages.ErrNotParticipant),
		errors.Is(err, messages.ErrReplyNotFound),
		errors.Is(err, messages.ErrReplyOtherChat):
		return websocket.CloseInternalServerErr, "Failed to process message: " + err.Error()
	default:
		return websocket.CloseInternalServerErr, "Internal server error processing message."
	}
}
