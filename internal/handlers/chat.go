package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/messages"
	"chat-realtime/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageService is the message use-case layer behind the chat endpoints.
type MessageService interface {
	Create(ctx context.Context, chatID, senderID int, content string, replyToID *int) (models.CachedMessage, error)
	Delete(ctx context.Context, chatID, messageID, requesterID int) (models.MessageDeleted, error)
	History(ctx context.Context, chatID, userID, offset, limit int) ([]models.CachedMessage, error)
}

type PresenceReader interface {
	IsOnline(ctx context.Context, userID int) (bool, error)
	LastSeen(ctx context.Context, userID int) (time.Time, bool, error)
}

// ChatHandler serves message history, posting, deletion and presence lookups.
type ChatHandler struct {
	messages MessageService
	presence PresenceReader
	logger   *slog.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(service MessageService, presence PresenceReader, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{messages: service, presence: presence, logger: logger.With("component", "http_chat")}
}

// Register mounts the routes on an authenticated group.
func (h *ChatHandler) Register(r gin.IRoutes) {
	r.GET("/chats/:chat_id/messages", h.GetChatMessages)
	r.POST("/chats/:chat_id/messages", h.PostChatMessage)
	r.DELETE("/chats/:chat_id/messages/:message_id", h.DeleteMessage)
	r.GET("/users/:user_id/presence", h.GetPresence)
}

// GetChatMessages returns one page of history, oldest first.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxHistoryLimit || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200 and offset >= 0"})
		return
	}

	msgs, err := h.messages.History(c.Request.Context(), chatID, c.GetInt("userID"), offset, limit)
	if err != nil {
		h.fail(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostChatMessage stores a chat message and broadcasts it.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}

	var req struct {
		Content   string `json:"content" binding:"required,max=4096"`
		ReplyToID *int   `json:"reply_to_id" binding:"omitempty,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), chatID, c.GetInt("userID"), req.Content, req.ReplyToID)
	if err != nil {
		h.fail(c, err, "failed to store message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// DeleteMessage removes a message for everyone. Only its sender may do so.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}
	messageID, ok := pathID(c, "message_id")
	if !ok {
		return
	}

	if _, err := h.messages.Delete(c.Request.Context(), chatID, messageID, c.GetInt("userID")); err != nil {
		h.fail(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) GetPresence(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		h.fail(c, err, "failed to load presence")
		return
	}
	resp := gin.H{"user_id": userID, "is_online": online, "last_seen": nil}
	seen, found, err := h.presence.LastSeen(ctx, userID)
	if err != nil {
		h.logger.Warn("last seen lookup failed", "user_id", userID, "error", err)
	} else if found {
		resp["last_seen"] = seen.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) fail(c *gin.Context, err error, fallback string) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(fallback, "path", c.FullPath(), "error", err)
		message = fallback
	}
	c.JSON(status, gin.H{"error": message})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, messages.ErrChatNotFound), errors.Is(err, messages.ErrMessageNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, messages.ErrNotParticipant), errors.Is(err, messages.ErrNotSender):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, messages.ErrInvalidContent),
		errors.Is(err, messages.ErrReplyNotFound),
		errors.Is(err, messages.ErrReplyOtherChat):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, ""
	}
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
