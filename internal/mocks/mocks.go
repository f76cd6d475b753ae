package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, chatID int, senderID int, content string, replyToID *int) (models.Message, error) {
	args := m.Called(ctx, chatID, senderID, content, replyToID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, messageID int, requesterID int) (bool, error) {
	args := m.Called(ctx, messageID, requesterID)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) RecentMessages(ctx context.Context, chatID int, limit int) ([]models.Message, error) {
	args := m.Called(ctx, chatID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID int) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	args := m.Called(ctx, query, limit)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

type CacheMock struct {
	mock.Mock
}

func (m *CacheMock) Append(ctx context.Context, chatID int, msg models.CachedMessage) (bool, error) {
	args := m.Called(ctx, chatID, msg)
	return args.Bool(0), args.Error(1)
}

func (m *CacheMock) Warm(ctx context.Context, chatID int, msgs []models.CachedMessage) (int, error) {
	args := m.Called(ctx, chatID, msgs)
	return args.Int(0), args.Error(1)
}

func (m *CacheMock) History(ctx context.Context, chatID, offset, limit int) ([]models.CachedMessage, error) {
	args := m.Called(ctx, chatID, offset, limit)
	var msgs []models.CachedMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.CachedMessage)
	}
	return msgs, args.Error(1)
}

func (m *CacheMock) Tombstone(ctx context.Context, chatID, messageID int) (bool, error) {
	args := m.Called(ctx, chatID, messageID)
	return args.Bool(0), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(ctx context.Context, chatID int, eventType string, payload any, senderID int) int64 {
	args := m.Called(ctx, chatID, eventType, payload, senderID)
	return int64(args.Int(0))
}

func (m *BroadcasterMock) BroadcastDeletion(ctx context.Context, chatID, messageID int, deletedAt time.Time) int64 {
	args := m.Called(ctx, chatID, messageID, deletedAt)
	return int64(args.Int(0))
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) MarkConnected(ctx context.Context, userID int) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *PresenceMock) MarkDisconnected(ctx context.Context, userID int) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *PresenceMock) Refresh(ctx context.Context, userID, chatID int) error {
	return m.Called(ctx, userID, chatID).Error(0)
}

func (m *PresenceMock) JoinChat(ctx context.Context, chatID, userID int) error {
	return m.Called(ctx, chatID, userID).Error(0)
}

func (m *PresenceMock) LeaveChat(ctx context.Context, chatID, userID int) error {
	return m.Called(ctx, chatID, userID).Error(0)
}

func (m *PresenceMock) IsOnline(ctx context.Context, userID int) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceMock) LastSeen(ctx context.Context, userID int) (time.Time, bool, error) {
	args := m.Called(ctx, userID)
	var seen time.Time
	if val := args.Get(0); val != nil {
		seen = val.(time.Time)
	}
	return seen, args.Bool(1), args.Error(2)
}

func (m *PresenceMock) OnlineSnapshot(ctx context.Context) ([]int, error) {
	args := m.Called(ctx)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Emit(ctx context.Context, level, text, requestID string, userID *int64) {
	m.Called(ctx, level, text, requestID, userID)
}

var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserRepository = (*UserRepositoryMock)(nil)

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) Create(ctx context.Context, chatID, senderID int, content string, replyToID *int) (models.CachedMessage, error) {
	args := m.Called(ctx, chatID, senderID, content, replyToID)
	var msg models.CachedMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.CachedMessage)
	}
	return msg, args.Error(1)
}

func (m *MessageServiceMock) Delete(ctx context.Context, chatID, messageID, requesterID int) (models.MessageDeleted, error) {
	args := m.Called(ctx, chatID, messageID, requesterID)
	var event models.MessageDeleted
	if val := args.Get(0); val != nil {
		event = val.(models.MessageDeleted)
	}
	return event, args.Error(1)
}

func (m *MessageServiceMock) History(ctx context.Context, chatID, userID, offset, limit int) ([]models.CachedMessage, error) {
	args := m.Called(ctx, chatID, userID, offset, limit)
	var msgs []models.CachedMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.CachedMessage)
	}
	return msgs, args.Error(1)
}
