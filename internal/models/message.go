package models

import "time"

// Message is a persisted chat message joined with its sender's profile.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ChatID         int       `db:"chat_id" json:"chat_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	ReplyToID      *int      `db:"reply_to_id" json:"reply_to_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	SenderUsername string    `db:"sender_username" json:"-"`
	SenderAvatar   *string   `db:"sender_avatar" json:"-"`
}

// Sender is the denormalized author of a cached message.
type Sender struct {
	ID       int     `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

// CachedMessage is the snapshot kept in the per-chat history cache and sent
// to sockets.
type CachedMessage struct {
	ID        int       `json:"id"`
	ChatID    int       `json:"chat_id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReplyToID *int      `json:"reply_to_id"`
}

// Snapshot converts a stored message into its cached form.
func (m Message) Snapshot() CachedMessage {
	return CachedMessage{
		ID:     m.ID,
		ChatID: m.ChatID,
		Sender: Sender{
			ID:       m.SenderID,
			Username: m.SenderUsername,
			Avatar:   m.SenderAvatar,
		},
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		ReplyToID: m.ReplyToID,
	}
}

// MessageDeleted is the body of a deletion notice.
type MessageDeleted struct {
	MessageID int       `json:"message_id"`
	ChatID    int       `json:"chat_id"`
	DeletedAt time.Time `json:"deleted_at"`
}
