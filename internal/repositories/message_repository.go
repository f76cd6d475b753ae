package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, chatID int, senderID int, content string, replyToID *int) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int, requesterID int) (bool, error)
	RecentMessages(ctx context.Context, chatID int, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.reply_to_id, m.created_at,
        u.username AS sender_username, u.avatar AS sender_avatar`

// CreateMessage stores a message, bumps the chat's last_message_at and
// returns the row joined with the sender's profile.
func (r *MessageRepo) CreateMessage(ctx context.Context, chatID int, senderID int, content string, replyToID *int) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int
	if err = tx.QueryRowxContext(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, reply_to_id) VALUES ($1, $2, $3, $4) RETURNING id`,
		chatID, senderID, content, replyToID,
	).Scan(&id); err != nil {
		return models.Message{}, err
	}

	if err = tx.GetContext(ctx, &msg, `SELECT `+messageColumns+`
        FROM messages m JOIN users u ON u.id = m.sender_id
        WHERE m.id=$1`, id); err != nil {
		return models.Message{}, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE chats SET last_message_at=$1 WHERE id=$2`, msg.CreatedAt, chatID); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetMessage retrieves a single message with its sender.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+`
        FROM messages m JOIN users u ON u.id = m.sender_id
        WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage removes a message when requesterID is its sender. It reports
// whether a row was deleted.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int, requesterID int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1 AND sender_id=$2`, messageID, requesterID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecentMessages returns the newest limit messages of a chat, oldest first.
func (r *MessageRepo) RecentMessages(ctx context.Context, chatID int, limit int) ([]models.Message, error) {
	query := `SELECT * FROM (
        SELECT ` + messageColumns + `
        FROM messages m JOIN users u ON u.id = m.sender_id
        WHERE m.chat_id=$1
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $2
    ) recent ORDER BY created_at ASC, id ASC`
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, chatID, limit)
	return msgs, err
}
