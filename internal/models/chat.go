package models

import "time"

// Chat is a private or group conversation.
type Chat struct {
	ID            int        `db:"id" json:"id"`
	Name          *string    `db:"name" json:"name,omitempty"`
	IsGroup       bool       `db:"is_group" json:"is_group"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
}

// User is the public profile shown next to messages and in search results.
type User struct {
	ID       int     `db:"id" json:"id"`
	Username string  `db:"username" json:"username"`
	Avatar   *string `db:"avatar" json:"avatar"`
}
