// Package keys names every Redis key and pub/sub channel used by the service.
package keys

import "strconv"

const (
	// OnlineUsers is the set of user ids with at least one live connection.
	OnlineUsers = "online_users"

	// StatusChannel carries {user_id, status} presence changes.
	StatusChannel = "user_status_changes"

	ChatMessagesPattern    = "chat_message:*"
	DeletedMessagesPattern = "message_deleted:*"
)

func ChatMessages(chatID int) string {
	return "chat:" + strconv.Itoa(chatID) + ":messages"
}

func ChatSeenMessages(chatID int) string {
	return ChatMessages(chatID) + ":unique"
}

func ChatDeletedMessages(chatID int) string {
	return ChatMessages(chatID) + ":deleted"
}

func ChatConnections(chatID int) string {
	return "chat:" + strconv.Itoa(chatID) + ":connections"
}

func UserConnections(userID int) string {
	return "user:" + strconv.Itoa(userID) + ":connections"
}

func UserLastSeen(userID int) string {
	return "user:" + strconv.Itoa(userID) + ":last_seen"
}

func UserActiveChats(userID int) string {
	return "user:" + strconv.Itoa(userID) + ":active_chats"
}

// ChatMessageChannel is the channel new messages for a chat are published on.
func ChatMessageChannel(chatID int) string {
	return "chat_message:" + strconv.Itoa(chatID)
}

// DeletedMessageChannel is the channel deletions for a chat are published on.
func DeletedMessageChannel(chatID int) string {
	return "message_deleted:" + strconv.Itoa(chatID)
}
