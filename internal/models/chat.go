package models

import "time"

// User is an opaque participant reference. This service never mutates users.
type User struct {
	ID        string  `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	AvatarURL *string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// LastMessage is the snapshot of the newest message kept on a conversation for list rendering.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation represents a private conversation between exactly two users.
type Conversation struct {
	ID           string       `db:"id" json:"id"`
	User1ID      string       `db:"user1_id" json:"user1_id"`
	User2ID      string       `db:"user2_id" json:"user2_id"`
	LastMessage  *LastMessage `db:"-" json:"last_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	LastActivity time.Time    `db:"last_activity" json:"-"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary is a conversation as seen by one viewer.
type ConversationSummary struct {
	Conversation
	OtherUserID string `json:"other_user_id"`
	UnreadCount int    `json:"unread_count"`
}
