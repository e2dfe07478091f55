package models

import (
	"strings"
	"time"
)

// Message represents a chat message.
// IDs are time-ordered (uuid v7) so that (CreatedAt, ID) is a total order.
type Message struct {
	ID             string     `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	SenderID       string     `db:"sender_id" json:"sender_id"`
	Content        string     `db:"content" json:"content"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ReadAt         *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// IsUnreadFor reports whether the message counts as unread for viewerID.
// A sender's own messages are never unread to the sender.
func (m Message) IsUnreadFor(viewerID string) bool {
	return m.SenderID != viewerID && m.ReadAt == nil
}

// Before orders messages by created_at ascending, ties broken by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return strings.Compare(m.ID, other.ID) < 0
}

// Cursor selects a page of messages. The zero value selects the full history.
type Cursor struct {
	After string `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// MessagePage is one page of a conversation's history in ascending order.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}
