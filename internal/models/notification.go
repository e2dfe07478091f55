package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotificationNewMessage       NotificationType = "new_message"
	NotificationNewProposal      NotificationType = "proposal_received"
	NotificationProposalAccepted NotificationType = "proposal_accepted"
	NotificationProposalRejected NotificationType = "proposal_rejected"
	NotificationNewProject       NotificationType = "new_project"
)

// Valid reports whether t belongs to the closed set.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationNewMessage, NotificationNewProposal, NotificationProposalAccepted,
		NotificationProposalRejected, NotificationNewProject:
		return true
	}
	return false
}

// Notification is an in-app notification owned by one user.
// Data is an opaque JSON object carrying the ids needed to route the notification.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Body      string           `db:"body" json:"body"`
	Data      types.JSONText   `db:"data" json:"data,omitempty"`
	IsRead    bool             `db:"is_read" json:"is_read"`
	ReadAt    *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// NotificationPayload lists the payload fields understood by target resolution.
type NotificationPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	ProposalID     string `json:"proposal_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	ProjectTitle   string `json:"project_title,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// NotificationPage is a most-recent-first slice of a user's notifications together with
// the unread count taken from the same snapshot.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
	AsOf          time.Time      `json:"as_of"`
}

// NavigationTarget names the screen a notification opens.
type NavigationTarget struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

const (
	TargetConversation = "conversation"
	TargetProposal     = "proposal"
	TargetProject      = "project"
)
