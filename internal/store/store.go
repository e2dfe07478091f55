// Package store is the client-side accessor for the message and notification store. The store is
// the system of record; feed events only hint that something changed.
package store

import (
	"context"

	"inbox-service/internal/models"
)

// Messages is the request/response surface for conversations and messages.
type Messages interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetOrCreateConversation(ctx context.Context, userID, otherID string) (models.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string, cursor models.Cursor) (models.MessagePage, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error)
	MarkRead(ctx context.Context, conversationID, viewerID string) (int, error)
	UnreadAggregate(ctx context.Context, userID string) (int, error)
}

// Notifications is the request/response surface for a user's notifications.
type Notifications interface {
	ListNotifications(ctx context.Context, userID string, limit int) (models.NotificationPage, error)
	UnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, notificationID string) (bool, error)
	DeleteReadNotifications(ctx context.Context, userID string) (int, error)
}

// Accessor is both surfaces.
type Accessor interface {
	Messages
	Notifications
}

// ListAllMessages walks every page of a conversation's history.
func ListAllMessages(ctx context.Context, m Messages, userID, conversationID string, pageSize int) ([]models.Message, error) {
	var all []models.Message
	cursor := models.Cursor{Limit: pageSize}
	for {
		page, err := m.ListMessages(ctx, userID, conversationID, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Messages...)
		if !page.HasMore || page.NextCursor == "" || len(page.Messages) == 0 {
			return all, nil
		}
		cursor.After = page.NextCursor
	}
}
