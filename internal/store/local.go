package store

import (
	"context"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
	"inbox-service/internal/repositories"
)

// Local serves the accessor contract straight from repositories, in process. It applies the
// same participant checks as the REST handlers but publishes no change events.
type Local struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	notifications repositories.NotificationRepository
}

var _ Accessor = (*Local)(nil)

func NewLocal(conversations repositories.ConversationRepository, messages repositories.MessageRepository, notifications repositories.NotificationRepository) *Local {
	return &Local{conversations: conversations, messages: messages, notifications: notifications}
}

// NewMemory returns a Local over a fresh in-memory store.
func NewMemory() (*Local, *repositories.MemoryRepo) {
	repo := repositories.NewMemoryRepo()
	return NewLocal(repo, repo, repo.Notifications()), repo
}

func (l *Local) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	return l.conversations.ListConversations(ctx, userID)
}

func (l *Local) GetOrCreateConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	return l.conversations.GetOrCreateConversation(ctx, userID, otherID)
}

func (l *Local) ListMessages(ctx context.Context, userID, conversationID string, cursor models.Cursor) (models.MessagePage, error) {
	if err := l.checkParticipant(ctx, conversationID, userID); err != nil {
		return models.MessagePage{}, err
	}
	return l.messages.ListMessages(ctx, conversationID, cursor)
}

func (l *Local) AppendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	if err := ValidateText(text); err != nil {
		return models.Message{}, err
	}
	msg, _, err := l.messages.AppendMessage(ctx, conversationID, senderID, text)
	return msg, err
}

func (l *Local) MarkRead(ctx context.Context, conversationID, viewerID string) (int, error) {
	if err := l.checkParticipant(ctx, conversationID, viewerID); err != nil {
		return 0, err
	}
	n, _, err := l.messages.MarkRead(ctx, conversationID, viewerID)
	return n, err
}

func (l *Local) UnreadAggregate(ctx context.Context, userID string) (int, error) {
	return l.messages.CountUnread(ctx, userID)
}

func (l *Local) ListNotifications(ctx context.Context, userID string, limit int) (models.NotificationPage, error) {
	return l.notifications.ListPage(ctx, userID, limit)
}

func (l *Local) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	return l.notifications.UnreadCount(ctx, userID)
}

func (l *Local) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	return l.notifications.MarkRead(ctx, notificationID, userID)
}

func (l *Local) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	return l.notifications.MarkAllRead(ctx, userID)
}

func (l *Local) DeleteNotification(ctx context.Context, userID, notificationID string) (bool, error) {
	return l.notifications.Delete(ctx, notificationID, userID)
}

func (l *Local) DeleteReadNotifications(ctx context.Context, userID string) (int, error) {
	return l.notifications.DeleteRead(ctx, userID)
}

func (l *Local) checkParticipant(ctx context.Context, conversationID, userID string) error {
	conv, err := l.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return apperr.ErrNotParticipant
	}
	return nil
}
