package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

var ErrNotificationNotFound = fmt.Errorf("notification %w", apperr.ErrNotFound)

// NotificationRepository persists in-app notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n models.Notification) (models.Notification, error)
	ListPage(ctx context.Context, userID string, limit int) (models.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, notificationID, userID string) (bool, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, notificationID, userID string) (bool, error)
	DeleteRead(ctx context.Context, userID string) (int, error)
}

// NotificationRepo is a sqlx-backed NotificationRepository.
type NotificationRepo struct {
	db *sqlx.DB
}

// NewNotificationRepo constructs NotificationRepo.
func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

const notificationColumns = `id, user_id, type, title, body, data, is_read, read_at, created_at`

// Create stores a new unread notification.
func (r *NotificationRepo) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	if err := validateNotification(&n); err != nil {
		return models.Notification{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Notification{}, err
	}

	var created models.Notification
	err = r.db.GetContext(ctx, &created, `INSERT INTO notifications (id, user_id, type, title, body, data)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+notificationColumns,
		id.String(), n.UserID, n.Type, n.Title, n.Body, n.Data)
	created.CreatedAt = created.CreatedAt.UTC()
	return created, err
}

func validateNotification(n *models.Notification) error {
	if n.UserID == "" {
		return apperr.Validation("notification owner is required")
	}
	if !n.Type.Valid() {
		return apperr.Validation("unknown notification type " + string(n.Type))
	}
	if strings.TrimSpace(n.Title) == "" {
		return apperr.Validation("notification title is empty")
	}
	if len(n.Data) == 0 {
		n.Data = types.JSONText(`{}`)
	}
	return nil
}

// ListPage returns the newest notifications and the unread count from a single snapshot.
func (r *NotificationRepo) ListPage(ctx context.Context, userID string, limit int) (models.NotificationPage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.NotificationPage{}, err
	}
	defer tx.Rollback()

	page := models.NotificationPage{Notifications: []models.Notification{}}
	if err := tx.GetContext(ctx, &page.AsOf, `SELECT NOW()`); err != nil {
		return models.NotificationPage{}, err
	}
	if err := tx.SelectContext(ctx, &page.Notifications, `SELECT `+notificationColumns+` FROM notifications
        WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit); err != nil {
		return models.NotificationPage{}, err
	}
	if err := tx.GetContext(ctx, &page.UnreadCount, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=FALSE`, userID); err != nil {
		return models.NotificationPage{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.NotificationPage{}, err
	}

	page.AsOf = page.AsOf.UTC()
	for i := range page.Notifications {
		page.Notifications[i].CreatedAt = page.Notifications[i].CreatedAt.UTC()
		page.Notifications[i].ReadAt = utcPtr(page.Notifications[i].ReadAt)
	}
	return page, nil
}

// UnreadCount returns how many of the user's notifications are unread.
func (r *NotificationRepo) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=FALSE`, userID)
	return count, err
}

// MarkRead marks one notification read. It reports false when it was already read.
func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID, userID string) (bool, error) {
	if _, err := uuid.Parse(notificationID); err != nil {
		return false, ErrNotificationNotFound
	}
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE, read_at=$3
        WHERE id=$1 AND user_id=$2 AND is_read=FALSE`, notificationID, userID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id=$1 AND user_id=$2)`, notificationID, userID); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotificationNotFound
	}
	return false, nil
}

// MarkAllRead marks every unread notification of the user read and returns how many transitioned.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE, read_at=$2
        WHERE user_id=$1 AND is_read=FALSE`, userID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// Delete removes a notification and reports whether it was unread.
func (r *NotificationRepo) Delete(ctx context.Context, notificationID, userID string) (bool, error) {
	if _, err := uuid.Parse(notificationID); err != nil {
		return false, ErrNotificationNotFound
	}
	var isRead bool
	err := r.db.GetContext(ctx, &isRead, `DELETE FROM notifications WHERE id=$1 AND user_id=$2 RETURNING is_read`, notificationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotificationNotFound
	}
	if err != nil {
		return false, err
	}
	return !isRead, nil
}

// DeleteRead removes all read notifications of the user.
func (r *NotificationRepo) DeleteRead(ctx context.Context, userID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id=$1 AND is_read=TRUE`, userID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}
