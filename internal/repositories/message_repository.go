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

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

var ErrMessageNotFound = fmt.Errorf("message %w", apperr.ErrNotFound)

// MaxPageSize bounds a single ListMessages page.
const MaxPageSize = 200

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, cursor models.Cursor) (models.MessagePage, error)
	MarkRead(ctx context.Context, conversationID, viewerID string) (int, time.Time, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, created_at, read_at`

// AppendMessage stores a message and bumps the conversation's activity.
// The conversation row is locked so that created_at is non-decreasing within a conversation.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, models.Conversation, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, models.Conversation{}, apperr.Validation("message text is empty")
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return models.Message{}, models.Conversation{}, ErrConversationNotFound
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	defer tx.Rollback()

	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, models.Conversation{}, apperr.ErrNotParticipant
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	var msg models.Message
	if err := tx.GetContext(ctx, &msg, `INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
        VALUES ($1, $2, $3, $4, clock_timestamp())
        RETURNING `+messageColumns, id.String(), conversationID, senderID, content); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_activity=$2 WHERE id=$1`, conversationID, msg.CreatedAt); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	msg.CreatedAt = msg.CreatedAt.UTC()
	conv.LastActivity = msg.CreatedAt
	conv.LastMessage = &models.LastMessage{Content: msg.Content, SenderID: msg.SenderID, CreatedAt: msg.CreatedAt}
	return msg, conv, nil
}

// ListMessages returns messages in ascending (created_at, id) order. An empty cursor returns the
// full history; otherwise the page starts strictly after cursor.After.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, cursor models.Cursor) (models.MessagePage, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return models.MessagePage{}, ErrConversationNotFound
	}

	args := []any{conversationID}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=$1`
	if cursor.After != "" {
		if _, err := uuid.Parse(cursor.After); err != nil {
			return models.MessagePage{}, apperr.Validation("malformed cursor")
		}
		args = append(args, cursor.After)
		query += ` AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id=$2)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	limit := cursor.Limit
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit+1)
	}

	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return models.MessagePage{}, err
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
		msgs[i].ReadAt = utcPtr(msgs[i].ReadAt)
	}
	return buildPage(msgs, limit), nil
}

func buildPage(msgs []models.Message, limit int) models.MessagePage {
	page := models.MessagePage{Messages: msgs}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if limit > 0 && len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 {
		page.NextCursor = page.Messages[n-1].ID
	}
	return page
}

// MarkRead stamps read_at on every unread message of the other participant and returns how many
// rows transitioned and the latest stamp. Already-read rows are never touched, so read_at is set
// at most once. The stamp comes from the same clock as message created_at.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, viewerID string) (int, time.Time, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return 0, time.Time{}, ErrConversationNotFound
	}
	var row struct {
		Count  int        `db:"count"`
		ReadAt *time.Time `db:"read_at"`
	}
	err := r.db.GetContext(ctx, &row, `WITH marked AS (
            UPDATE messages SET read_at = clock_timestamp()
            WHERE conversation_id=$1 AND sender_id<>$2 AND read_at IS NULL
            RETURNING read_at
        )
        SELECT COUNT(*) AS count, MAX(read_at) AS read_at FROM marked`, conversationID, viewerID)
	if err != nil {
		return 0, time.Time{}, err
	}
	if row.ReadAt == nil {
		return row.Count, time.Time{}, nil
	}
	return row.Count, row.ReadAt.UTC(), nil
}

// CountUnread returns the viewer's aggregate unread count across all conversations.
func (r *MessageRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE (c.user1_id=$1 OR c.user2_id=$1) AND m.sender_id<>$1 AND m.read_at IS NULL`, userID)
	return count, err
}
