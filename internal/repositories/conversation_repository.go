package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

var ErrConversationNotFound = fmt.Errorf("conversation %w", apperr.ErrNotFound)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	GetOrCreateConversation(ctx context.Context, userID, otherID string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, user1_id, user2_id, created_at, last_activity`

// GetOrCreateConversation returns the conversation between two users, creating it on first use.
// Participants are stored in canonical order so each pair maps to one row.
func (r *ConversationRepo) GetOrCreateConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	if userID == "" || otherID == "" {
		return models.Conversation{}, apperr.Validation("participant ids are required")
	}
	if userID == otherID {
		return models.Conversation{}, apperr.Validation("cannot start a conversation with self")
	}
	user1, user2 := canonicalPair(userID, otherID)

	id, err := uuid.NewV7()
	if err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	err = r.db.GetContext(ctx, &conv, `INSERT INTO conversations (id, user1_id, user2_id) VALUES ($1, $2, $3)
        ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
        RETURNING `+conversationColumns, id.String(), user1, user2)
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return models.Conversation{}, ErrConversationNotFound
	}
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return false, nil
	}
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, conversationID, userID)
	return exists, err
}

type conversationRow struct {
	models.Conversation
	LastContent   sql.NullString `db:"lm_content"`
	LastSenderID  sql.NullString `db:"lm_sender_id"`
	LastCreatedAt sql.NullTime   `db:"lm_created_at"`
	UnreadCount   int            `db:"unread_count"`
}

// ListConversations returns the user's conversations, newest last message first, each with the
// last message snapshot and the viewer's unread count.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.user1_id, c.user2_id, c.created_at, c.last_activity,
            lm.content AS lm_content, lm.sender_id AS lm_sender_id, lm.created_at AS lm_created_at,
            COALESCE(u.unread, 0) AS unread_count
        FROM conversations c
        LEFT JOIN LATERAL (
            SELECT content, sender_id, created_at FROM messages m
            WHERE m.conversation_id = c.id
            ORDER BY m.created_at DESC, m.id DESC LIMIT 1
        ) lm ON TRUE
        LEFT JOIN LATERAL (
            SELECT COUNT(*) AS unread FROM messages m
            WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.read_at IS NULL
        ) u ON TRUE
        WHERE c.user1_id = $1 OR c.user2_id = $1
        ORDER BY lm.created_at DESC NULLS LAST, c.created_at DESC`

	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	result := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		conv := row.Conversation
		if row.LastCreatedAt.Valid {
			conv.LastMessage = &models.LastMessage{
				Content:   row.LastContent.String,
				SenderID:  row.LastSenderID.String,
				CreatedAt: row.LastCreatedAt.Time.UTC(),
			}
		}
		result = append(result, models.ConversationSummary{
			Conversation: conv,
			OtherUserID:  conv.Other(userID),
			UnreadCount:  row.UnreadCount,
		})
	}
	return result, nil
}

func canonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
