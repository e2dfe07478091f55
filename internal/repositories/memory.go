package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inbox-service/internal/apperr"
	"inbox-service/internal/models"
)

// MemoryRepo implements the conversation and message repositories in process memory, and hands
// out a notification repository sharing its state. It backs the server's STORE_DRIVER=memory mode
// and the client-side tests.
type MemoryRepo struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	pairs         map[[2]string]string
	messages      map[string][]models.Message
	notifications map[string]models.Notification
	last          time.Time
}

var (
	_ ConversationRepository = (*MemoryRepo)(nil)
	_ MessageRepository      = (*MemoryRepo)(nil)
	_ NotificationRepository = (*MemoryNotificationRepo)(nil)
)

// NewMemoryRepo creates an empty store.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string][]models.Message),
		notifications: make(map[string]models.Notification),
	}
}

// nowLocked returns a strictly increasing UTC timestamp at the store's microsecond precision.
func (r *MemoryRepo) nowLocked() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(r.last) {
		now = r.last.Add(time.Microsecond)
	}
	r.last = now
	return now
}

func (r *MemoryRepo) GetOrCreateConversation(_ context.Context, userID, otherID string) (models.Conversation, error) {
	if userID == "" || otherID == "" {
		return models.Conversation{}, apperr.Validation("participant ids are required")
	}
	if userID == otherID {
		return models.Conversation{}, apperr.Validation("cannot start a conversation with self")
	}
	user1, user2 := canonicalPair(userID, otherID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.pairs[[2]string{user1, user2}]; ok {
		return r.conversations[id], nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Conversation{}, err
	}
	now := r.nowLocked()
	conv := models.Conversation{ID: id.String(), User1ID: user1, User2ID: user2, CreatedAt: now, LastActivity: now}
	r.conversations[conv.ID] = conv
	r.pairs[[2]string{user1, user2}] = conv.ID
	return conv, nil
}

func (r *MemoryRepo) GetConversation(_ context.Context, conversationID string) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return r.withLastMessageLocked(conv), nil
}

func (r *MemoryRepo) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	return ok && conv.HasParticipant(userID), nil
}

func (r *MemoryRepo) withLastMessageLocked(conv models.Conversation) models.Conversation {
	if msgs := r.messages[conv.ID]; len(msgs) > 0 {
		m := msgs[len(msgs)-1]
		conv.LastMessage = &models.LastMessage{Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
	}
	return conv
}

func (r *MemoryRepo) ListConversations(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := []models.ConversationSummary{}
	for _, conv := range r.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		unread := 0
		for _, m := range r.messages[conv.ID] {
			if m.IsUnreadFor(userID) {
				unread++
			}
		}
		result = append(result, models.ConversationSummary{
			Conversation: r.withLastMessageLocked(conv),
			OtherUserID:  conv.Other(userID),
			UnreadCount:  unread,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].LastMessage, result[j].LastMessage
		switch {
		case a != nil && b != nil:
			return a.CreatedAt.After(b.CreatedAt)
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepo) AppendMessage(_ context.Context, conversationID, senderID, content string) (models.Message, models.Conversation, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, models.Conversation{}, apperr.Validation("message text is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return models.Message{}, models.Conversation{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, models.Conversation{}, apperr.ErrNotParticipant
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	msg := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      r.nowLocked(),
	}
	r.messages[conversationID] = append(r.messages[conversationID], msg)
	conv.LastActivity = msg.CreatedAt
	r.conversations[conversationID] = conv
	return msg, r.withLastMessageLocked(conv), nil
}

func (r *MemoryRepo) ListMessages(_ context.Context, conversationID string, cursor models.Cursor) (models.MessagePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return models.MessagePage{}, ErrConversationNotFound
	}

	all := r.messages[conversationID]
	start := 0
	if cursor.After != "" {
		start = len(all)
		for i, m := range all {
			if m.ID == cursor.After {
				start = i + 1
				break
			}
		}
	}
	limit := cursor.Limit
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	end := len(all)
	if limit > 0 && start+limit+1 < end {
		end = start + limit + 1
	}
	out := make([]models.Message, end-start)
	copy(out, all[start:end])
	for i := range out {
		out[i].ReadAt = copyTime(out[i].ReadAt)
	}
	return buildPage(out, limit), nil
}

func (r *MemoryRepo) MarkRead(_ context.Context, conversationID, viewerID string) (int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowLocked()
	count := 0
	msgs := r.messages[conversationID]
	for i := range msgs {
		if msgs[i].IsUnreadFor(viewerID) {
			readAt := now
			msgs[i].ReadAt = &readAt
			count++
		}
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}
	return count, now, nil
}

func (r *MemoryRepo) CountUnread(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, conv := range r.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		for _, m := range r.messages[id] {
			if m.IsUnreadFor(userID) {
				count++
			}
		}
	}
	return count, nil
}

// MemoryNotificationRepo is the notification side of a MemoryRepo.
type MemoryNotificationRepo struct {
	r *MemoryRepo
}

// Notifications returns the notification repository backed by the same store.
func (r *MemoryRepo) Notifications() *MemoryNotificationRepo {
	return &MemoryNotificationRepo{r: r}
}

func (nr *MemoryNotificationRepo) Create(_ context.Context, n models.Notification) (models.Notification, error) {
	if err := validateNotification(&n); err != nil {
		return models.Notification{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Notification{}, err
	}

	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	n.ID = id.String()
	n.IsRead = false
	n.ReadAt = nil
	n.CreatedAt = nr.r.nowLocked()
	nr.r.notifications[n.ID] = n
	return n, nil
}

func (nr *MemoryNotificationRepo) ListPage(_ context.Context, userID string, limit int) (models.NotificationPage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()

	page := models.NotificationPage{Notifications: []models.Notification{}, AsOf: nr.r.nowLocked()}
	for _, n := range nr.r.notifications {
		if n.UserID != userID {
			continue
		}
		page.Notifications = append(page.Notifications, n)
		if !n.IsRead {
			page.UnreadCount++
		}
	}
	sort.Slice(page.Notifications, func(i, j int) bool {
		a, b := page.Notifications[i], page.Notifications[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if len(page.Notifications) > limit {
		page.Notifications = page.Notifications[:limit]
	}
	return page, nil
}

func (nr *MemoryNotificationRepo) UnreadCount(_ context.Context, userID string) (int, error) {
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	count := 0
	for _, n := range nr.r.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (nr *MemoryNotificationRepo) MarkRead(_ context.Context, notificationID, userID string) (bool, error) {
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	n, ok := nr.r.notifications[notificationID]
	if !ok || n.UserID != userID {
		return false, ErrNotificationNotFound
	}
	if n.IsRead {
		return false, nil
	}
	readAt := nr.r.nowLocked()
	n.IsRead = true
	n.ReadAt = &readAt
	nr.r.notifications[notificationID] = n
	return true, nil
}

func (nr *MemoryNotificationRepo) MarkAllRead(_ context.Context, userID string) (int, error) {
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	readAt := nr.r.nowLocked()
	count := 0
	for id, n := range nr.r.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		at := readAt
		n.IsRead = true
		n.ReadAt = &at
		nr.r.notifications[id] = n
		count++
	}
	return count, nil
}

func (nr *MemoryNotificationRepo) Delete(_ context.Context, notificationID, userID string) (bool, error) {
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	n, ok := nr.r.notifications[notificationID]
	if !ok || n.UserID != userID {
		return false, ErrNotificationNotFound
	}
	delete(nr.r.notifications, notificationID)
	return !n.IsRead, nil
}

func (nr *MemoryNotificationRepo) DeleteRead(_ context.Context, userID string) (int, error) {
	nr.r.mu.Lock()
	defer nr.r.mu.Unlock()
	count := 0
	for id, n := range nr.r.notifications {
		if n.UserID == userID && n.IsRead {
			delete(nr.r.notifications, id)
			count++
		}
	}
	return count, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
