// Package inbox maintains a user's conversation list: entries ordered by last message, each with
// its last-message preview and unread badge.
package inbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/feed"
	"inbox-service/internal/logger"
	"inbox-service/internal/models"
)

// Store lists a user's conversations.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

type Feed interface {
	Subscribe(ctx context.Context, topic models.Topic, handler feed.Handler, opts ...feed.SubscribeOption) (*feed.Subscription, error)
}

// Counters is the part of the unread engine the list proposes changes through.
type Counters interface {
	Refresh(userID string, perConversation map[string]int)
	ApplyDelta(userID, conversationID string, delta int)
	PerConversation(userID, conversationID string) int
}

type Config struct {
	UserID   string
	Store    Store
	Feed     Feed
	Counters Counters
	Logger   *zap.Logger
	// OnChange receives the list after every change.
	OnChange func([]models.ConversationSummary)
}

// Inbox is the conversation list view-model. Unread badges are read from the counters; the list
// itself only holds previews and ordering.
//
// Counter proposals are made while mu is held, so counter change callbacks may read the list
// (it is published through view) but must not call Reload synchronously.
type Inbox struct {
	cfg Config
	log *zap.Logger

	view atomic.Pointer[[]models.ConversationSummary]

	mu      sync.Mutex
	open    bool
	entries map[string]models.ConversationSummary
	// watermark is the created_at of the newest message counted per conversation.
	watermark map[string]time.Time
	reloading bool
	replay    []models.Message
	sub       *feed.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	reloadMu sync.Mutex
}

func New(cfg Config) *Inbox {
	return &Inbox{
		cfg: cfg,
		log: logger.ForUser(logger.OrNop(cfg.Logger), cfg.UserID),
	}
}

// Open subscribes to the user's conversation topic and loads the list.
func (in *Inbox) Open(ctx context.Context) error {
	in.mu.Lock()
	if in.open {
		in.mu.Unlock()
		return nil
	}
	in.open = true
	in.entries = make(map[string]models.ConversationSummary)
	in.watermark = make(map[string]time.Time)
	in.ctx, in.cancel = context.WithCancel(context.Background())
	in.mu.Unlock()

	sub, err := in.cfg.Feed.Subscribe(ctx, models.UserConversationsTopic(in.cfg.UserID), in.onEvent,
		feed.WithResync(func(reason feed.ResyncReason) {
			in.log.Debug("conversation list resync", zap.String("reason", string(reason)))
			in.ReloadAsync()
		}))
	if err != nil {
		in.Close()
		return err
	}
	in.mu.Lock()
	in.sub = sub
	in.mu.Unlock()

	if err := in.Reload(ctx); err != nil {
		in.Close()
		return err
	}
	return nil
}

// Reload fetches the list and installs its unread counts as the authoritative per-conversation
// values. Message events received while the fetch was in flight are re-applied on top of it.
func (in *Inbox) Reload(ctx context.Context) error {
	in.reloadMu.Lock()
	defer in.reloadMu.Unlock()

	in.mu.Lock()
	if !in.open {
		in.mu.Unlock()
		return apperr.ErrClosed
	}
	in.reloading = true
	in.replay = nil
	in.mu.Unlock()

	list, err := in.cfg.Store.ListConversations(ctx, in.cfg.UserID)

	in.mu.Lock()
	replay := in.replay
	in.reloading = false
	in.replay = nil
	if err != nil || !in.open {
		in.mu.Unlock()
		if err == nil {
			err = apperr.ErrClosed
		}
		return err
	}

	in.entries = lo.KeyBy(list, func(c models.ConversationSummary) string { return c.ID })
	in.watermark = make(map[string]time.Time, len(list))
	for _, c := range list {
		if c.LastMessage != nil {
			in.watermark[c.ID] = c.LastMessage.CreatedAt
		}
	}
	in.cfg.Counters.Refresh(in.cfg.UserID, lo.SliceToMap(list, func(c models.ConversationSummary) (string, int) {
		return c.ID, c.UnreadCount
	}))
	var unknown bool
	for _, m := range replay {
		if in.applyMessageLocked(m) {
			unknown = true
		}
	}
	in.publishLocked()
	in.mu.Unlock()

	in.log.Debug("conversation list loaded", zap.Int("conversations", len(list)), zap.Int("replayed", len(replay)))
	in.notify()
	if unknown {
		in.ReloadAsync()
	}
	return nil
}

// ReloadAsync reloads in the background. Failures are logged; the poller keeps the aggregate honest
// until the next successful load.
func (in *Inbox) ReloadAsync() {
	in.mu.Lock()
	if !in.open {
		in.mu.Unlock()
		return
	}
	ctx := in.ctx
	in.wg.Add(1)
	in.mu.Unlock()

	go func() {
		defer in.wg.Done()
		if err := in.Reload(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, apperr.ErrClosed) {
			in.log.Warn("conversation list reload failed", zap.Error(err))
		}
	}()
}

// Conversations returns the list ordered by last message, newest first. Conversations without
// messages come last. UnreadCount is the current badge.
func (in *Inbox) Conversations() []models.ConversationSummary {
	view := in.view.Load()
	if view == nil {
		return nil
	}
	list := append([]models.ConversationSummary(nil), (*view)...)
	for i := range list {
		list[i].UnreadCount = in.cfg.Counters.PerConversation(in.cfg.UserID, list[i].ID)
	}
	sort.Slice(list, func(i, j int) bool { return newer(list[i], list[j]) })
	return list
}

// Close unsubscribes, waits for background reloads and drops the list.
func (in *Inbox) Close() {
	in.mu.Lock()
	if !in.open {
		in.mu.Unlock()
		return
	}
	in.open = false
	sub := in.sub
	in.sub = nil
	cancel := in.cancel
	in.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	in.wg.Wait()

	in.mu.Lock()
	in.entries = nil
	in.watermark = nil
	in.view.Store(nil)
	in.mu.Unlock()
}

func (in *Inbox) onEvent(ev models.ChangeEvent) {
	switch ev.Type {
	case models.EventConversationTouched, models.EventNewMessage:
	default:
		return
	}
	if ev.Message == nil {
		// Reads and other changes without a delta: fetch the list again.
		in.ReloadAsync()
		return
	}

	in.mu.Lock()
	if !in.open {
		in.mu.Unlock()
		return
	}
	if in.reloading {
		in.replay = append(in.replay, *ev.Message)
	}
	unknown := in.applyMessageLocked(*ev.Message)
	in.publishLocked()
	in.mu.Unlock()

	if unknown {
		in.ReloadAsync()
		return
	}
	in.notify()
}

// applyMessageLocked counts m if it is newer than anything seen for its conversation. It reports
// whether the conversation is missing from the list.
func (in *Inbox) applyMessageLocked(m models.Message) (unknown bool) {
	entry, ok := in.entries[m.ConversationID]
	if !ok {
		return true
	}
	if !m.CreatedAt.After(in.watermark[m.ConversationID]) {
		return false
	}
	in.watermark[m.ConversationID] = m.CreatedAt
	entry.LastMessage = &models.LastMessage{Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
	in.entries[m.ConversationID] = entry
	if m.SenderID != in.cfg.UserID {
		in.cfg.Counters.ApplyDelta(in.cfg.UserID, m.ConversationID, 1)
	}
	return false
}

func (in *Inbox) publishLocked() {
	list := lo.Values(in.entries)
	in.view.Store(&list)
}

func (in *Inbox) notify() {
	if in.cfg.OnChange != nil {
		in.cfg.OnChange(in.Conversations())
	}
}

func newer(a, b models.ConversationSummary) bool {
	switch {
	case a.LastMessage != nil && b.LastMessage != nil:
		if !a.LastMessage.CreatedAt.Equal(b.LastMessage.CreatedAt) {
			return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
		}
	case a.LastMessage != nil:
		return true
	case b.LastMessage != nil:
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
