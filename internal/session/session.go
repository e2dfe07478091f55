// Package session holds the live state of one open conversation.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/feed"
	"inbox-service/internal/logger"
	"inbox-service/internal/models"
	"inbox-service/internal/store"
)

// State is the session lifecycle: Closed, then Loading, then Live, then Closed again.
type State int

const (
	Closed State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Live:
		return "live"
	}
	return "closed"
}

// ErrAlreadyOpen is returned by Open on a session that is not closed.
var ErrAlreadyOpen = errors.New("session already open")

// Feed is the subscription side of the change feed.
type Feed interface {
	Subscribe(ctx context.Context, topic models.Topic, handler feed.Handler, opts ...feed.SubscribeOption) (*feed.Subscription, error)
}

// Counters receives the unread decrements produced by read-marking.
type Counters interface {
	Generation(userID string) uint64
	ApplyDeltaAt(userID, conversationID string, delta int, generation uint64) bool
}

// Config wires a session.
type Config struct {
	UserID         string
	ConversationID string
	Store          store.Messages
	Feed           Feed
	Counters       Counters
	PageSize       int
	Logger         *zap.Logger
	// OnStale runs when a read decrement could not be applied because the conversation list
	// was refreshed concurrently.
	OnStale func()
	// OnChange receives the ordered message list after every change.
	OnChange func([]models.Message)
}

// Session is the view-model of one open conversation. Messages are kept sorted by created_at
// with ties broken by id, and each id appears at most once.
type Session struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	state    State
	messages []models.Message
	ids      map[string]int
	buffered []models.Message
	sub      *feed.Subscription
	ctx      context.Context
	cancel   context.CancelFunc

	// marks serializes read-marking so that transitioned counts are applied one at a time.
	marks sync.Mutex
}

// New creates a closed session.
func New(cfg Config) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Session{
		cfg: cfg,
		log: logger.ForUser(logger.OrNop(cfg.Logger), cfg.UserID).With(zap.String("conversation_id", cfg.ConversationID)),
	}
}

// ConversationID returns the conversation this session shows.
func (s *Session) ConversationID() string { return s.cfg.ConversationID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the ordered message list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Open subscribes to the conversation topic, loads the history, goes Live and marks the
// conversation read. Events that arrive while loading are merged once the history is in.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Closed {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = Loading
	s.messages = nil
	s.ids = make(map[string]int)
	s.buffered = nil
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	sub, err := s.cfg.Feed.Subscribe(ctx, models.ConversationTopic(s.cfg.ConversationID), s.onEvent, feed.WithResync(s.onResync))
	if err != nil {
		s.abort()
		return err
	}
	s.mu.Lock()
	if s.state != Loading {
		// Closed while subscribing; Close had no handle to release.
		s.mu.Unlock()
		sub.Unsubscribe()
		return apperr.ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()

	history, err := store.ListAllMessages(ctx, s.cfg.Store, s.cfg.UserID, s.cfg.ConversationID, s.cfg.PageSize)
	if err != nil {
		s.abort()
		return err
	}

	s.mu.Lock()
	if s.state != Loading {
		s.mu.Unlock()
		sub.Unsubscribe()
		return apperr.ErrClosed
	}
	for _, m := range history {
		s.insertLocked(m)
	}
	for _, m := range s.buffered {
		s.insertLocked(m)
	}
	s.buffered = nil
	s.state = Live
	s.mu.Unlock()

	s.log.Debug("session live", zap.Int("messages", len(history)))
	s.notify()
	_, err = s.markRead(ctx)
	if err != nil {
		// The session is usable; the next event or poll corrects the badge.
		s.log.Warn("mark read on open failed", zap.Error(err))
	}
	return nil
}

func (s *Session) abort() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.state = Closed
	cancel := s.cancel
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Send appends a message. Empty text fails with a validation error before any request.
// On failure local state is untouched and nothing is retried.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	if err := store.ValidateText(text); err != nil {
		return models.Message{}, err
	}
	if s.State() != Live {
		return models.Message{}, apperr.ErrClosed
	}

	msg, err := s.cfg.Store.AppendMessage(ctx, s.cfg.ConversationID, s.cfg.UserID, text)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	changed := s.state == Live && s.insertLocked(msg)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return msg, nil
}

// Close unsubscribes, then discards the message list. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	sub := s.sub
	s.sub = nil
	cancel := s.cancel
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.messages = nil
	s.ids = nil
	s.buffered = nil
	s.mu.Unlock()
}

func (s *Session) onEvent(ev models.ChangeEvent) {
	if ev.Type != models.EventNewMessage || ev.Message == nil || ev.Message.ConversationID != s.cfg.ConversationID {
		return
	}
	msg := *ev.Message

	s.mu.Lock()
	var inserted bool
	switch s.state {
	case Loading:
		s.buffered = append(s.buffered, msg)
	case Live:
		inserted = s.insertLocked(msg)
	}
	ctx := s.ctx
	s.mu.Unlock()

	if !inserted {
		return
	}
	s.notify()
	if msg.SenderID != s.cfg.UserID {
		go func() {
			if _, err := s.markRead(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("mark read after new message failed", zap.Error(err))
			}
		}()
	}
}

func (s *Session) onResync(reason feed.ResyncReason) {
	s.mu.Lock()
	if s.state != Live {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("session resync failed", zap.String("reason", string(reason)), zap.Error(err))
	}
}

// Refresh re-fetches the history and merges it into the list, then marks the conversation read.
func (s *Session) Refresh(ctx context.Context) error {
	history, err := store.ListAllMessages(ctx, s.cfg.Store, s.cfg.UserID, s.cfg.ConversationID, s.cfg.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Live {
		s.mu.Unlock()
		return apperr.ErrClosed
	}
	changed := false
	for _, m := range history {
		if s.insertLocked(m) {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	_, err = s.markRead(ctx)
	return err
}

// markRead asks the store to mark the other participant's messages read and hands the
// transitioned count to the counters.
func (s *Session) markRead(ctx context.Context) (int, error) {
	s.marks.Lock()
	defer s.marks.Unlock()

	if s.State() != Live {
		return 0, nil
	}
	generation := s.cfg.Counters.Generation(s.cfg.UserID)
	n, err := s.cfg.Store.MarkRead(ctx, s.cfg.ConversationID, s.cfg.UserID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if !s.cfg.Counters.ApplyDeltaAt(s.cfg.UserID, s.cfg.ConversationID, -n, generation) {
		s.log.Debug("read delta superseded by list refresh", zap.Int("transitioned", n))
		if s.cfg.OnStale != nil {
			s.cfg.OnStale()
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].IsUnreadFor(s.cfg.UserID) {
			readAt := now
			s.messages[i].ReadAt = &readAt
		}
	}
	s.mu.Unlock()
	s.notify()
	return n, nil
}

// insertLocked adds m in order. A known id is only allowed to gain a read_at. It reports whether
// the list changed.
func (s *Session) insertLocked(m models.Message) bool {
	if i, ok := s.ids[m.ID]; ok {
		if s.messages[i].ReadAt == nil && m.ReadAt != nil {
			s.messages[i].ReadAt = m.ReadAt
			return true
		}
		return false
	}

	pos := sort.Search(len(s.messages), func(i int) bool { return m.Before(s.messages[i]) })
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	for i := pos; i < len(s.messages); i++ {
		s.ids[s.messages[i].ID] = i
	}
	return true
}

func (s *Session) notify() {
	if s.cfg.OnChange == nil {
		return
	}
	s.cfg.OnChange(s.Messages())
}
