// Package client wires the client-side subsystem for one signed-in user: change feed, store
// accessor, unread counters, conversation list, notification list, poller and open sessions.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/feed"
	"inbox-service/internal/inbox"
	"inbox-service/internal/logger"
	"inbox-service/internal/models"
	"inbox-service/internal/notifications"
	"inbox-service/internal/poller"
	"inbox-service/internal/session"
	"inbox-service/internal/store"
	"inbox-service/internal/unread"
)

type Config struct {
	UserID string
	Store  store.Accessor
	Dialer feed.Dialer

	FeedBackoffInitial   time.Duration
	FeedBackoffMax       time.Duration
	PollInterval         time.Duration
	MessagePageSize      int
	NotificationPageSize int

	// Engine may be shared between clients of different users. A private one is created when nil.
	Engine *unread.Engine
	Logger *zap.Logger
}

type Client struct {
	cfg    Config
	log    *zap.Logger
	feed   *feed.Client
	engine *unread.Engine
	inbox  *inbox.Inbox
	notifs *notifications.Dispatcher
	poller *poller.Poller

	mu       sync.Mutex
	started  bool
	closed   bool
	sessions map[string]*session.Session
}

func New(cfg Config) *Client {
	log := logger.ForUser(logger.OrNop(cfg.Logger), cfg.UserID)
	engine := cfg.Engine
	if engine == nil {
		engine = unread.NewEngine(log)
	}
	fc := feed.NewClient(cfg.Dialer, feed.Options{
		BackoffInitial: cfg.FeedBackoffInitial,
		BackoffMax:     cfg.FeedBackoffMax,
		Logger:         log,
	})

	c := &Client{
		cfg:      cfg,
		log:      log,
		feed:     fc,
		engine:   engine,
		sessions: make(map[string]*session.Session),
	}
	c.inbox = inbox.New(inbox.Config{
		UserID:   cfg.UserID,
		Store:    cfg.Store,
		Feed:     fc,
		Counters: engine,
		Logger:   log,
	})
	c.notifs = notifications.NewDispatcher(notifications.Config{
		UserID:   cfg.UserID,
		Store:    cfg.Store,
		Feed:     fc,
		Counters: engine,
		Limit:    cfg.NotificationPageSize,
		Logger:   log,
	})
	c.poller = poller.New(cfg.UserID, cfg.Store, engine, cfg.PollInterval, log)
	return c
}

// Start connects the feed, loads the conversation and notification lists and starts polling.
// Each list re-fetches itself after a feed reconnect.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.feed.Start(context.Background())
	if err := c.inbox.Open(ctx); err != nil {
		return err
	}
	if err := c.notifs.Open(ctx); err != nil {
		return err
	}
	c.poller.Start(context.Background())
	c.log.Info("client started")
	return nil
}

func (c *Client) UserID() string { return c.cfg.UserID }
func (c *Client) Engine() *unread.Engine { return c.engine }
func (c *Client) Inbox() *inbox.Inbox { return c.inbox }
func (c *Client) Notifications() *notifications.Dispatcher { return c.notifs }
func (c *Client) Poller() *poller.Poller { return c.poller }
func (c *Client) Connected() bool { return c.feed.Connected() }

// Badges returns the user's current counters.
func (c *Client) Badges() unread.Snapshot {
	return c.engine.Snapshot(c.cfg.UserID)
}

// OnBadgeChange calls fn with this user's counters after every change. The returned func
// unregisters it.
func (c *Client) OnBadgeChange(fn func(unread.Snapshot)) func() {
	return c.engine.OnChange(func(s unread.Snapshot) {
		if s.UserID == c.cfg.UserID {
			fn(s)
		}
	})
}

// OpenConversation returns the live session for a conversation, opening it if needed.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.ErrClosed
	}
	if s, ok := c.sessions[conversationID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	s := session.New(session.Config{
		UserID:         c.cfg.UserID,
		ConversationID: conversationID,
		Store:          c.cfg.Store,
		Feed:           c.feed,
		Counters:       c.engine,
		PageSize:       c.cfg.MessagePageSize,
		Logger:         c.log,
		OnStale:        c.inbox.ReloadAsync,
	})
	c.sessions[conversationID] = s
	c.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		c.mu.Lock()
		if c.sessions[conversationID] == s {
			delete(c.sessions, conversationID)
		}
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// StartConversation finds or creates the conversation with otherID and opens it.
func (c *Client) StartConversation(ctx context.Context, otherID string) (*session.Session, error) {
	conv, err := c.cfg.Store.GetOrCreateConversation(ctx, c.cfg.UserID, otherID)
	if err != nil {
		return nil, err
	}
	return c.OpenConversation(ctx, conv.ID)
}

// CloseConversation closes the conversation's session if one is open.
func (c *Client) CloseConversation(conversationID string) {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	delete(c.sessions, conversationID)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Conversations returns the conversation list with current badges.
func (c *Client) Conversations() []models.ConversationSummary {
	return c.inbox.Conversations()
}

// Close stops polling, closes every session and list, then the feed. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	c.poller.Stop()
	for _, s := range sessions {
		s.Close()
	}
	c.notifs.Close()
	c.inbox.Close()
	err := c.feed.Close()
	if c.cfg.Engine == nil {
		c.engine.Forget(c.cfg.UserID)
	}
	c.log.Info("client closed")
	return err
}
