package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/client"
	"inbox-service/internal/feed"
	"inbox-service/internal/handlers"
	"inbox-service/internal/middleware"
	"inbox-service/internal/models"
	"inbox-service/internal/repositories"
	"inbox-service/internal/session"
	"inbox-service/internal/store"
	"inbox-service/internal/unread"
	"inbox-service/internal/ws"
)

const (
	alice   = "alice"
	bob     = "bob"
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// server is the REST store and websocket feed over in-memory repositories.
type server struct {
	url  string
	auth *middleware.Authenticator
	hub  *ws.Hub
	repo *repositories.MemoryRepo
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := repositories.NewMemoryRepo()
	auth := middleware.NewAuthenticator("client-e2e-secret-000000")
	hub := ws.NewHub(zap.NewNop(), nil)

	r := gin.New()
	r.GET("/ws", ws.NewFeedWebSocketHandler(hub, repo, auth, zap.NewNop()).Handle)
	api := r.Group("/", middleware.AuthMiddleware(auth))
	handlers.NewConversationHandler(repo, repo, repo.Notifications(), hub, nil, zap.NewNop()).Register(api)
	handlers.NewNotificationHandler(repo.Notifications(), hub, nil, zap.NewNop()).Register(api)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, auth: auth, hub: hub, repo: repo}
}

// gatedDialer refuses to connect while offline is set.
type gatedDialer struct {
	inner   feed.WSDialer
	offline atomic.Bool
}

func (d *gatedDialer) Dial(ctx context.Context) (feed.Conn, error) {
	if d.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return d.inner.Dial(ctx)
}

func (s *server) client(t *testing.T, userID string) (*client.Client, *gatedDialer) {
	t.Helper()
	tokens := func(_ context.Context, uid string) (string, error) { return s.auth.IssueToken(uid, time.Minute) }
	dialer := &gatedDialer{inner: feed.WSDialer{
		URL:   "ws" + strings.TrimPrefix(s.url, "http") + "/ws",
		Token: func(ctx context.Context) (string, error) { return tokens(ctx, userID) },
	}}
	c := client.New(client.Config{
		UserID:             userID,
		Store:              store.NewHTTPClient(s.url, tokens, nil),
		Dialer:             dialer,
		FeedBackoffInitial: 10 * time.Millisecond,
		FeedBackoffMax:     50 * time.Millisecond,
		PollInterval:       time.Hour,
		Logger:             zap.NewNop(),
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, c.Connected, waitFor, tick)
	return c, dialer
}

func entryFor(c *client.Client, conversationID string) (models.ConversationSummary, bool) {
	for _, e := range c.Conversations() {
		if e.ID == conversationID {
			return e, true
		}
	}
	return models.ConversationSummary{}, false
}

func contents(s *session.Session) []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.Content)
	}
	return out
}

// consistent checks the local counters against the store.
func consistent(t *testing.T, srv *server, c *client.Client) bool {
	t.Helper()
	want, err := srv.repo.CountUnread(context.Background(), c.UserID())
	require.NoError(t, err)
	snap := c.Badges()
	sum := 0
	for _, n := range snap.PerConversation {
		sum += n
	}
	return snap.Aggregate == want && sum == want
}

func TestSendAndOpenConversation(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, _ := srv.client(t, bob)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	convID := sa.ConversationID()

	_, err = sa.Send(ctx, "Hello")
	require.NoError(t, err)

	// B's list shows the message as unread; A's own counters stay at zero.
	require.Eventually(t, func() bool {
		e, ok := entryFor(b, convID)
		return ok && e.UnreadCount == 1 && e.LastMessage != nil && e.LastMessage.Content == "Hello"
	}, waitFor, tick)
	assert.Equal(t, 1, b.Badges().Aggregate)
	require.Eventually(t, func() bool { return b.Notifications().Unread() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { _, ok := entryFor(a, convID); return ok }, waitFor, tick)
	e, _ := entryFor(a, convID)
	assert.Zero(t, e.UnreadCount)
	assert.Zero(t, a.Badges().Aggregate)

	// B opens the conversation and reads it.
	sb, err := b.OpenConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, contents(sb))
	require.Eventually(t, func() bool {
		return b.Engine().PerConversation(bob, convID) == 0 && b.Badges().Aggregate == 0
	}, waitFor, tick)
	assert.Zero(t, a.Badges().Aggregate)
	require.Eventually(t, func() bool { return consistent(t, srv, b) }, waitFor, tick)
}

func TestBurstBeforeOpenArrivesInOrderWithoutDuplicates(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, _ := srv.client(t, bob)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	_, err = sa.Send(ctx, "One")
	require.NoError(t, err)
	_, err = sa.Send(ctx, "Two")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Engine().PerConversation(bob, sa.ConversationID()) == 2 }, waitFor, tick)
	require.NoError(t, b.Inbox().Reload(ctx))
	assert.Equal(t, 2, b.Badges().Aggregate)

	sb, err := b.OpenConversation(ctx, sa.ConversationID())
	require.NoError(t, err)
	require.NoError(t, sb.Refresh(ctx))

	assert.Equal(t, []string{"One", "Two"}, contents(sb))
	require.Eventually(t, func() bool { return b.Badges().Aggregate == 0 }, waitFor, tick)
	assert.Equal(t, []string{"One", "Two"}, contents(sa))
}

func TestLiveConversationStaysRead(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, _ := srv.client(t, bob)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	sb, err := b.OpenConversation(ctx, sa.ConversationID())
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c"} {
		_, err := sa.Send(ctx, text)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(sb.Messages()) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		n, err := srv.repo.CountUnread(ctx, bob)
		return err == nil && n == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return consistent(t, srv, b) }, waitFor, tick)
	for _, m := range sb.Messages() {
		assert.NotNil(t, m.ReadAt)
	}
}

func TestReconnectRecoversMissedMessage(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, bDialer := srv.client(t, bob)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	convID := sa.ConversationID()

	bDialer.offline.Store(true)
	srv.hub.CloseAll("network drop")
	require.Eventually(t, func() bool { return !b.Connected() }, waitFor, tick)
	require.Eventually(t, a.Connected, waitFor, tick)

	_, err = sa.Send(ctx, "while you were away")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.Badges().Aggregate)

	bDialer.offline.Store(false)
	require.Eventually(t, b.Connected, waitFor, tick)
	require.Eventually(t, func() bool {
		e, ok := entryFor(b, convID)
		return ok && e.UnreadCount == 1 && e.LastMessage.Content == "while you were away"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return b.Notifications().Unread() == 1 }, waitFor, tick)
	assert.True(t, consistent(t, srv, b))

	sb, err := b.OpenConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"while you were away"}, contents(sb))
	require.Eventually(t, func() bool { return b.Badges().Aggregate == 0 }, waitFor, tick)
}

func TestOpenSessionRefetchesAfterReconnect(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, bDialer := srv.client(t, bob)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	sb, err := b.OpenConversation(ctx, sa.ConversationID())
	require.NoError(t, err)

	bDialer.offline.Store(true)
	srv.hub.CloseAll("network drop")
	require.Eventually(t, func() bool { return !b.Connected() }, waitFor, tick)
	require.Eventually(t, a.Connected, waitFor, tick)
	_, err = sa.Send(ctx, "missed")
	require.NoError(t, err)
	bDialer.offline.Store(false)

	require.Eventually(t, func() bool { return len(sb.Messages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"missed"}, contents(sb))
	require.Eventually(t, func() bool {
		n, err := srv.repo.CountUnread(ctx, bob)
		return err == nil && n == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return consistent(t, srv, b) }, waitFor, tick)
}

func TestPollerReconcilesAggregate(t *testing.T) {
	srv := newServer(t)
	b, _ := srv.client(t, bob)
	ctx := context.Background()

	conv, err := srv.repo.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	// Written straight to the store: no feed event reaches B.
	_, _, err = srv.repo.AppendMessage(ctx, conv.ID, alice, "silent")
	require.NoError(t, err)

	require.NoError(t, b.Poller().Poll(ctx))

	snap := b.Badges()
	assert.Equal(t, 1, snap.Aggregate)
	assert.True(t, snap.Reconciling)

	require.NoError(t, b.Inbox().Reload(ctx))
	snap = b.Badges()
	assert.False(t, snap.Reconciling)
	assert.Equal(t, 1, snap.PerConversation[conv.ID])
}

func TestSendValidationAndNotParticipant(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	ctx := context.Background()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	_, err = sa.Send(ctx, "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	other, err := srv.repo.GetOrCreateConversation(ctx, bob, "carol")
	require.NoError(t, err)
	_, err = a.OpenConversation(ctx, other.ID)
	assert.Error(t, err)
	assert.Empty(t, sa.Messages())
}

func TestBadgeChangesAreReported(t *testing.T) {
	srv := newServer(t)
	a, _ := srv.client(t, alice)
	b, _ := srv.client(t, bob)
	ctx := context.Background()

	var last atomic.Int32
	stop := b.OnBadgeChange(func(s unread.Snapshot) { last.Store(int32(s.Aggregate)) })
	defer stop()

	sa, err := a.StartConversation(ctx, bob)
	require.NoError(t, err)
	_, err = sa.Send(ctx, "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return last.Load() == 1 }, waitFor, tick)
}

func TestCloseTearsDownEverything(t *testing.T) {
	srv := newServer(t)
	b, _ := srv.client(t, bob)
	ctx := context.Background()
	conv, err := srv.repo.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	s, err := b.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, session.Closed, s.State())
	assert.Nil(t, b.Conversations())
	require.Eventually(t, func() bool {
		return srv.hub.Subscribers(models.UserConversationsTopic(bob)) == 0 &&
			srv.hub.Subscribers(models.ConversationTopic(conv.ID)) == 0
	}, waitFor, tick)
	_, err = b.OpenConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrClosed)
}
