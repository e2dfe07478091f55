package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/feed"
	"inbox-service/internal/feed/feedtest"
	"inbox-service/internal/models"
	"inbox-service/internal/notifications"
	"inbox-service/internal/repositories"
	"inbox-service/internal/store"
	"inbox-service/internal/unread"
)

const (
	bob     = "bob"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	srv    *feedtest.Server
	client *feed.Client
	local  *store.Local
	notifs *repositories.MemoryNotificationRepo
	engine *unread.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := feedtest.NewServer()
	client := feed.NewClient(srv, feed.Options{
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		AckTimeout:     time.Second,
		Logger:         zap.NewNop(),
	})
	client.Start(context.Background())
	t.Cleanup(func() { _ = client.Close() })
	require.Eventually(t, client.Connected, waitFor, tick)

	local, repo := store.NewMemory()
	return &fixture{srv: srv, client: client, local: local, notifs: repo.Notifications(), engine: unread.NewEngine(zap.NewNop())}
}

func (f *fixture) dispatcher(t *testing.T, limit int) *notifications.Dispatcher {
	t.Helper()
	d := notifications.NewDispatcher(notifications.Config{
		UserID: bob, Store: f.local, Feed: f.client, Counters: f.engine, Limit: limit, Logger: zap.NewNop(),
	})
	require.NoError(t, d.Open(context.Background()))
	t.Cleanup(d.Close)
	return d
}

// create stores a notification for bob without announcing it.
func (f *fixture) create(t *testing.T, n models.Notification) models.Notification {
	t.Helper()
	created, err := f.notifs.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func (f *fixture) announce(n models.Notification) {
	f.srv.Publish(models.ChangeEvent{Type: models.EventNewNotification, Topic: models.UserNotificationsTopic(n.UserID), Notification: &n})
}

func project(title string) models.Notification {
	return notifications.NewProject(bob, "p-"+title, title)
}

func ids(list []models.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}

func TestLoadInstallsPageAndCount(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, project("one"))
	second := f.create(t, project("two"))
	_, err := f.notifs.MarkRead(context.Background(), first.ID, bob)
	require.NoError(t, err)

	d := f.dispatcher(t, 0)

	assert.Equal(t, []string{second.ID, first.ID}, ids(d.Notifications()))
	assert.Equal(t, 1, d.Unread())
	assert.Equal(t, 1, f.engine.Notifications(bob))
}

func TestLiveEventPrependsAndCountsOnce(t *testing.T) {
	f := newFixture(t)
	old := f.create(t, project("old"))
	d := f.dispatcher(t, 0)

	n := f.create(t, project("new"))
	f.announce(n)
	f.announce(n)

	require.Eventually(t, func() bool { return len(d.Notifications()) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{n.ID, old.ID}, ids(d.Notifications()))
	assert.Equal(t, 2, d.Unread())
}

func TestEventBeforeLoadIsVisibleOnce(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, 0)

	early := f.create(t, project("early"))
	f.announce(early)
	require.Eventually(t, func() bool { return len(d.Notifications()) == 1 }, waitFor, tick)

	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{early.ID}, ids(d.Notifications()))
	assert.Equal(t, 1, d.Unread())
}

func TestLoadKeepsNotificationsNewerThanSnapshot(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, 0)

	// Delivered by the feed, but not yet visible to the page snapshot.
	late := models.Notification{ID: "zz-late", UserID: bob, Type: models.NotificationNewProject, Title: "late",
		Data: types.JSONText(`{"project_id":"p9"}`), CreatedAt: time.Now().Add(time.Hour)}
	f.announce(late)
	require.Eventually(t, func() bool { return d.Unread() == 1 }, waitFor, tick)

	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{late.ID}, ids(d.Notifications()))
	assert.Equal(t, 1, d.Unread())
}

// pagedStore serves a fixed page and runs during before the page is returned.
type pagedStore struct {
	store.Notifications
	page   models.NotificationPage
	during func()
}

func (s *pagedStore) ListNotifications(context.Context, string, int) (models.NotificationPage, error) {
	if s.during != nil {
		s.during()
	}
	return s.page, nil
}

func TestLoadKeepsFeedItemCommittedAfterSnapshot(t *testing.T) {
	f := newFixture(t)
	st := &pagedStore{Notifications: f.local}
	d := notifications.NewDispatcher(notifications.Config{UserID: bob, Store: st, Feed: f.client, Counters: f.engine, Logger: zap.NewNop()})
	require.NoError(t, d.Open(context.Background()))
	t.Cleanup(d.Close)

	// Inserted by a transaction that started before the page snapshot and committed after it.
	n := models.Notification{ID: "n-slow", UserID: bob, Type: models.NotificationNewProject, Title: "slow",
		Data: types.JSONText(`{"project_id":"p1"}`), CreatedAt: time.Now().UTC()}
	st.page = models.NotificationPage{AsOf: n.CreatedAt.Add(time.Millisecond)}
	st.during = func() {
		f.announce(n)
		require.Eventually(t, func() bool { return len(d.Notifications()) == 1 }, waitFor, tick)
	}

	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{n.ID}, ids(d.Notifications()))
	assert.Equal(t, 1, d.Unread())
}

func TestLoadDoesNotRecountFeedItemBelowFullPage(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	newest := models.Notification{ID: "n-new", UserID: bob, Type: models.NotificationNewProject, CreatedAt: now}
	st := &pagedStore{Notifications: f.local, page: models.NotificationPage{
		Notifications: []models.Notification{newest}, UnreadCount: 2, AsOf: now,
	}}
	d := notifications.NewDispatcher(notifications.Config{UserID: bob, Store: st, Feed: f.client, Counters: f.engine, Limit: 1, Logger: zap.NewNop()})
	require.NoError(t, d.Open(context.Background()))
	t.Cleanup(d.Close)
	require.Equal(t, 2, d.Unread())

	older := models.Notification{ID: "n-old", UserID: bob, Type: models.NotificationNewProject, CreatedAt: now.Add(-time.Minute)}
	f.announce(older)
	require.Eventually(t, func() bool { return len(d.Notifications()) == 2 }, waitFor, tick)

	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{newest.ID, older.ID}, ids(d.Notifications()))
	assert.Equal(t, 2, d.Unread())
}

func TestMarkOneIsIdempotent(t *testing.T) {
	f := newFixture(t)
	n := f.create(t, project("one"))
	f.create(t, project("two"))
	d := f.dispatcher(t, 0)
	require.Equal(t, 2, d.Unread())

	require.NoError(t, d.MarkOne(context.Background(), n.ID))
	require.NoError(t, d.MarkOne(context.Background(), n.ID))

	assert.Equal(t, 1, d.Unread())
	left, err := f.local.UnreadNotifications(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestMarkOneUnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, 0)

	err := d.MarkOne(context.Background(), "missing")

	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, d.Unread())
}

func TestMarkAllClearsCounter(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"a", "b", "c"} {
		f.create(t, project(title))
	}
	d := f.dispatcher(t, 0)

	n, err := d.MarkAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, d.Unread())
	for _, item := range d.Notifications() {
		assert.True(t, item.IsRead)
		assert.NotNil(t, item.ReadAt)
	}
}

func TestDeleteDecrementsOnlyForUnread(t *testing.T) {
	f := newFixture(t)
	read := f.create(t, project("read"))
	unreadOne := f.create(t, project("unread"))
	f.create(t, project("other"))
	_, err := f.notifs.MarkRead(context.Background(), read.ID, bob)
	require.NoError(t, err)
	d := f.dispatcher(t, 0)
	require.Equal(t, 2, d.Unread())

	require.NoError(t, d.Delete(context.Background(), read.ID))
	assert.Equal(t, 2, d.Unread())

	require.NoError(t, d.Delete(context.Background(), unreadOne.ID))
	assert.Equal(t, 1, d.Unread())
	assert.Len(t, d.Notifications(), 1)
}

func TestDeleteReadKeepsCounter(t *testing.T) {
	f := newFixture(t)
	read := f.create(t, project("read"))
	keep := f.create(t, project("keep"))
	_, err := f.notifs.MarkRead(context.Background(), read.ID, bob)
	require.NoError(t, err)
	d := f.dispatcher(t, 0)

	n, err := d.DeleteRead(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{keep.ID}, ids(d.Notifications()))
	assert.Equal(t, 1, d.Unread())
}

func TestOpenTargetMarksReadEvenWithoutTarget(t *testing.T) {
	f := newFixture(t)
	routed := f.create(t, notifications.NewMessage(bob, models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi"}))
	broken := f.create(t, models.Notification{UserID: bob, Type: models.NotificationNewProject, Title: "broken", Data: types.JSONText(`{}`)})
	d := f.dispatcher(t, 0)
	require.Equal(t, 2, d.Unread())

	target, err := d.OpenTarget(context.Background(), routed.ID)
	require.NoError(t, err)
	assert.Equal(t, &models.NavigationTarget{Kind: models.TargetConversation, ID: "c1"}, target)

	target, err = d.OpenTarget(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Zero(t, d.Unread())

	_, err = d.OpenTarget(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReconnectReloadsMissedNotifications(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, 0)

	f.srv.SetOffline(true)
	missed := f.create(t, project("missed"))
	f.srv.SetOffline(false)

	require.Eventually(t, func() bool { return len(d.Notifications()) == 1 }, waitFor, tick)
	assert.Equal(t, missed.ID, d.Notifications()[0].ID)
	assert.Equal(t, 1, d.Unread())
}

func TestCloseStopsDelivery(t *testing.T) {
	f := newFixture(t)
	d := notifications.NewDispatcher(notifications.Config{UserID: bob, Store: f.local, Feed: f.client, Counters: f.engine})
	require.NoError(t, d.Open(context.Background()))

	d.Close()
	d.Close()
	require.Eventually(t, func() bool { return !f.srv.Subscribed(models.UserNotificationsTopic(bob)) }, waitFor, tick)

	f.announce(f.create(t, project("ignored")))
	time.Sleep(20 * time.Millisecond)

	assert.Nil(t, d.Notifications())
	assert.Zero(t, f.engine.Notifications(bob))
	assert.ErrorIs(t, d.Load(context.Background()), apperr.ErrClosed)
}
