// Package notifications builds, routes and dispatches in-app notifications.
package notifications

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
	"inbox-service/internal/store"
)

const DefaultLimit = 20

type Feed interface {
	Subscribe(ctx context.Context, topic models.Topic, handler feed.Handler, opts ...feed.SubscribeOption) (*feed.Subscription, error)
}

// Counters holds the flat unread notification counter.
type Counters interface {
	SetNotifications(userID string, n int)
	ApplyNotificationDelta(userID string, delta int)
	Notifications(userID string) int
}

type Config struct {
	UserID   string
	Store    store.Notifications
	Feed     Feed
	Counters Counters
	Limit    int
	Logger   *zap.Logger
	OnChange func([]models.Notification)
}

// Dispatcher keeps one user's notifications most recent first, deduplicated by id, and proposes
// unread changes to the counters.
type Dispatcher struct {
	cfg Config
	log *zap.Logger

	view atomic.Pointer[[]models.Notification]

	mu    sync.Mutex
	open  bool
	items []models.Notification
	// fed holds ids that reached the list through the feed and no loaded page has shown yet.
	fed    map[string]struct{}
	sub    *feed.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	loadMu sync.Mutex
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	return &Dispatcher{cfg: cfg, log: logger.ForUser(logger.OrNop(cfg.Logger), cfg.UserID)}
}

// Open subscribes to the user's notification topic, then loads the first page.
func (d *Dispatcher) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = true
	d.items = nil
	d.fed = make(map[string]struct{})
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	sub, err := d.cfg.Feed.Subscribe(ctx, models.UserNotificationsTopic(d.cfg.UserID), d.onEvent,
		feed.WithResync(func(feed.ResyncReason) { d.LoadAsync() }))
	if err != nil {
		d.Close()
		return err
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()

	if err := d.Load(ctx); err != nil {
		d.Close()
		return err
	}
	return nil
}

// Load fetches the newest page and installs its unread count. Notifications that reached the
// dispatcher through the feed and are missing from the page are kept. They are added to the count
// when unread, unless they sort below a full page, where the page's count already covers them.
func (d *Dispatcher) Load(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if !d.isOpen() {
		return apperr.ErrClosed
	}

	page, err := d.cfg.Store.ListNotifications(ctx, d.cfg.UserID, d.cfg.Limit)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return apperr.ErrClosed
	}
	inPage := lo.SliceToMap(page.Notifications, func(n models.Notification) (string, bool) { return n.ID, true })
	for id := range inPage {
		delete(d.fed, id)
	}
	late := lo.Filter(d.items, func(n models.Notification, _ int) bool {
		_, fed := d.fed[n.ID]
		return fed && !inPage[n.ID]
	})
	full := len(page.Notifications) > 0 && len(page.Notifications) >= d.cfg.Limit
	oldest := lo.MinBy(page.Notifications, func(a, b models.Notification) bool { return a.CreatedAt.Before(b.CreatedAt) })
	unread := page.UnreadCount + lo.CountBy(late, func(n models.Notification) bool {
		return !n.IsRead && !(full && n.CreatedAt.Before(oldest.CreatedAt))
	})

	d.items = append(late, page.Notifications...)
	sortNewestFirst(d.items)
	d.cfg.Counters.SetNotifications(d.cfg.UserID, unread)
	d.publishLocked()
	d.mu.Unlock()

	d.log.Debug("notifications loaded", zap.Int("count", len(page.Notifications)), zap.Int("unread", unread))
	d.notify()
	return nil
}

// LoadAsync reloads in the background.
func (d *Dispatcher) LoadAsync() {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.Load(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, apperr.ErrClosed) {
			d.log.Warn("notification reload failed", zap.Error(err))
		}
	}()
}

// Notifications returns the list, most recent first.
func (d *Dispatcher) Notifications() []models.Notification {
	if v := d.view.Load(); v != nil {
		return append([]models.Notification(nil), (*v)...)
	}
	return nil
}

// Unread returns the badge value.
func (d *Dispatcher) Unread() int {
	return d.cfg.Counters.Notifications(d.cfg.UserID)
}

// MarkOne marks a notification read. A notification already read locally is left alone.
func (d *Dispatcher) MarkOne(ctx context.Context, id string) error {
	d.mu.Lock()
	if i := d.indexLocked(id); i >= 0 && d.items[i].IsRead {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	transitioned, err := d.cfg.Store.MarkNotificationRead(ctx, d.cfg.UserID, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	now := time.Now().UTC()
	local := false
	if i := d.indexLocked(id); i >= 0 && !d.items[i].IsRead {
		d.items[i].IsRead = true
		d.items[i].ReadAt = &now
		local = true
	}
	if transitioned && (local || d.indexLocked(id) < 0) {
		d.cfg.Counters.ApplyNotificationDelta(d.cfg.UserID, -1)
	}
	d.publishLocked()
	d.mu.Unlock()
	d.notify()
	return nil
}

// MarkAll marks every notification read and lowers the counter by the number that changed.
func (d *Dispatcher) MarkAll(ctx context.Context) (int, error) {
	n, err := d.cfg.Store.MarkAllNotificationsRead(ctx, d.cfg.UserID)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	now := time.Now().UTC()
	for i := range d.items {
		if !d.items[i].IsRead {
			d.items[i].IsRead = true
			d.items[i].ReadAt = &now
		}
	}
	d.cfg.Counters.ApplyNotificationDelta(d.cfg.UserID, -n)
	d.publishLocked()
	d.mu.Unlock()
	d.notify()
	return n, nil
}

// Delete removes a notification. The counter drops by one only if it was unread.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	wasUnread, err := d.cfg.Store.DeleteNotification(ctx, d.cfg.UserID, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	localUnread := false
	if i := d.indexLocked(id); i >= 0 {
		// A local read has already been taken off the counter.
		localUnread = !d.items[i].IsRead
		d.items = append(d.items[:i], d.items[i+1:]...)
		delete(d.fed, id)
	} else {
		localUnread = true
	}
	if wasUnread && localUnread {
		d.cfg.Counters.ApplyNotificationDelta(d.cfg.UserID, -1)
	}
	d.publishLocked()
	d.mu.Unlock()
	d.notify()
	return nil
}

// DeleteRead removes every read notification. The counter is unaffected.
func (d *Dispatcher) DeleteRead(ctx context.Context) (int, error) {
	n, err := d.cfg.Store.DeleteReadNotifications(ctx, d.cfg.UserID)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.items = lo.Reject(d.items, func(item models.Notification, _ int) bool { return item.IsRead })
	d.fed = lo.PickBy(d.fed, func(id string, _ struct{}) bool { return d.indexLocked(id) >= 0 })
	d.publishLocked()
	d.mu.Unlock()
	d.notify()
	return n, nil
}

// OpenTarget resolves where a notification leads and marks it read. The notification is marked
// read even when no target can be resolved; a nil target with a nil error means there is nowhere
// to go.
func (d *Dispatcher) OpenTarget(ctx context.Context, id string) (*models.NavigationTarget, error) {
	d.mu.Lock()
	i := d.indexLocked(id)
	var n models.Notification
	if i >= 0 {
		n = d.items[i]
	}
	d.mu.Unlock()
	if i < 0 {
		return nil, apperr.ErrNotFound
	}

	target := ResolveTarget(n)
	if target == nil {
		d.log.Debug("notification has no target", zap.String("notification_id", id), zap.String("type", string(n.Type)))
	}
	return target, d.MarkOne(ctx, id)
}

// Close unsubscribes, waits for background loads and drops the list.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return
	}
	d.open = false
	sub := d.sub
	d.sub = nil
	cancel := d.cancel
	d.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	d.items = nil
	d.fed = nil
	d.view.Store(nil)
	d.mu.Unlock()
}

func (d *Dispatcher) onEvent(ev models.ChangeEvent) {
	if ev.Type != models.EventNewNotification || ev.Notification == nil || ev.Notification.UserID != d.cfg.UserID {
		return
	}
	n := *ev.Notification

	d.mu.Lock()
	if !d.open || d.indexLocked(n.ID) >= 0 {
		d.mu.Unlock()
		return
	}
	d.items = append([]models.Notification{n}, d.items...)
	d.fed[n.ID] = struct{}{}
	sortNewestFirst(d.items)
	if !n.IsRead {
		d.cfg.Counters.ApplyNotificationDelta(d.cfg.UserID, 1)
	}
	d.publishLocked()
	d.mu.Unlock()
	d.notify()
}

func (d *Dispatcher) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Dispatcher) indexLocked(id string) int {
	_, i, ok := lo.FindIndexOf(d.items, func(n models.Notification) bool { return n.ID == id })
	if !ok {
		return -1
	}
	return i
}

func (d *Dispatcher) publishLocked() {
	items := append([]models.Notification(nil), d.items...)
	d.view.Store(&items)
}

func (d *Dispatcher) notify() {
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(d.Notifications())
	}
}

func sortNewestFirst(items []models.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}
