// Package feed is the client side of the change feed: one multiplexed socket carrying any number
// of topic subscriptions.
//
// Delivery is at-most-once. Events on one topic reach handlers in non-decreasing server time;
// an event that would break that order is dropped and the topic's subscribers are asked to resync.
// After a reconnect nothing is replayed, so every subscriber with a resync callback is asked to
// re-fetch from the store.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"inbox-service/internal/apperr"
	"inbox-service/internal/logger"
	"inbox-service/internal/models"
	"inbox-service/internal/observability"
)

// ErrDenied is wrapped in the SubscriptionError returned for topics the server refuses.
var ErrDenied = errors.New("subscription denied")

// Handler receives change events for one subscription.
type Handler func(models.ChangeEvent)

// ResyncReason says why a subscriber should re-fetch.
type ResyncReason string

const (
	ResyncReconnect ResyncReason = "reconnect"
	ResyncGap       ResyncReason = "gap"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	client  *Client
	topic   models.Topic
	handler Handler
	resync  func(ResyncReason)

	// stale marks a subscription that may have missed events; it is resynced once the server
	// acknowledges the topic on the current socket. Guarded by client.mu.
	stale bool

	// mu is held while the handler runs, so Unsubscribe waits out an in-flight delivery.
	mu     sync.Mutex
	closed bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() models.Topic { return s.topic }

// Unsubscribe stops delivery. After it returns the handler is never called again.
// It is safe to call more than once but must not be called from inside the handler itself.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.client.remove(s)
}

func (s *Subscription) deliver(ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(ev)
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithResync registers fn to run, on its own goroutine, whenever events for the topic may have
// been lost.
func WithResync(fn func(ResyncReason)) SubscribeOption {
	return func(s *Subscription) { s.resync = fn }
}

// Options tunes reconnect behavior.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AckTimeout     time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

type ackResult struct {
	denied bool
	reason string
}

// Client multiplexes topic subscriptions over one reconnecting connection.
type Client struct {
	dialer Dialer
	opts   Options
	log    *zap.Logger

	mu         sync.Mutex
	subs       map[models.Topic]map[*Subscription]struct{}
	pending    map[models.Topic][]chan ackResult
	watermarks map[models.Topic]time.Time
	conn       Conn
	connects   int
	closed     bool
	started    bool

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a client. Call Start to connect.
func NewClient(dialer Dialer, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		dialer:     dialer,
		opts:       opts,
		log:        opts.Logger,
		subs:       make(map[models.Topic]map[*Subscription]struct{}),
		pending:    make(map[models.Topic][]chan ackResult),
		watermarks: make(map[models.Topic]time.Time),
		done:       make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately; Close stops the loop.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// Close stops reconnecting, drops the socket and waits for the connection loop to exit.
// Subscriptions stay registered but never fire again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	var all []*Subscription
	for _, set := range c.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-c.done
	}
	for _, s := range all {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	return nil
}

// Connected reports whether a socket is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe registers handler for topic. When connected it waits for the server to accept the
// topic and returns a *apperr.SubscriptionError wrapping ErrDenied if it refuses. When offline
// the topic is subscribed on the next connect.
func (c *Client) Subscribe(ctx context.Context, topic models.Topic, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if _, _, err := topic.Parse(); err != nil {
		return nil, &apperr.SubscriptionError{Topic: string(topic), Err: err}
	}
	sub := &Subscription{client: c, topic: topic, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.ErrClosed
	}
	set, ok := c.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subs[topic] = set
	}
	first := len(set) == 0
	set[sub] = struct{}{}
	conn := c.conn
	if conn == nil && sub.resync != nil {
		sub.stale = true
	}
	var ack chan ackResult
	if first && conn != nil {
		ack = make(chan ackResult, 1)
		c.pending[topic] = append(c.pending[topic], ack)
	}
	c.mu.Unlock()

	if ack == nil {
		return sub, nil
	}
	if err := c.send(conn, models.SubscriptionFrame{Op: models.OpSubscribe, Topic: topic}); err != nil {
		// The read loop will see the broken socket and resubscribe after reconnecting.
		c.log.Debug("subscribe frame not sent", zap.String("topic", string(topic)), zap.Error(err))
		return sub, nil
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ack:
		if res.denied {
			sub.Unsubscribe()
			return nil, &apperr.SubscriptionError{Topic: string(topic), Err: fmt.Errorf("%w: %s", ErrDenied, res.reason)}
		}
		return sub, nil
	case <-timer.C:
		sub.Unsubscribe()
		return nil, &apperr.SubscriptionError{Topic: string(topic), Err: context.DeadlineExceeded}
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, ctx.Err()
	}
}

func (c *Client) remove(sub *Subscription) {
	c.mu.Lock()
	set := c.subs[sub.topic]
	if _, ok := set[sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(c.subs, sub.topic)
		delete(c.watermarks, sub.topic)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := c.send(conn, models.SubscriptionFrame{Op: models.OpUnsubscribe, Topic: sub.topic}); err != nil {
			c.log.Debug("unsubscribe frame not sent", zap.String("topic", string(sub.topic)), zap.Error(err))
		}
	}
}

func (c *Client) send(conn Conn, frame models.SubscriptionFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		if !c.install(conn) {
			_ = conn.Close()
			return
		}
		c.readLoop(conn)
		c.uninstall(conn)

		if ctx.Err() != nil {
			return
		}
		observability.IncFeedReconnect()
		c.log.Warn("feed connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	var conn Conn
	attempt := 0
	op := func() error {
		attempt++
		var err error
		conn, err = c.dialer.Dial(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("feed dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(&apperr.SubscriptionError{Err: err}),
		)
	}
	if err := backoff.RetryNotify(op, c.newBackoff(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// install makes conn current and resubscribes every registered topic. Subscribers that may have
// missed events (every one after a reconnect, and those registered while offline) are resynced
// when the server acknowledges their topic.
func (c *Client) install(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.connects++
	reconnect := c.connects > 1
	c.watermarks = make(map[models.Topic]time.Time)
	topics := make([]models.Topic, 0, len(c.subs))
	for topic, set := range c.subs {
		topics = append(topics, topic)
		for s := range set {
			if reconnect && s.resync != nil {
				s.stale = true
			}
		}
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.send(conn, models.SubscriptionFrame{Op: models.OpSubscribe, Topic: topic}); err != nil {
			c.log.Debug("resubscribe failed", zap.String("topic", string(topic)), zap.Error(err))
			break
		}
	}
	c.log.Info("feed connected", zap.Int("topics", len(topics)), zap.Bool("reconnect", reconnect))
	return true
}

func (c *Client) uninstall(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[models.Topic][]chan ackResult)
	c.mu.Unlock()

	// Waiting subscribers are accepted optimistically; their topics are resent on reconnect.
	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- ackResult{}
		}
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		var ev models.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Warn("dropping malformed feed frame", zap.Error(err))
				continue
			}
			c.log.Debug("feed read ended", zap.Error(err))
			return
		}
		if ev.Type.IsControl() {
			c.handleControl(ev)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) handleControl(ev models.ChangeEvent) {
	switch ev.Type {
	case models.EventSubscribed, models.EventSubscribeDenied:
	default:
		return
	}
	denied := ev.Type == models.EventSubscribeDenied

	c.mu.Lock()
	var ack chan ackResult
	if waiters := c.pending[ev.Topic]; len(waiters) > 0 {
		ack = waiters[0]
		if len(waiters) == 1 {
			delete(c.pending, ev.Topic)
		} else {
			c.pending[ev.Topic] = waiters[1:]
		}
	}
	var dropped, stale []*Subscription
	if !denied && ack == nil {
		for s := range c.subs[ev.Topic] {
			if s.stale {
				s.stale = false
				stale = append(stale, s)
			}
		}
	}
	if denied && ack == nil {
		// A resubscribe after reconnect was refused; nobody is waiting, so drop the topic here.
		for s := range c.subs[ev.Topic] {
			dropped = append(dropped, s)
		}
		delete(c.subs, ev.Topic)
		delete(c.watermarks, ev.Topic)
	}
	c.mu.Unlock()

	if ack != nil {
		ack <- ackResult{denied: denied, reason: ev.Reason}
		return
	}
	for _, s := range stale {
		c.triggerResync(s, ResyncReconnect)
	}
	for _, s := range dropped {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	if denied {
		c.log.Warn("feed resubscribe denied",
			zap.Error(&apperr.SubscriptionError{Topic: string(ev.Topic), Err: fmt.Errorf("%w: %s", ErrDenied, ev.Reason)}))
	}
}

func (c *Client) dispatch(ev models.ChangeEvent) {
	c.mu.Lock()
	set, ok := c.subs[ev.Topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	if wm, seen := c.watermarks[ev.Topic]; seen && ev.At.Before(wm) {
		subs := make([]*Subscription, 0, len(set))
		for s := range set {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		observability.IncFeedGap()
		c.log.Warn("out-of-order feed event dropped",
			zap.String("topic", string(ev.Topic)),
			zap.Time("at", ev.At),
			zap.Time("watermark", wm),
		)
		for _, s := range subs {
			c.triggerResync(s, ResyncGap)
		}
		return
	}
	c.watermarks[ev.Topic] = ev.At
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

func (c *Client) triggerResync(s *Subscription, reason ResyncReason) {
	if s.resync == nil {
		return
	}
	go func() {
		if s.isClosed() {
			return
		}
		s.resync(reason)
	}()
}
