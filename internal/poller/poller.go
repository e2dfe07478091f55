// Package poller periodically re-fetches the authoritative unread aggregate.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inbox-service/internal/logger"
	"inbox-service/internal/store"
)

const DefaultInterval = 30 * time.Second

// Source returns the authoritative unread aggregate.
type Source interface {
	UnreadAggregate(ctx context.Context, userID string) (int, error)
}

// Reconciler accepts the authoritative aggregate.
type Reconciler interface {
	Reconcile(userID string, authoritative int)
}

type Poller struct {
	userID   string
	source   Source
	target   Reconciler
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(userID string, source Source, target Reconciler, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		userID:   userID,
		source:   source,
		target:   target,
		interval: interval,
		log:      logger.ForUser(logger.OrNop(log), userID),
	}
}

// Start launches the polling loop. Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop cancels the loop and waits for it to exit. No Reconcile call happens after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Poll runs a single fetch-and-reconcile.
func (p *Poller) Poll(ctx context.Context) error {
	n, err := p.source.UnreadAggregate(ctx, p.userID)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.target.Reconcile(p.userID, n)
	return nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.Poll(ctx)
			switch {
			case err == nil || ctx.Err() != nil:
			case store.IsRetryable(err):
				p.log.Debug("unread poll failed, retrying next tick", zap.Error(err))
			default:
				p.log.Warn("unread poll failed", zap.Error(err))
			}
		}
	}
}
