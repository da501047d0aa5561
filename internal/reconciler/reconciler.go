// Package reconciler relays outbox entries to the broker.
//
// Two triggers discover pending entries: a fixed-interval poll and the store's
// change feed. Both race through Store.Claim, so whichever wins the
// conditional update publishes the entry and the other moves on. A third loop
// returns entries whose claim lease expired to pending so failed deliveries
// are retried.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/richardliu001/warehouse-outbox/internal/model"
	"github.com/richardliu001/warehouse-outbox/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender publishes one key/payload pair, retrying internally.
type Sender interface {
	SendWithRetry(ctx context.Context, key, payload []byte) error
}

type Reconciler struct {
	store  repo.Store
	sender Sender
	log    *zap.SugaredLogger

	pollInterval     time.Duration
	leaseTimeout     time.Duration
	batchSize        int
	resubscribeDelay time.Duration
	now              func() time.Time
}

func New(store repo.Store, sender Sender, cfg config.ReconcilerConfig, logger *zap.SugaredLogger) *Reconciler {
	r := &Reconciler{
		store:            store,
		sender:           sender,
		log:              logger,
		pollInterval:     cfg.PollInterval,
		leaseTimeout:     cfg.LeaseTimeout,
		batchSize:        cfg.BatchSize,
		resubscribeDelay: cfg.ResubscribeDelay,
		now:              func() time.Time { return time.Now().UTC() },
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 10 * time.Second
	}
	if r.resubscribeDelay <= 0 {
		r.resubscribeDelay = 5 * time.Second
	}
	return r
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pollLoop(ctx) })
	g.Go(func() error { return r.changeFeedLoop(ctx) })
	if r.leaseTimeout > 0 {
		g.Go(func() error { return r.leaseLoop(ctx) })
	} else {
		r.log.Warn("claim lease disabled: entries that fail to publish stay in processing")
	}
	return g.Wait()
}

func (r *Reconciler) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil {
			r.log.Errorf("fetch pending entries: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one poll cycle and returns the number of entries published.
func (r *Reconciler) PollOnce(ctx context.Context) (int, error) {
	entries, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if r.process(ctx, e.ID) {
			sent++
		}
	}
	return sent, nil
}

func (r *Reconciler) changeFeedLoop(ctx context.Context) error {
	for {
		feed, err := r.store.Watch(ctx)
		switch {
		case errors.Is(err, repo.ErrChangeFeedUnavailable):
			r.log.Warn("store has no change feed, relying on polling")
			return nil
		case err != nil:
			r.log.Errorf("open change feed: %v", err)
		default:
			r.log.Info("change feed opened")
			for e := range feed {
				r.HandleChange(ctx, e)
			}
			if ctx.Err() == nil {
				r.log.Warn("change feed closed")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.resubscribeDelay):
		}
	}
}

// HandleChange reacts to one change notification. It reports whether the
// entry was published by this call.
func (r *Reconciler) HandleChange(ctx context.Context, e model.OutboxEntry) bool {
	if e.Status != model.StatusPending {
		return false
	}
	return r.process(ctx, e.ID)
}

func (r *Reconciler) leaseLoop(ctx context.Context) error {
	every := r.leaseTimeout / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RequeueOnce(ctx); err != nil {
			r.log.Errorf("requeue expired claims: %v", err)
		}
	}
}

// RequeueOnce returns processing entries whose lease expired to pending.
func (r *Reconciler) RequeueOnce(ctx context.Context) (int64, error) {
	if r.leaseTimeout <= 0 {
		return 0, nil
	}
	n, err := r.store.RequeueExpired(ctx, r.now().Add(-r.leaseTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Warnf("requeued %d entries with expired claims", n)
	}
	return n, nil
}

// process claims one entry and drives it through the producer. Losing the
// claim is not an error.
func (r *Reconciler) process(ctx context.Context, id string) bool {
	entry, err := r.store.Claim(ctx, id)
	if err != nil {
		r.log.Errorf("claim id=%s: %v", id, err)
		return false
	}
	if entry == nil {
		return false
	}

	key := strconv.FormatUint(entry.OwnerID, 10)
	if err := r.sender.SendWithRetry(ctx, []byte(key), []byte(entry.Payload)); err != nil {
		r.log.Errorf("publish id=%s attempt=%d: %v", entry.ID, entry.Attempts, err)
		return false
	}
	if err := r.store.MarkSent(ctx, entry.ID); err != nil {
		r.log.Errorf("mark sent id=%s: %v", entry.ID, err)
		return true
	}
	r.log.Infof("entry %s sent key=%s", entry.ID, key)
	return true
}
