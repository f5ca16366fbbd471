// Package supervisor keeps exactly one subscription session alive and
// keeps snapshots reasonably fresh. All reconciliation runs on the
// supervisor goroutine, so the store has a single logical writer and the
// precedence policy is the only ordering concern.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/health"
	"github.com/avolkov/citytemp/internal/observability"
	"github.com/avolkov/citytemp/internal/reconcile"
	"github.com/avolkov/citytemp/internal/upstream"
)

// Config holds the recovery knobs. Zero values take defaults.
type Config struct {
	// Resubscribe backoff bounds. Attempts grow exponentially from Initial
	// to Max with 10% jitter.
	SubscribeBackoffInitial time.Duration
	SubscribeBackoffMax     time.Duration
	// SubscribeMaxAttempts caps consecutive failed resubscribe attempts
	// before the supervisor gives up and latches a degraded health signal.
	// 0 means retry forever.
	SubscribeMaxAttempts int

	// Snapshot retry backoff bounds and attempt cap per fetch cycle.
	FetchBackoffInitial time.Duration
	FetchBackoffMax     time.Duration
	FetchMaxAttempts    int

	// FetchTimeout bounds one snapshot attempt.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscribeBackoffInitial <= 0 {
		c.SubscribeBackoffInitial = 500 * time.Millisecond
	}
	if c.SubscribeBackoffMax <= 0 {
		c.SubscribeBackoffMax = 30 * time.Second
	}
	if c.FetchBackoffInitial <= 0 {
		c.FetchBackoffInitial = time.Second
	}
	if c.FetchBackoffMax <= 0 {
		c.FetchBackoffMax = time.Minute
	}
	if c.FetchMaxAttempts <= 0 {
		c.FetchMaxAttempts = 5
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// snapshotResult carries a completed fetch back to the supervisor
// goroutine. startedAt is the reconciler epoch observed immediately before
// the successful attempt was issued.
type snapshotResult struct {
	data      map[string]float64
	startedAt uint64
}

// Loop drives the subscription session and fetch cycles. Create with New,
// then call Run from a single goroutine.
type Loop struct {
	source    upstream.Source
	rec       *reconcile.Reconciler
	tracker   *health.Tracker
	cfg       Config
	logger    *zap.Logger
	snapshots chan snapshotResult
	refreshCh chan struct{}
	fetching  chan struct{}
	pending   atomic.Bool
}

// New creates a Loop. logger may be nil.
func New(source upstream.Source, rec *reconcile.Reconciler, tracker *health.Tracker, cfg Config, logger *zap.Logger) *Loop {
	return &Loop{
		source:    source,
		rec:       rec,
		tracker:   tracker,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		snapshots: make(chan snapshotResult, 1),
		refreshCh: make(chan struct{}, 1),
		fetching:  make(chan struct{}, 1),
	}
}

// TriggerRefresh requests a reconciling snapshot outside the normal
// repair points. Non-blocking; coalesces with an already-pending request.
func (l *Loop) TriggerRefresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

// Run keeps one subscription alive until ctx is canceled. Each successful
// (re)subscription is followed by a snapshot: the initial one populates the
// cache, later ones repair whatever the stream missed during the outage.
// The subscription is opened first so changes occurring during the slow
// snapshot land on the stream instead of being lost.
func (l *Loop) Run(ctx context.Context) {
	defer observability.SubscribeSessionActive.Set(0)

	attempt := 0
	backoff := l.cfg.SubscribeBackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := l.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.tracker.RecordError()
			if errors.Is(err, upstream.ErrPermanent) {
				// Credentials may be rotated out from under us and fixed
				// later; keep probing at the slowest cadence.
				l.tracker.LatchPermanent(err)
				if l.logger != nil {
					l.logger.Error("permanent subscribe failure", zap.Error(err))
				}
				if !l.sleep(ctx, l.cfg.SubscribeBackoffMax) {
					return
				}
				continue
			}
			attempt++
			observability.ResubscribeRetriesTotal.Inc()
			if l.cfg.SubscribeMaxAttempts > 0 && attempt >= l.cfg.SubscribeMaxAttempts {
				l.tracker.LatchPermanent(fmt.Errorf("resubscribe attempts exhausted: %w", err))
				if l.logger != nil {
					l.logger.Error("giving up on resubscription", zap.Int("attempts", attempt), zap.Error(err))
				}
				return
			}
			if l.logger != nil {
				l.logger.Warn("subscribe failed, backing off",
					zap.Int("attempt", attempt),
					zap.Duration("backoff", backoff),
					zap.Error(err))
			}
			if !l.sleep(ctx, jittered(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.SubscribeBackoffMax)
			continue
		}

		attempt = 0
		backoff = l.cfg.SubscribeBackoffInitial
		sessionID := uuid.New().String()
		observability.SubscribeSessionsTotal.Inc()
		observability.SubscribeSessionActive.Set(1)
		l.tracker.ClearPermanent()
		if l.logger != nil {
			l.logger.Info("subscription session active", zap.String("sessionId", sessionID))
		}

		// Session is live; now reconcile the gap (or do the initial load).
		l.startFetch(ctx)

		termErr := l.consume(ctx, sub)
		sub.Close()
		observability.SubscribeSessionActive.Set(0)
		if ctx.Err() != nil {
			return
		}
		l.tracker.RecordError()
		if l.logger != nil {
			l.logger.Warn("subscription session terminated",
				zap.String("sessionId", sessionID),
				zap.Error(termErr))
		}
	}
}

// consume applies stream events and completed snapshots until the session
// terminates or ctx is canceled. Returns the session termination cause.
func (l *Loop) consume(ctx context.Context, sub *upstream.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fact, ok := <-sub.Events():
			if !ok {
				<-sub.Done()
				return sub.Err()
			}
			observability.SubscribeEventsTotal.Inc()
			l.tracker.RecordSuccess()
			l.rec.ApplyEvent(fact)
		case snap := <-l.snapshots:
			l.rec.ApplySnapshot(snap.data, snap.startedAt)
		case <-l.refreshCh:
			l.startFetch(ctx)
		}
	}
}

// sleep waits for d while still applying completed snapshots and honoring
// refresh requests, so a fetch finishing during an outage is not stranded.
// Returns false when ctx was canceled.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case snap := <-l.snapshots:
			l.rec.ApplySnapshot(snap.data, snap.startedAt)
		case <-l.refreshCh:
			l.startFetch(ctx)
		}
	}
}

// startFetch launches one snapshot cycle unless one is already in flight,
// in which case another cycle is queued behind it. A snapshot begun before
// an outage cannot repair it, so a repair request must never be dropped.
// The cycle retries on its own backoff and delivers the result to the
// supervisor goroutine; a fetch failure never tears down the session.
func (l *Loop) startFetch(ctx context.Context) {
	select {
	case l.fetching <- struct{}{}:
	default:
		l.pending.Store(true)
		return
	}
	go func() {
		for {
			data, startedAt, err := l.fetchWithRetry(ctx)
			if err == nil {
				select {
				case l.snapshots <- snapshotResult{data: data, startedAt: startedAt}:
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil || !l.pending.Swap(false) {
				break
			}
		}
		<-l.fetching
		if l.pending.Load() {
			l.startFetch(ctx)
		}
	}()
}

// fetchWithRetry runs one snapshot cycle. The returned startedAt is the
// epoch observed just before the successful attempt, so the reconciler can
// spot streamed facts accepted during the flight.
func (l *Loop) fetchWithRetry(ctx context.Context) (map[string]float64, uint64, error) {
	backoff := l.cfg.FetchBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= l.cfg.FetchMaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(jittered(backoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, 0, ctx.Err()
			case <-timer.C:
			}
			backoff = nextBackoff(backoff, l.cfg.FetchBackoffMax)
		}

		startedAt := l.rec.CurrentEpoch()
		fetchCtx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
		data, err := l.source.Fetch(fetchCtx)
		cancel()
		if err == nil {
			l.tracker.RecordSuccess()
			return data, startedAt, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		l.tracker.RecordError()
		lastErr = err
		if errors.Is(err, upstream.ErrPermanent) {
			l.tracker.LatchPermanent(err)
			if l.logger != nil {
				l.logger.Error("permanent fetch failure", zap.Error(err))
			}
			return nil, 0, err
		}
		if l.logger != nil {
			l.logger.Warn("fetch failed",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}
	}
	if l.logger != nil {
		l.logger.Error("fetch retries exhausted", zap.Error(lastErr))
	}
	return nil, 0, fmt.Errorf("exhausted fetch retries: %w", lastErr)
}

func jittered(d time.Duration) time.Duration {
	return d + time.Duration(float64(d)*0.1*rand.Float64())
}

func nextBackoff(d, max time.Duration) time.Duration {
	next := time.Duration(math.Min(float64(d)*2, float64(max)))
	if next <= 0 {
		return max
	}
	return next
}
