package citytemp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/health"
	"github.com/avolkov/citytemp/internal/mirror"
	"github.com/avolkov/citytemp/internal/models"
	"github.com/avolkov/citytemp/internal/observability"
	"github.com/avolkov/citytemp/internal/reconcile"
	"github.com/avolkov/citytemp/internal/store"
	"github.com/avolkov/citytemp/internal/supervisor"
	"github.com/avolkov/citytemp/internal/upstream"
)

// Source is the upstream temperature feed the cache consumes. See
// NewHTTPSource for the production implementation; tests supply fakes.
type Source = upstream.Source

// Subscription is one live run of the change stream.
type Subscription = upstream.Subscription

// Fact is a single observed (city, temperature) data point.
type Fact = models.Fact

// Record is the stored best-known temperature for a city.
type Record = models.Record

// HealthStatus reports cache health for operators.
type HealthStatus = health.Status

// NewSubscription builds a Subscription over a producer-owned event
// channel. Intended for Source implementations and test fakes; see the
// upstream HTTP source for usage.
func NewSubscription(events <-chan Fact, stop func()) (*Subscription, func(err error)) {
	return upstream.NewSubscription(events, stop)
}

// NewHTTPSource creates the production Source over the upstream HTTP API.
func NewHTTPSource(baseURL, apiKey string, fetchTimeout time.Duration, logger *zap.Logger) (Source, error) {
	return upstream.NewHTTPSource(baseURL, apiKey, fetchTimeout, logger)
}

// Cache is the consumer-facing handle. Construct with New, call Start to
// begin reconciling, and Close on shutdown. Get is safe for arbitrarily
// many concurrent callers and never blocks on network I/O.
type Cache struct {
	store   *store.Store
	tracker *health.Tracker
	sup     *supervisor.Loop
	mir     *mirror.Mirror

	healthWindow   time.Duration
	healthErrorPct int

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Cache over source. The cache is inert until Start.
func New(source Source, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	cfg, err := getOpts(opts)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:          store.New(),
		tracker:        health.New(),
		healthWindow:   cfg.healthWindow,
		healthErrorPct: cfg.healthErrorPct,
		done:           make(chan struct{}),
	}

	var onAccept func(city string, rec models.Record)
	if cfg.mirrorEnabled {
		c.mir = mirror.New(cfg.mirrorAddrs, cfg.mirrorTimeout, cfg.mirrorMaxIdle, cfg.mirrorTTL, cfg.logger)
		onAccept = c.mir.Publish
	}

	rec := reconcile.New(c.store, cfg.logger, onAccept)
	c.sup = supervisor.New(source, rec, c.tracker, cfg.supervisor, cfg.logger)
	return c, nil
}

// Start launches the background reconciliation loop. The loop opens the
// subscription before issuing the initial snapshot and runs until ctx is
// canceled or Close is called. Calling Start more than once is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go func() {
			defer close(c.done)
			c.sup.Run(runCtx)
		}()
	})
}

// Get returns the current temperature for city, or false if the city was
// never observed. It only takes the store's brief read section.
func (c *Cache) Get(city string) (float64, bool) {
	rec, ok := c.store.Read(city)
	if !ok {
		observability.CacheReadsTotal.WithLabelValues("miss").Inc()
		return 0, false
	}
	observability.CacheReadsTotal.WithLabelValues("hit").Inc()
	return rec.Temperature, true
}

// GetRecord returns the full Record for city, including its epoch and the
// channel that produced it.
func (c *Cache) GetRecord(city string) (Record, bool) {
	return c.store.Read(city)
}

// Len returns the number of tracked cities.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Health classifies the cache's relationship with its source. Reads keep
// working in every state; degraded means values may be going stale.
func (c *Cache) Health() HealthStatus {
	return c.tracker.Status(c.healthWindow, c.healthErrorPct)
}

// TriggerRefresh requests a reconciling snapshot outside the normal repair
// points. Non-blocking.
func (c *Cache) TriggerRefresh() {
	c.sup.TriggerRefresh()
}

// MirrorPing returns a reachability probe for the configured mirror, or
// nil when no mirror is configured. Used by the daemon health endpoint.
func (c *Cache) MirrorPing() func() error {
	if c.mir == nil {
		return nil
	}
	return c.mir.Ping
}

// Close stops the background loop, waits for it to finish, and releases
// the mirror. In-flight store writes complete before Close returns.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		if c.mir != nil {
			err = c.mir.Close()
		}
	})
	return err
}
