// Package mirror publishes accepted records to memcached so sibling
// processes can read the latest values. Publishing is asynchronous and
// best-effort: the reconcile path never waits on the network, and a full
// queue drops records rather than applying backpressure.
package mirror

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/models"
	"github.com/avolkov/citytemp/internal/observability"
)

const keyPrefix = "citytemp:"

// entry is the value stored per city.
type entry struct {
	Temperature float64 `json:"temperature"`
	Epoch       uint64  `json:"epoch"`
	UpdatedAt   string  `json:"updatedAt"`
}

// Mirror writes accepted records to memcached from a single worker
// goroutine fed by a bounded queue.
type Mirror struct {
	client *memcache.Client
	ttl    time.Duration
	logger *zap.Logger

	queue chan queued
	once  sync.Once
	wg    sync.WaitGroup
}

type queued struct {
	city string
	rec  models.Record
}

// New creates a Mirror and starts its worker. addrs is a comma-separated
// server list. timeout and maxIdleConns configure the client; both use
// package defaults if zero. ttl bounds how long mirrored values live;
// zero means one hour. logger may be nil.
func New(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration, logger *zap.Logger) *Mirror {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &Mirror{
		client: client,
		ttl:    ttl,
		logger: logger,
		queue:  make(chan queued, 1024),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Publish enqueues a record for mirroring. Never blocks; drops and counts
// when the queue is full.
func (m *Mirror) Publish(city string, rec models.Record) {
	select {
	case m.queue <- queued{city: city, rec: rec}:
	default:
		observability.MirrorPublishTotal.WithLabelValues("dropped").Inc()
	}
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *Mirror) Ping() error {
	return m.client.Ping()
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (m *Mirror) Close() error {
	m.once.Do(func() {
		close(m.queue)
	})
	m.wg.Wait()
	return m.client.Close()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for q := range m.queue {
		if err := m.set(q.city, q.rec); err != nil {
			observability.MirrorPublishTotal.WithLabelValues("error").Inc()
			if m.logger != nil {
				m.logger.Debug("mirror publish failed", zap.String("city", q.city), zap.Error(err))
			}
			continue
		}
		observability.MirrorPublishTotal.WithLabelValues("success").Inc()
	}
}

func (m *Mirror) set(city string, rec models.Record) error {
	raw, err := json.Marshal(entry{
		Temperature: rec.Temperature,
		Epoch:       rec.Epoch,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	expSec := int32(m.ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return m.client.Set(&memcache.Item{
		Key:        Key(city),
		Value:      raw,
		Expiration: expSec,
	})
}

// Key returns the memcached key for a city.
func Key(city string) string {
	return keyPrefix + city
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
