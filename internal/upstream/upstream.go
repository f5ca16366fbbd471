// Package upstream defines the data source consumed by the cache: a slow
// full-snapshot call and a cheap change stream. The cache only depends on
// the Source interface; HTTPSource is the production implementation.
package upstream

import (
	"context"
	"errors"

	"github.com/avolkov/citytemp/internal/models"
)

// ErrPermanent marks source failures that retrying will not fix
// (authentication, permission). The supervisor surfaces these as a health
// signal instead of hammering the source.
var ErrPermanent = errors.New("permanent source error")

// ErrUpstream marks transient upstream failures (5xx, connection errors).
var ErrUpstream = errors.New("upstream failure")

// ErrRateLimited marks 429 responses from the source.
var ErrRateLimited = errors.New("rate limited")

// Source is the upstream temperature feed.
type Source interface {
	// Fetch returns a full snapshot of all tracked cities. Slow, may fail,
	// safe to call repeatedly.
	Fetch(ctx context.Context) (map[string]float64, error)

	// Subscribe opens a change stream. The returned subscription delivers
	// only deltas and terminates to signal disconnection; callers
	// resubscribe to recover.
	Subscribe(ctx context.Context) (*Subscription, error)
}

// Subscription is one live run of the change stream.
type Subscription struct {
	events <-chan models.Fact
	done   chan struct{}
	err    error
	stop   func()
}

// Events returns the delta channel. It is closed when the session terminates.
func (s *Subscription) Events() <-chan models.Fact {
	return s.events
}

// Done is closed when the session has terminated, normally or with an error.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the termination cause. Valid only after Done is closed; nil
// means the stream ended cleanly.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close releases the session. Safe to call more than once.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// NewSubscription builds a Subscription over a producer-owned event
// channel. The producer calls finish exactly once with the termination
// cause; stop asks the producer to shut down. Used by HTTPSource and by
// test fakes.
func NewSubscription(events <-chan models.Fact, stop func()) (*Subscription, func(err error)) {
	s := &Subscription{
		events: events,
		done:   make(chan struct{}),
		stop:   stop,
	}
	finish := func(err error) {
		s.err = err
		close(s.done)
	}
	return s, finish
}
