package health

import (
	"sync"
	"time"
)

// State is the coarse cache health classification.
type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
)

// Status reports cache health for operators. Reads keep working in every
// state; degraded means the source is failing and values may be stale.
type Status struct {
	State     State
	Reason    string
	LastError error
}

// Tracker maintains sliding windows of upstream call outcomes plus a
// latched permanent error. It backs the cache health signal; it never
// gates reads.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	errorTimes   []time.Time
	permanent    error
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// RecordSuccess records a successful upstream operation (fetch completed,
// subscription event delivered).
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a failed upstream operation (fetch error, stream
// termination).
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// LatchPermanent records a permanent source error (auth/permission). The
// latch holds until ClearPermanent; transient successes do not clear it.
func (t *Tracker) LatchPermanent(err error) {
	t.mu.Lock()
	t.permanent = err
	t.mu.Unlock()
}

// ClearPermanent releases the permanent error latch.
func (t *Tracker) ClearPermanent() {
	t.mu.Lock()
	t.permanent = nil
	t.mu.Unlock()
}

// ErrorRate returns (errorCount, totalCount) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	errCount := countInWindow(t.errorTimes, cutoff)
	successCount := countInWindow(t.successTimes, cutoff)
	return errCount, errCount + successCount
}

// Status classifies health: degraded when a permanent error is latched or
// the windowed error rate is at or above thresholdPct (with at least one
// recorded outcome), ok otherwise.
func (t *Tracker) Status(window time.Duration, thresholdPct int) Status {
	t.mu.Lock()
	perm := t.permanent
	t.mu.Unlock()
	if perm != nil {
		return Status{State: StateDegraded, Reason: "permanent source error", LastError: perm}
	}
	errs, total := t.ErrorRate(window)
	if total > 0 && thresholdPct > 0 && errs*100 >= total*thresholdPct {
		return Status{State: StateDegraded, Reason: "source error rate"}
	}
	return Status{State: StateOK}
}

// Reset clears all recorded outcomes and the permanent latch. For tests only.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.successTimes = nil
	t.errorTimes = nil
	t.permanent = nil
	t.mu.Unlock()
}

// record appends the current timestamp and prunes entries older than 5 minutes.
func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked removes timestamps older than maxAge from both outcome slices.
// Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	maxAge := 5 * time.Minute
	cutoff := now.Add(-maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
}
