package reconcile

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/models"
	"github.com/avolkov/citytemp/internal/observability"
	"github.com/avolkov/citytemp/internal/store"
	"github.com/avolkov/citytemp/internal/validation"
)

// City key bounds for the malformed-fact gate. Facts outside these bounds
// are dropped without touching the store.
const (
	cityMinLen = 1
	cityMaxLen = 100
)

// Reconciler merges facts from the change stream and snapshot calls into
// the store. It is the only writer; callers must invoke ApplyEvent and
// ApplySnapshot from a single goroutine. CurrentEpoch is safe to read from
// any goroutine.
//
// Precedence: every accepted fact takes the next epoch from one counter
// shared across both channels, so stream events always overwrite. Snapshot
// values for a city are discarded when a streamed value for that city was
// accepted while the snapshot call was in flight — the stream only emits
// on an actual change, so its value is definitionally fresher than a
// snapshot whose read instant is unknown.
type Reconciler struct {
	store    *store.Store
	epoch    atomic.Uint64
	logger   *zap.Logger
	onAccept func(city string, rec models.Record)
}

// New creates a Reconciler writing to st. logger may be nil. onAccept,
// when non-nil, is called after each accepted fact (used for the mirror);
// it must not block.
func New(st *store.Store, logger *zap.Logger, onAccept func(city string, rec models.Record)) *Reconciler {
	return &Reconciler{
		store:    st,
		logger:   logger,
		onAccept: onAccept,
	}
}

// CurrentEpoch returns the epoch of the most recently accepted fact.
// Snapshot callers record this before starting a fetch so ApplySnapshot
// can detect streamed values accepted during the flight.
func (r *Reconciler) CurrentEpoch() uint64 {
	return r.epoch.Load()
}

// ApplyEvent reconciles one change-stream fact. Stream events always win:
// each represents a strictly newer observed state for its city.
func (r *Reconciler) ApplyEvent(f models.Fact) {
	city, err := validation.ValidateCity(f.City, cityMinLen, cityMaxLen)
	if err != nil {
		observability.FactsDiscardedTotal.WithLabelValues("malformed").Inc()
		if r.logger != nil {
			r.logger.Warn("dropping malformed stream fact", zap.String("city", f.City), zap.Error(err))
		}
		return
	}
	rec := models.Record{
		Temperature: f.Temperature,
		Epoch:       r.epoch.Add(1),
		Source:      models.SourceSubscribe,
	}
	r.store.Write(city, rec)
	observability.FactsAppliedTotal.WithLabelValues(models.SourceSubscribe.String()).Inc()
	if r.onAccept != nil {
		r.onAccept(city, rec)
	}
}

// ApplySnapshot reconciles a full fetch result as one atomic batch.
// startedAt is the epoch observed immediately before the fetch call was
// issued. A snapshot value is skipped when the stored record is
// subscribe-sourced and newer than startedAt, meaning the stream already
// reported a change during the snapshot's flight.
func (r *Reconciler) ApplySnapshot(snapshot map[string]float64, startedAt uint64) {
	batch := make(map[string]models.Record, len(snapshot))
	for rawCity, temp := range snapshot {
		city, err := validation.ValidateCity(rawCity, cityMinLen, cityMaxLen)
		if err != nil {
			observability.FactsDiscardedTotal.WithLabelValues("malformed").Inc()
			if r.logger != nil {
				r.logger.Warn("dropping malformed snapshot fact", zap.String("city", rawCity), zap.Error(err))
			}
			continue
		}
		if existing, ok := r.store.Read(city); ok &&
			existing.Source == models.SourceSubscribe && existing.Epoch > startedAt {
			observability.FactsDiscardedTotal.WithLabelValues("superseded").Inc()
			if r.logger != nil {
				r.logger.Debug("snapshot value superseded by stream",
					zap.String("city", city),
					zap.Uint64("streamEpoch", existing.Epoch),
					zap.Uint64("fetchStartedAt", startedAt))
			}
			continue
		}
		batch[city] = models.Record{
			Temperature: temp,
			Epoch:       r.epoch.Add(1),
			Source:      models.SourceFetch,
		}
	}
	r.store.Apply(batch)
	observability.FactsAppliedTotal.WithLabelValues(models.SourceFetch.String()).Add(float64(len(batch)))
	if r.onAccept != nil {
		for city, rec := range batch {
			r.onAccept(city, rec)
		}
	}
	if r.logger != nil {
		r.logger.Debug("snapshot reconciled",
			zap.Int("cities", len(snapshot)),
			zap.Int("applied", len(batch)))
	}
}
