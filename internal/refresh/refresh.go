// Package refresh schedules periodic reconciling snapshots so cached
// values stay reasonably fresh even when the stream never disconnects.
package refresh

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Refresher is the cache surface the job triggers. TriggerRefresh must be
// non-blocking.
type Refresher interface {
	TriggerRefresh()
}

// Job periodically asks the cache for a reconciling snapshot.
type Job struct {
	scheduler *gocron.Scheduler
	target    Refresher
	interval  time.Duration
	logger    *zap.Logger
}

// New creates a Job. logger may be nil.
func New(target Refresher, interval time.Duration, logger *zap.Logger) *Job {
	return &Job{
		scheduler: gocron.NewScheduler(time.UTC),
		target:    target,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the refresh job and starts the scheduler. A zero or
// negative interval disables refresh.
func (j *Job) Start() error {
	if j.interval <= 0 {
		if j.logger != nil {
			j.logger.Info("periodic refresh disabled")
		}
		return nil
	}
	seconds := int(j.interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	_, err := j.scheduler.Every(seconds).Seconds().Do(func() {
		if j.logger != nil {
			j.logger.Debug("requesting periodic refresh")
		}
		j.target.TriggerRefresh()
	})
	if err != nil {
		return err
	}
	j.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future runs.
func (j *Job) Stop() {
	if j.scheduler != nil {
		j.scheduler.Stop()
	}
}
