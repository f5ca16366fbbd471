package citytemp

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/citytemp/internal/supervisor"
)

const (
	defaultHealthWindow   = time.Minute
	defaultHealthErrorPct = 50
)

type config struct {
	logger         *zap.Logger
	supervisor     supervisor.Config
	healthWindow   time.Duration
	healthErrorPct int

	mirrorEnabled bool
	mirrorAddrs   string
	mirrorTimeout time.Duration
	mirrorMaxIdle int
	mirrorTTL     time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		healthWindow:   defaultHealthWindow,
		healthErrorPct: defaultHealthErrorPct,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithLogger sets the logger used by the cache and its background loop.
// Without it the cache runs silently.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = l
		return nil
	}
}

// WithSubscribeBackoff sets the resubscribe backoff bounds. Attempts grow
// exponentially from initial to max with 10% jitter.
//
// Defaults are 500ms and 30s.
func WithSubscribeBackoff(initial, max time.Duration) Option {
	return func(cfg *config) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("invalid subscribe backoff bounds %s..%s", initial, max)
		}
		cfg.supervisor.SubscribeBackoffInitial = initial
		cfg.supervisor.SubscribeBackoffMax = max
		return nil
	}
}

// WithSubscribeMaxAttempts caps consecutive failed resubscribe attempts
// before the cache gives up and reports itself degraded. 0 retries forever.
//
// Default is 0.
func WithSubscribeMaxAttempts(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return fmt.Errorf("negative attempt cap %d", n)
		}
		cfg.supervisor.SubscribeMaxAttempts = n
		return nil
	}
}

// WithFetchBackoff sets the snapshot retry backoff bounds.
//
// Defaults are 1s and 1m.
func WithFetchBackoff(initial, max time.Duration) Option {
	return func(cfg *config) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("invalid fetch backoff bounds %s..%s", initial, max)
		}
		cfg.supervisor.FetchBackoffInitial = initial
		cfg.supervisor.FetchBackoffMax = max
		return nil
	}
}

// WithFetchMaxAttempts caps attempts per snapshot cycle. The next repair
// point or refresh starts a new cycle.
//
// Default is 5.
func WithFetchMaxAttempts(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("attempt cap must be positive, got %d", n)
		}
		cfg.supervisor.FetchMaxAttempts = n
		return nil
	}
}

// WithFetchTimeout bounds one snapshot attempt.
//
// Default is 10s.
func WithFetchTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("fetch timeout must be positive, got %s", d)
		}
		cfg.supervisor.FetchTimeout = d
		return nil
	}
}

// WithHealthThreshold configures the degraded classification: the cache
// reports degraded when the source error rate within window reaches
// thresholdPct.
//
// Defaults are 1m and 50.
func WithHealthThreshold(window time.Duration, thresholdPct int) Option {
	return func(cfg *config) error {
		if window <= 0 || thresholdPct <= 0 || thresholdPct > 100 {
			return fmt.Errorf("invalid health threshold %s/%d%%", window, thresholdPct)
		}
		cfg.healthWindow = window
		cfg.healthErrorPct = thresholdPct
		return nil
	}
}

// WithMemcachedMirror publishes every accepted record to memcached,
// asynchronously and best-effort, so sibling processes can read the
// latest values. addrs is a comma-separated server list. ttl zero means
// one hour. The mirror is never read on the Get path.
func WithMemcachedMirror(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) Option {
	return func(cfg *config) error {
		cfg.mirrorEnabled = true
		cfg.mirrorAddrs = addrs
		cfg.mirrorTimeout = timeout
		cfg.mirrorMaxIdle = maxIdleConns
		cfg.mirrorTTL = ttl
		return nil
	}
}
