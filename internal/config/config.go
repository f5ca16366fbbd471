package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	UpstreamBaseURL string
	UpstreamAPIKey  string

	FetchTimeout     time.Duration
	FetchBackoffBase time.Duration
	FetchBackoffMax  time.Duration
	FetchMaxAttempts int

	SubscribeBackoffBase time.Duration
	SubscribeBackoffMax  time.Duration
	SubscribeMaxAttempts int

	RefreshInterval time.Duration

	HealthWindow   time.Duration
	HealthErrorPct int

	MirrorEnabled      bool
	MirrorAddrs        string
	MirrorTimeout      time.Duration
	MirrorMaxIdleConns int
	MirrorTTL          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	CityMinLength int
	CityMaxLength int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		URL                  string `yaml:"url"`
		FetchTimeout         string `yaml:"fetch_timeout"`
		FetchBackoffBase     string `yaml:"fetch_backoff_base"`
		FetchBackoffMax      string `yaml:"fetch_backoff_max"`
		FetchMaxAttempts     int    `yaml:"fetch_max_attempts"`
		SubscribeBackoffBase string `yaml:"subscribe_backoff_base"`
		SubscribeBackoffMax  string `yaml:"subscribe_backoff_max"`
		SubscribeMaxAttempts int    `yaml:"subscribe_max_attempts"`
		RefreshInterval      string `yaml:"refresh_interval"`
	} `yaml:"upstream"`

	Health struct {
		Window   string `yaml:"window"`
		ErrorPct int    `yaml:"error_pct"`
	} `yaml:"health"`

	Mirror struct {
		Enabled      bool   `yaml:"enabled"`
		Addrs        string `yaml:"addrs"`
		Timeout      string `yaml:"timeout"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		TTL          string `yaml:"ttl"`
	} `yaml:"mirror"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Validation struct {
		CityMinLength int `yaml:"city_min_length"`
		CityMaxLength int `yaml:"city_max_length"`
	} `yaml:"validation"`
}

type secretsFile struct {
	UpstreamAPIKey string `yaml:"upstream_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. The API key comes from UPSTREAM_API_KEY env or the
// secrets file; an empty key is allowed for sources without auth. Call
// from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.UpstreamBaseURL = strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = strings.TrimSpace(fc.Upstream.URL)
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("upstream.url required (or UPSTREAM_URL env)")
	}

	cfg.UpstreamAPIKey = os.Getenv("UPSTREAM_API_KEY")
	if cfg.UpstreamAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.UpstreamAPIKey = sec.UpstreamAPIKey
		}
	}

	cfg.FetchTimeout = parseDuration(fc.Upstream.FetchTimeout, 10*time.Second)
	cfg.FetchBackoffBase = parseDuration(fc.Upstream.FetchBackoffBase, time.Second)
	cfg.FetchBackoffMax = parseDuration(fc.Upstream.FetchBackoffMax, time.Minute)
	cfg.FetchMaxAttempts = fc.Upstream.FetchMaxAttempts
	if cfg.FetchMaxAttempts <= 0 {
		cfg.FetchMaxAttempts = 5
	}
	cfg.SubscribeBackoffBase = parseDuration(fc.Upstream.SubscribeBackoffBase, 500*time.Millisecond)
	cfg.SubscribeBackoffMax = parseDuration(fc.Upstream.SubscribeBackoffMax, 30*time.Second)
	cfg.SubscribeMaxAttempts = fc.Upstream.SubscribeMaxAttempts
	if cfg.SubscribeMaxAttempts < 0 {
		cfg.SubscribeMaxAttempts = 0
	}
	cfg.RefreshInterval = parseDurationOrZero(fc.Upstream.RefreshInterval, 5*time.Minute)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthErrorPct = fc.Health.ErrorPct
	if cfg.HealthErrorPct <= 0 {
		cfg.HealthErrorPct = 50
	}

	cfg.MirrorEnabled = fc.Mirror.Enabled
	cfg.MirrorAddrs = strings.TrimSpace(os.Getenv("MIRROR_ADDRS"))
	if cfg.MirrorAddrs == "" {
		cfg.MirrorAddrs = strings.TrimSpace(fc.Mirror.Addrs)
	}
	if cfg.MirrorAddrs == "" {
		cfg.MirrorAddrs = "localhost:11211"
	}
	cfg.MirrorTimeout = parseDuration(fc.Mirror.Timeout, 500*time.Millisecond)
	cfg.MirrorMaxIdleConns = fc.Mirror.MaxIdleConns
	if cfg.MirrorMaxIdleConns <= 0 {
		cfg.MirrorMaxIdleConns = 2
	}
	cfg.MirrorTTL = parseDuration(fc.Mirror.TTL, time.Hour)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.CityMinLength = fc.Validation.CityMinLength
	if cfg.CityMinLength <= 0 {
		cfg.CityMinLength = 1
	}
	cfg.CityMaxLength = fc.Validation.CityMaxLength
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = 100
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on
// empty string or parse error. Zero and negative results pass through so
// callers can treat them as "disabled".
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.FetchBackoffMax < cfg.FetchBackoffBase {
		return fmt.Errorf("upstream.fetch_backoff_max must be >= upstream.fetch_backoff_base")
	}
	if cfg.SubscribeBackoffMax < cfg.SubscribeBackoffBase {
		return fmt.Errorf("upstream.subscribe_backoff_max must be >= upstream.subscribe_backoff_base")
	}
	if cfg.CityMaxLength < cfg.CityMinLength {
		return fmt.Errorf("validation.city_max_length must be >= validation.city_min_length")
	}
	return nil
}
