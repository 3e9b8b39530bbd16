package outbox

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultPollInterval           = 10 * time.Second
	defaultBatchSize              = 100
	defaultLeaseDuration          = 30 * time.Second
	defaultTransientErrorInterval = 5 * time.Second
	defaultLeaseReleaseInterval   = 1 * time.Minute
	defaultPublishTimeout         = 5 * time.Second
	defaultClaimTimeout           = 5 * time.Second
	defaultUpdateTimeout          = 5 * time.Second
)

// Config carries the dispatcher tuning knobs that deployments set through the
// environment. Zero values fall back to defaults when applied.
type Config struct {
	// PollInterval is the time between dispatch cycles.
	PollInterval time.Duration

	// BatchSize caps how many records one cycle claims.
	BatchSize int

	// LeaseDuration is the exclusive claim window per record.
	LeaseDuration time.Duration

	// MaxAttempts is the attempt count at which records become exhausted.
	MaxAttempts int32

	// BaseDelay and MaxDelay parameterize the jittered exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// TransientErrorInterval is the pause after a cycle aborted by a store error.
	TransientErrorInterval time.Duration

	// LeaseReleaseInterval is the cadence of expired-lease housekeeping.
	LeaseReleaseInterval time.Duration

	// PublishTimeout bounds a single broker send.
	PublishTimeout time.Duration
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:           defaultPollInterval,
		BatchSize:              defaultBatchSize,
		LeaseDuration:          defaultLeaseDuration,
		MaxAttempts:            defaultMaxAttempts,
		BaseDelay:              defaultBaseDelay,
		MaxDelay:               defaultMaxDelay,
		TransientErrorInterval: defaultTransientErrorInterval,
		LeaseReleaseInterval:   defaultLeaseReleaseInterval,
		PublishTimeout:         defaultPublishTimeout,
	}
}

// ConfigFromEnv reads configuration from environment variables named
// <prefix>_POLL_INTERVAL, <prefix>_BATCH_SIZE, <prefix>_LEASE_DURATION,
// <prefix>_MAX_ATTEMPTS, <prefix>_BASE_DELAY, <prefix>_MAX_DELAY,
// <prefix>_TRANSIENT_ERROR_INTERVAL, <prefix>_LEASE_RELEASE_INTERVAL and
// <prefix>_PUBLISH_TIMEOUT. Durations use Go duration syntax ("500ms", "1m").
// Unset variables keep their defaults; unparsable values are an error.
func ConfigFromEnv(prefix string) (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.PollInterval, err = envDuration(prefix+"_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt(prefix+"_BATCH_SIZE", cfg.BatchSize); err != nil {
		return Config{}, err
	}
	if cfg.LeaseDuration, err = envDuration(prefix+"_LEASE_DURATION", cfg.LeaseDuration); err != nil {
		return Config{}, err
	}
	maxAttempts, err := envInt(prefix+"_MAX_ATTEMPTS", int(cfg.MaxAttempts))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAttempts = int32(maxAttempts)
	if cfg.BaseDelay, err = envDuration(prefix+"_BASE_DELAY", cfg.BaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxDelay, err = envDuration(prefix+"_MAX_DELAY", cfg.MaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.TransientErrorInterval, err = envDuration(prefix+"_TRANSIENT_ERROR_INTERVAL", cfg.TransientErrorInterval); err != nil {
		return Config{}, err
	}
	if cfg.LeaseReleaseInterval, err = envDuration(prefix+"_LEASE_RELEASE_INTERVAL", cfg.LeaseReleaseInterval); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout, err = envDuration(prefix+"_PUBLISH_TIMEOUT", cfg.PublishTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	defaults := DefaultConfig()

	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaults.LeaseDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.TransientErrorInterval <= 0 {
		c.TransientErrorInterval = defaults.TransientErrorInterval
	}
	if c.LeaseReleaseInterval <= 0 {
		c.LeaseReleaseInterval = defaults.LeaseReleaseInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaults.PublishTimeout
	}
}

func (c Config) retryPolicy() RetryPolicy {
	return RetryPolicy{
		Delay:       FullJitter(Exponential(c.BaseDelay, c.MaxDelay)),
		MaxAttempts: c.MaxAttempts,
	}
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return n, nil
}
