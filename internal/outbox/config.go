package outbox

import (
	"errors"
	"time"

	"github.com/lifestream-io/lifestream/internal/config"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxFailures  = 5

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Sentinel errors for forwarder configuration.
var (
	// ErrInvalidPollInterval is returned when the poll interval is not positive.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrInvalidMaxFailures is returned when the failure limit is not positive.
	ErrInvalidMaxFailures = errors.New("max failures must be positive")
)

// Config holds forwarder tuning with production-ready defaults.
//
// MaxFailures counts consecutive failed cycles before the forwarder gives up
// and exits for a supervisor restart; one success resets the count.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxFailures  int

	backoffBase time.Duration
	backoffCap  time.Duration
}

// LoadConfig loads forwarder configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		PollInterval: config.GetEnvDuration("LIFESTREAM_OUTBOX_POLL_INTERVAL", defaultPollInterval),
		BatchSize:    config.GetEnvInt("LIFESTREAM_OUTBOX_BATCH_SIZE", defaultBatchSize),
		MaxFailures:  config.GetEnvInt("LIFESTREAM_OUTBOX_MAX_FAILURES", defaultMaxFailures),
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
	}
}

// NewConfig creates a Config with default tuning. Used by tests and tools.
func NewConfig() *Config {
	return &Config{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		MaxFailures:  defaultMaxFailures,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
	}
}

// Validate checks if the forwarder configuration is valid.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.MaxFailures <= 0 {
		return ErrInvalidMaxFailures
	}

	return nil
}
