package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name: "loads config with all environment variables set",
			envVars: map[string]string{
				"LIFESTREAM_OUTBOX_POLL_INTERVAL": "250ms",
				"LIFESTREAM_OUTBOX_BATCH_SIZE":    "50",
				"LIFESTREAM_OUTBOX_MAX_FAILURES":  "10",
			},
			expected: &Config{
				PollInterval: 250 * time.Millisecond,
				BatchSize:    50,
				MaxFailures:  10,
			},
		},
		{
			name:    "loads config with defaults when environment variables not set",
			envVars: map[string]string{},
			expected: &Config{
				PollInterval: defaultPollInterval,
				BatchSize:    defaultBatchSize,
				MaxFailures:  defaultMaxFailures,
			},
		},
		{
			name: "uses defaults for invalid values",
			envVars: map[string]string{
				"LIFESTREAM_OUTBOX_POLL_INTERVAL": "soon",
				"LIFESTREAM_OUTBOX_BATCH_SIZE":    "many",
				"LIFESTREAM_OUTBOX_MAX_FAILURES":  "never",
			},
			expected: &Config{
				PollInterval: defaultPollInterval,
				BatchSize:    defaultBatchSize,
				MaxFailures:  defaultMaxFailures,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"LIFESTREAM_OUTBOX_POLL_INTERVAL",
				"LIFESTREAM_OUTBOX_BATCH_SIZE",
				"LIFESTREAM_OUTBOX_MAX_FAILURES",
			} {
				t.Setenv(key, tt.envVars[key])
			}

			cfg := LoadConfig()

			if cfg.PollInterval != tt.expected.PollInterval {
				t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, tt.expected.PollInterval)
			}

			if cfg.BatchSize != tt.expected.BatchSize {
				t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, tt.expected.BatchSize)
			}

			if cfg.MaxFailures != tt.expected.MaxFailures {
				t.Errorf("MaxFailures = %d, want %d", cfg.MaxFailures, tt.expected.MaxFailures)
			}

			if cfg.backoffBase != defaultBackoffBase || cfg.backoffCap != defaultBackoffCap {
				t.Errorf("backoff = %v/%v, want %v/%v",
					cfg.backoffBase, cfg.backoffCap, defaultBackoffBase, defaultBackoffCap)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr error
	}{
		{
			name:      "validation passes with defaults",
			mutate:    func(*Config) {},
			expectErr: nil,
		},
		{
			name:      "validation fails with zero poll interval",
			mutate:    func(c *Config) { c.PollInterval = 0 },
			expectErr: ErrInvalidPollInterval,
		},
		{
			name:      "validation fails with negative batch size",
			mutate:    func(c *Config) { c.BatchSize = -1 },
			expectErr: ErrInvalidBatchSize,
		},
		{
			name:      "validation fails with zero max failures",
			mutate:    func(c *Config) { c.MaxFailures = 0 },
			expectErr: ErrInvalidMaxFailures,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("Validate() error = %v, want %v", err, tt.expectErr)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}
