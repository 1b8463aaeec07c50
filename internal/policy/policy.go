// Package policy provides pipeline tuning loaded from an optional
// .lifestream.yaml file.
//
// Everything here has a sensible default: retry budgets, fetch pacing, and
// enrichment limits work out of the box. The file exists so a deployment can
// tighten or loosen individual stages without rebuilding, and a missing or
// broken file must never stop a component from starting.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lifestream-io/lifestream/internal/config"
)

// DefaultConfigPath is the default location for the pipeline tuning file.
// Uses hidden file format following common tool conventions (.eslintrc,
// .prettierrc, etc.).
const DefaultConfigPath = ".lifestream.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "LIFESTREAM_CONFIG_PATH"

// Built-in defaults, used when the file is absent or silent on a value.
const (
	DefaultMaxAttempts      = 3
	DefaultFetchInterval    = time.Second
	DefaultFetchTimeout     = 30 * time.Second
	DefaultEnrichTimeout    = 60 * time.Second
	DefaultEnrichTextBudget = 32000
	DefaultKnownTagsLimit   = 100
)

type (
	// Config holds pipeline tuning loaded from .lifestream.yaml.
	Config struct {
		// MaxAttempts maps a work type to its retry budget. Work types
		// absent from the map use DefaultMaxAttempts.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		MaxAttempts map[string]int `yaml:"max_attempts"`

		// Fetch tunes the fetch stage.
		Fetch FetchPolicy `yaml:"fetch"`

		// Enrich tunes the enrichment stage.
		Enrich EnrichPolicy `yaml:"enrich"`
	}

	// FetchPolicy bounds outbound HTTP fetching.
	FetchPolicy struct {
		// HostInterval is the minimum spacing between requests to the same
		// hostname.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		HostInterval Duration `yaml:"host_interval"`

		// Timeout bounds a single fetch including redirects.
		Timeout Duration `yaml:"timeout"`
	}

	// EnrichPolicy bounds model calls.
	EnrichPolicy struct {
		// TextBudget is the maximum number of body characters sent to the
		// model; longer text is truncated.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		TextBudget int `yaml:"text_budget"`

		// KnownTagsLimit caps how many existing tags are offered to the
		// model as vocabulary.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		KnownTagsLimit int `yaml:"known_tags_limit"`

		// Timeout bounds a single model call.
		Timeout Duration `yaml:"timeout"`
	}

	// Duration decodes YAML scalars like "1s" or "500ms" via
	// time.ParseDuration.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns the tuning used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: make(map[string]int),
		Fetch: FetchPolicy{
			HostInterval: Duration(DefaultFetchInterval),
			Timeout:      Duration(DefaultFetchTimeout),
		},
		Enrich: EnrichPolicy{
			TextBudget:     DefaultEnrichTextBudget,
			KnownTagsLimit: DefaultKnownTagsLimit,
			Timeout:        Duration(DefaultEnrichTimeout),
		},
	}
}

// MaxAttemptsFor returns the retry budget for a work type, falling back to
// DefaultMaxAttempts when the work type is not configured or the configured
// value is not positive.
func (c *Config) MaxAttemptsFor(workType string) int {
	if n, ok := c.MaxAttempts[workType]; ok && n > 0 {
		return n
	}

	return DefaultMaxAttempts
}

// LoadConfig loads pipeline tuning from a YAML file at the given path.
//
// Behavior:
//   - Returns defaults (not error) if the file doesn't exist - tuning is optional
//   - Returns defaults + logs warning if the YAML is invalid (graceful degradation)
//   - Returns defaults overlaid with the file's values on success
//
// This graceful degradation ensures every component can start without a
// tuning file; the file only ever narrows or widens built-in behavior.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - tuning is optional
			slog.Debug("Tuning file not found, using defaults",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read tuning file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just defaults
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse tuning file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if cfg.MaxAttempts == nil {
		cfg.MaxAttempts = make(map[string]int)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads tuning from the path in LIFESTREAM_CONFIG_PATH,
// falling back to ".lifestream.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
