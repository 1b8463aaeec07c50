package main

import (
	"fmt"
	"os"

	"github.com/lifestream-io/lifestream/internal/storage"
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table golang-migrate uses to track
	// applied versions
	MigrationTable string

	// MigrationsPath, when set, reads migration files from this directory
	// instead of the set embedded in the binary. Development override.
	MigrationsPath string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a representation of the configuration safe for logging.
func (c *Config) String() string {
	maskedURL := storage.NewConfig(c.DatabaseURL).MaskDatabaseURL()

	source := "embedded"
	if c.MigrationsPath != "" {
		source = c.MigrationsPath
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s, Migrations: %s}",
		maskedURL, c.MigrationTable, source)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
