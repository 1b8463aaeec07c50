// Package bus provides the Kafka transport layer: the topic set, the shared
// producer every process writes through, consumer-group and partition-bound
// readers, and the admin operations behind startup provisioning and the
// destructive bus reset.
package bus

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/lifestream-io/lifestream/internal/config"
)

const (
	defaultClientID          = "lifestream"
	defaultDialTimeout       = 10 * time.Second
	defaultReplicationFactor = 1
)

var (
	// ErrBrokersEmpty is returned when no broker address is configured.
	ErrBrokersEmpty = errors.New("broker list cannot be empty")

	// ErrSASLIncomplete is returned when only one of username and password
	// is configured.
	ErrSASLIncomplete = errors.New("SASL requires both username and password")
)

// Config holds Kafka connection configuration shared by the publisher, the
// reader constructors, and the admin client.
type Config struct {
	Brokers           []string
	ClientID          string
	TLSEnabled        bool
	ReplicationFactor int
	saslUsername      string
	saslPassword      string
}

// LoadConfig loads Kafka configuration from environment variables with
// fallback to defaults. KAFKA_BROKERS is required; Validate reports it
// missing.
func LoadConfig() *Config {
	return &Config{
		Brokers:           config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		ClientID:          config.GetEnvStr("KAFKA_CLIENT_ID", defaultClientID),
		TLSEnabled:        config.GetEnvBool("KAFKA_TLS_ENABLED", false),
		ReplicationFactor: config.GetEnvInt("KAFKA_REPLICATION_FACTOR", defaultReplicationFactor),
		saslUsername:      config.GetEnvStr("KAFKA_SASL_USERNAME", ""),
		saslPassword:      config.GetEnvStr("KAFKA_SASL_PASSWORD", ""),
	}
}

// NewConfig creates a Config for an explicit broker list with default
// settings and no authentication. Used by tests and tools that already hold
// broker addresses.
func NewConfig(brokers []string) *Config {
	return &Config{
		Brokers:           brokers,
		ClientID:          defaultClientID,
		ReplicationFactor: defaultReplicationFactor,
	}
}

// Validate checks if the Kafka configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrBrokersEmpty
	}

	if (c.saslUsername == "") != (c.saslPassword == "") {
		return ErrSASLIncomplete
	}

	return nil
}

// Transport builds the kafka.Transport used by the publisher and the admin
// client, wiring in SASL and TLS when configured.
func (c *Config) Transport() *kafka.Transport {
	transport := &kafka.Transport{
		ClientID:    c.ClientID,
		DialTimeout: defaultDialTimeout,
		SASL:        c.saslMechanism(),
	}

	if c.TLSEnabled {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return transport
}

// Dialer builds the kafka.Dialer used by the reader constructors.
// kafka.Reader predates kafka.Transport and takes its connection settings
// this way, so the same credentials are wired through both paths.
func (c *Config) Dialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:       defaultDialTimeout,
		DualStack:     true,
		ClientID:      c.ClientID,
		SASLMechanism: c.saslMechanism(),
	}

	if c.TLSEnabled {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return dialer
}

// saslMechanism returns the configured SASL PLAIN mechanism, or nil when the
// bus is unauthenticated.
func (c *Config) saslMechanism() sasl.Mechanism {
	if c.saslUsername == "" {
		return nil
	}

	return plain.Mechanism{Username: c.saslUsername, Password: c.saslPassword}
}

// String returns a human-readable summary safe for logging. SASL credentials
// are reported by presence only.
func (c *Config) String() string {
	auth := "none"
	if c.saslUsername != "" {
		auth = "sasl-plain"
	}

	return fmt.Sprintf("Config{Brokers: %s, ClientID: %s, Auth: %s, TLS: %t}",
		strings.Join(c.Brokers, ","), c.ClientID, auth, c.TLSEnabled)
}
