// Package config loads and validates the hato TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/hato/helpers"
)

// DatabaseConfig holds the primary store (PostgreSQL) endpoint. The
// endpoint and credentials are required; their absence is a fatal startup
// error, never a retryable one.
type DatabaseConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"` // default 5432
	User                string `toml:"user"`
	Password            string `toml:"password"`
	Name                string `toml:"name"`
	TLSMode             bool   `toml:"tls"`
	MaxConns            int    `toml:"max_conns"`
	MinConns            int    `toml:"min_conns"`
	QueryTimeout        string `toml:"query_timeout"`         // default "30s"
	ConnectTimeout      string `toml:"connect_timeout"`       // default "15s"
	HealthCheckInterval string `toml:"health_check_interval"` // default "30s"
	LogQueries          bool   `toml:"log_queries"`
}

// GetQueryTimeout parses the query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetConnectTimeout parses the connect timeout duration.
func (d *DatabaseConfig) GetConnectTimeout() (time.Duration, error) {
	if d.ConnectTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(d.ConnectTimeout)
}

// GetHealthCheckInterval parses the background liveness probe interval.
func (d *DatabaseConfig) GetHealthCheckInterval() (time.Duration, error) {
	if d.HealthCheckInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.HealthCheckInterval)
}

// InboxStoreConfig holds the secondary store endpoint used for ephemeral
// inbox provisioning.
type InboxStoreConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"` // default 5432
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls"`
}

// DSN renders the endpoint as a connection string for the gorm driver.
func (c *InboxStoreConfig) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := "disable"
	if c.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Name, sslMode)
}

// IngestConfig holds the SMTP ingress settings.
type IngestConfig struct {
	Listen         string `toml:"listen"`           // default ":25"
	Hostname       string `toml:"hostname"`         // EHLO hostname, default os.Hostname
	MaxMessageSize int64  `toml:"max_message_size"` // bytes, default 10 MiB
	MaxInFlight    int    `toml:"max_in_flight"`    // hard ceiling on accepted DATA streams, default 64
	Concurrency    int    `toml:"concurrency"`      // parse/route workers, default 8
	Debug          bool   `toml:"debug"`
}

// BeaconConfig holds the optional liveness beacon endpoint. An empty URL
// turns the beacon into a no-op.
type BeaconConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"` // default "5s"
}

// GetTimeout parses the beacon request timeout.
func (b *BeaconConfig) GetTimeout() (time.Duration, error) {
	if b.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(b.Timeout)
}

// S3Config holds the optional raw-message archive bucket.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
}

// Enabled reports whether archival is configured.
func (s *S3Config) Enabled() bool {
	return s != nil && s.Endpoint != "" && s.Bucket != ""
}

// StatusConfig holds the HTTP status listener serving /metrics and
// /healthz. Empty address disables the listener.
type StatusConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // stdout, stderr, syslog or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// Config is the top-level hato configuration.
type Config struct {
	Database DatabaseConfig   `toml:"database"`
	Inboxes  InboxStoreConfig `toml:"inboxes"`
	Ingest   IngestConfig     `toml:"ingest"`
	Beacon   BeaconConfig     `toml:"beacon"`
	S3       *S3Config        `toml:"s3"`
	Status   StatusConfig     `toml:"status"`
	Logging  LoggingConfig    `toml:"logging"`
}

// NewDefaultConfig returns a configuration with usable defaults for
// everything except the store endpoints, which must come from the file.
func NewDefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Ingest: IngestConfig{
			Listen:         ":25",
			Hostname:       hostname,
			MaxMessageSize: 10 << 20,
			MaxInFlight:    64,
			Concurrency:    8,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load reads the TOML file at path over the defaults in cfg.
func Load(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for fatal problems. Missing primary
// store credentials abort startup; everything else has defaults.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Inboxes.Host == "" {
		return fmt.Errorf("inboxes.host is required")
	}
	if c.Inboxes.User == "" {
		return fmt.Errorf("inboxes.user is required")
	}
	if c.Inboxes.Name == "" {
		return fmt.Errorf("inboxes.name is required")
	}
	if c.Ingest.MaxInFlight <= 0 {
		return fmt.Errorf("ingest.max_in_flight must be positive")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be positive")
	}
	if c.Ingest.MaxMessageSize <= 0 {
		return fmt.Errorf("ingest.max_message_size must be positive")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}
	if _, err := c.Database.GetConnectTimeout(); err != nil {
		return fmt.Errorf("database.connect_timeout: %w", err)
	}
	if _, err := c.Database.GetHealthCheckInterval(); err != nil {
		return fmt.Errorf("database.health_check_interval: %w", err)
	}
	if _, err := c.Beacon.GetTimeout(); err != nil {
		return fmt.Errorf("beacon.timeout: %w", err)
	}
	return nil
}
