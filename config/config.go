// Package config defines the TOML configuration for the pelican POP3 server.
//
// Configuration is resolved in three layers: application defaults, values
// from the TOML file, and finally command-line flag overrides applied by the
// binaries for flags that were explicitly set.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration loaded from the TOML file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Servers  ServersConfig  `toml:"servers"`
	Provider ProviderConfig `toml:"provider"`
	S3       S3Config       `toml:"s3"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Output is "stdout", "stderr", "syslog", or a file path.
	Output string `toml:"output"`
	// Format is "console" or "json".
	Format string `toml:"format"`
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level"`
}

type ServersConfig struct {
	Debug   bool          `toml:"debug"`
	POP3    POP3Config    `toml:"pop3"`
	Metrics MetricsConfig `toml:"metrics"`
}

// POP3Config configures the protocol engine's two listeners. Addr is the
// plaintext endpoint (STLS-capable when certificates are configured);
// TLSAddr is the implicit-TLS endpoint that handshakes before the banner.
type POP3Config struct {
	Start       bool   `toml:"start"`
	Addr        string `toml:"addr"`
	TLSAddr     string `toml:"tls_addr"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	// MaxAuthErrors disconnects a client after this many failed
	// authentication attempts. 0 means the built-in default.
	MaxAuthErrors int `toml:"max_auth_errors"`
	// AuthErrorDelay throttles failed authentication attempts ("3s").
	AuthErrorDelay string `toml:"auth_error_delay"`
	// IdleTimeout closes connections with no activity ("5m").
	IdleTimeout string `toml:"idle_timeout"`
}

func (c *POP3Config) GetAuthErrorDelay() (time.Duration, error) {
	if c.AuthErrorDelay == "" {
		return 3 * time.Second, nil
	}
	return time.ParseDuration(c.AuthErrorDelay)
}

func (c *POP3Config) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.IdleTimeout)
}

type MetricsConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// ProviderConfig selects and configures the mailbox provider backend.
type ProviderConfig struct {
	// Backend is "sqlite", "postgres" or "memory".
	Backend  string         `toml:"backend"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls"`
}

func (c *PostgresConfig) ConnString() string {
	sslMode := "disable"
	if c.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, sslMode)
}

// S3Config configures the optional content-addressed message body store.
// When Enabled, SQL providers keep only metadata locally and message bodies
// are stored in the bucket under their content hash.
type S3Config struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseTLS    bool   `toml:"use_tls"`
	Trace     bool   `toml:"trace"`
}

// NewDefaultConfig returns the application defaults used before the TOML
// file and flag overrides are applied.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Servers: ServersConfig{
			POP3: POP3Config{
				Start:          true,
				Addr:           ":110",
				TLSAddr:        ":995",
				MaxAuthErrors:  3,
				AuthErrorDelay: "3s",
				IdleTimeout:    "5m",
			},
			Metrics: MetricsConfig{
				Start: false,
				Addr:  "localhost:9090",
			},
		},
		Provider: ProviderConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path: "pelican.db",
			},
			Postgres: PostgresConfig{
				Host: "localhost",
				Port: "5432",
				User: "postgres",
				Name: "pelican_mail_db",
			},
		},
	}
}

// Validate rejects configurations the servers cannot start with.
func (c *Config) Validate() error {
	pop3 := &c.Servers.POP3
	if pop3.Start {
		if pop3.Addr == "" && pop3.TLSAddr == "" {
			return fmt.Errorf("servers.pop3: at least one of addr or tls_addr must be set")
		}
		if pop3.TLSAddr != "" && (pop3.TLSCertFile == "" || pop3.TLSKeyFile == "") {
			return fmt.Errorf("servers.pop3: tls_addr requires tls_cert_file and tls_key_file")
		}
		if (pop3.TLSCertFile == "") != (pop3.TLSKeyFile == "") {
			return fmt.Errorf("servers.pop3: tls_cert_file and tls_key_file must be set together")
		}
		if _, err := pop3.GetAuthErrorDelay(); err != nil {
			return fmt.Errorf("servers.pop3: invalid auth_error_delay: %w", err)
		}
		if _, err := pop3.GetIdleTimeout(); err != nil {
			return fmt.Errorf("servers.pop3: invalid idle_timeout: %w", err)
		}
	}

	switch c.Provider.Backend {
	case "sqlite":
		if c.Provider.SQLite.Path == "" {
			return fmt.Errorf("provider.sqlite: path must be set")
		}
	case "postgres":
		if c.Provider.Postgres.Host == "" || c.Provider.Postgres.Name == "" {
			return fmt.Errorf("provider.postgres: host and name must be set")
		}
	case "memory":
		// Accepted for development and tests; holds no persistent state.
	default:
		return fmt.Errorf("provider: unknown backend %q", c.Provider.Backend)
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3: endpoint, access_key, secret_key and bucket are required when enabled")
		}
	}
	return nil
}
