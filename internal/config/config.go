// Package config provides Viper-based configuration loading for the battle server and client.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/websocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that upgrades to a websocket.
	Path string `mapstructure:"path"`
	// ReadLimit is the maximum accepted inbound frame size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongWait is how long a connection may stay silent before it is considered dead.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the number of outbound frames buffered per connection.
	SendBuffer int `mapstructure:"send_buffer"`
	// SettleDelay is how long a finished match waits after notifying both players.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Password digest schemes.
const (
	SchemeSHA256 = "sha256"
	SchemeBcrypt = "bcrypt"
)

// StorageConfig selects and tunes the account store.
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver loses all data on restart.
	Driver string `mapstructure:"driver"`
	// PasswordScheme is the digest used for newly registered passwords.
	PasswordScheme string `mapstructure:"password_scheme"`
	// SessionTTL is the lifetime of a durable login session.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// SessionPurgeInterval is how often expired sessions are deleted; 0 disables the job.
	SessionPurgeInterval time.Duration `mapstructure:"session_purge_interval"`
	// AutoMigrate applies pending migrations at server start.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Output is a file path, "stdout" or "stderr". Empty means stderr.
	Output string `mapstructure:"output"`
}

// ClientConfig holds resilient client settings.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8765/ws.
	URL string `mapstructure:"url"`
	// MaxReconnectAttempts is the number of consecutive failed attempts before giving up.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// BackoffUnit scales the 2^n backoff schedule.
	BackoffUnit time.Duration `mapstructure:"backoff_unit"`
	// MaxBackoff caps a single backoff wait.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// QueueSize bounds the offline send queue.
	QueueSize int `mapstructure:"queue_size"`
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// SessionFile is where the durable session token is saved.
	SessionFile string `mapstructure:"session_file"`
	// PingInterval is how often the client pings the server. Zero disables
	// keepalive.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongWait is how long the connection may stay silent before the client
	// treats it as dropped and reconnects.
	PongWait time.Duration `mapstructure:"pong_wait"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Client   ClientConfig   `mapstructure:"client"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	// The database section is irrelevant when accounts live in memory.
	if c.Storage.Driver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Client.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Sprintf("server.path must start with '/', got %q", s.Path))
	}
	if s.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("server.read_limit must be >= 1, got %d", s.ReadLimit))
	}
	if s.PingInterval <= 0 {
		errs = append(errs, "server.ping_interval must be positive")
	}
	if s.PongWait <= s.PingInterval {
		errs = append(errs, "server.pong_wait must exceed server.ping_interval")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if s.SettleDelay < 0 {
		errs = append(errs, "server.settle_delay must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	var errs []string
	if s.Driver != DriverPostgres && s.Driver != DriverMemory {
		errs = append(errs, fmt.Sprintf("storage.driver must be one of [postgres, memory], got %q", s.Driver))
	}
	if s.PasswordScheme != SchemeSHA256 && s.PasswordScheme != SchemeBcrypt {
		errs = append(errs, fmt.Sprintf("storage.password_scheme must be one of [sha256, bcrypt], got %q", s.PasswordScheme))
	}
	if s.SessionTTL <= 0 {
		errs = append(errs, "storage.session_ttl must be positive")
	}
	if s.SessionPurgeInterval < 0 {
		errs = append(errs, "storage.session_purge_interval must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Validate checks the client section on its own so client-only binaries can
// use it without a server section.
//
// Postcondition: Returns nil if the client settings are usable.
func (c ClientConfig) Validate() error {
	var errs []string
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("client.url must be a ws:// or wss:// URL, got %q", c.URL))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Sprintf("client.max_reconnect_attempts must be >= 0, got %d", c.MaxReconnectAttempts))
	}
	if c.BackoffUnit <= 0 {
		errs = append(errs, "client.backoff_unit must be positive")
	}
	if c.MaxBackoff < c.BackoffUnit {
		errs = append(errs, "client.max_backoff must be >= client.backoff_unit")
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Sprintf("client.queue_size must be >= 0, got %d", c.QueueSize))
	}
	if c.PingInterval < 0 {
		errs = append(errs, "client.ping_interval must be >= 0")
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		errs = append(errs, "client.pong_wait must exceed client.ping_interval")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with BATTLE_ prefix
	v.SetEnvPrefix("BATTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.read_limit", 64*1024)
	v.SetDefault("server.ping_interval", "20s")
	v.SetDefault("server.pong_wait", "30s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.settle_delay", "100ms")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "battle")
	v.SetDefault("database.password", "battle")
	v.SetDefault("database.name", "battle")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.password_scheme", SchemeSHA256)
	v.SetDefault("storage.session_ttl", "168h")
	v.SetDefault("storage.session_purge_interval", "1h")
	v.SetDefault("storage.auto_migrate", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("client.url", "ws://localhost:8765/ws")
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.backoff_unit", "1s")
	v.SetDefault("client.max_backoff", "30s")
	v.SetDefault("client.queue_size", 100)
	v.SetDefault("client.handshake_timeout", "10s")
	v.SetDefault("client.session_file", "session.json")
	v.SetDefault("client.ping_interval", "20s")
	v.SetDefault("client.pong_wait", "30s")
}
