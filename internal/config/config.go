// Package config loads and validates hub configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Session  SessionConfig  `mapstructure:"session"`
	Progress ProgressConfig `mapstructure:"progress"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

// ServerConfig controls the HTTP listener and the two socket endpoints.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ProviderPath    string        `mapstructure:"provider_path"`
	APIPath         string        `mapstructure:"api_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig picks the document store implementation.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Bootstrap       bool          `mapstructure:"bootstrap"`
}

// CaptchaConfig configures reCAPTCHA verification for website queries.
type CaptchaConfig struct {
	Secret    string        `mapstructure:"secret"`
	VerifyURL string        `mapstructure:"verify_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// GeoConfig configures the IP geolocation lookup.
type GeoConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig tunes per-connection behavior of both socket endpoints.
type SessionConfig struct {
	OutboundBuffer  int           `mapstructure:"outbound_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	Batch         BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
}

// BatchConfig governs hub batching behavior.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// PubSubConfig names the topic lifecycle events are mirrored to. Empty disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AdminConfig guards the administrative REST routes. An empty key disables them.
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Credential is a provider or API client registered at startup.
type Credential struct {
	ID     string `mapstructure:"id"`
	UserID string `mapstructure:"user_id"`
	Name   string `mapstructure:"name"`
	Token  string `mapstructure:"token"`
}

// SeedConfig lists credentials written to the store on boot.
type SeedConfig struct {
	Providers  []Credential `mapstructure:"providers"`
	APIClients []Credential `mapstructure:"api_clients"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STATUSHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.provider_path", "/provider-socket")
	v.SetDefault("server.api_path", "/api-socket")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.bootstrap", true)
	v.SetDefault("captcha.secret", "")
	v.SetDefault("captcha.verify_url", "https://www.google.com/recaptcha/api/siteverify")
	v.SetDefault("captcha.timeout", "5s")
	v.SetDefault("geo.base_url", "http://ip-api.com/json/")
	v.SetDefault("geo.timeout", "5s")
	v.SetDefault("session.outbound_buffer", 256)
	v.SetDefault("session.write_timeout", "10s")
	v.SetDefault("session.request_timeout", "30s")
	v.SetDefault("session.max_message_bytes", 64*1024)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 1000)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("admin.api_key", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.ProviderPath, "/") || !strings.HasPrefix(c.Server.APIPath, "/") {
		return errors.New("server.provider_path and server.api_path must start with /")
	}
	if c.Server.ProviderPath == c.Server.APIPath {
		return errors.New("server.provider_path and server.api_path must differ")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres", c.Store.Backend)
	}
	if c.Session.OutboundBuffer <= 0 {
		return errors.New("session.outbound_buffer must be > 0")
	}
	if c.Session.MaxMessageBytes <= 0 {
		return errors.New("session.max_message_bytes must be > 0")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return errors.New("progress.buffer_size must be > 0 when progress is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if err := validateCredentials("seed.providers", c.Seed.Providers); err != nil {
		return err
	}
	return validateCredentials("seed.api_clients", c.Seed.APIClients)
}

func validateCredentials(key string, creds []Credential) error {
	tokens := make(map[string]struct{}, len(creds))
	for i, cred := range creds {
		if cred.ID == "" || cred.Token == "" {
			return fmt.Errorf("%s[%d] needs both id and token", key, i)
		}
		if _, dup := tokens[cred.Token]; dup {
			return fmt.Errorf("%s[%d] reuses a token", key, i)
		}
		tokens[cred.Token] = struct{}{}
	}
	return nil
}

// SinkTimeout converts the configured sink timeout to a duration.
func (p ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutMs) * time.Millisecond
}

// MaxWait converts the configured batch wait to a duration.
func (b BatchConfig) MaxWait() time.Duration {
	return time.Duration(b.MaxWaitMs) * time.Millisecond
}
