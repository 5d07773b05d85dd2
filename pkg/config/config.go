// Package config holds relay configuration: environment variables for
// deployment knobs, with an optional YAML file for the full policy surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars in
// time.ParseDuration syntax ("30s", "15m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds relay configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`

	// Limits applied by the validator and the query planner.
	MaxContentBytes int      `yaml:"max_content_bytes"`
	MaxTags         int      `yaml:"max_tags"`
	ClockSkew       Duration `yaml:"clock_skew"`
	QueryCeiling    int      `yaml:"query_ceiling"`
	BacklogLimit    int      `yaml:"backlog_limit"`
	BacklogOldest   bool     `yaml:"backlog_oldest_first"`

	// Connection policy.
	MaxConnections    int     `yaml:"max_connections"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`

	// Identity directory. Empty RedisAddr selects the static directory
	// populated from Identities.
	RedisAddr      string          `yaml:"redis_addr"`
	RedisPassword  string          `yaml:"redis_password"`
	RedisDB        int             `yaml:"redis_db"`
	AccessCacheTTL Duration        `yaml:"access_cache_ttl"`
	Identities     []IdentityEntry `yaml:"identities"`

	// JWT shared secret for connection auth; empty disables token auth.
	JWTSecret string `yaml:"jwt_secret"`

	// Retention window; zero disables the sweep.
	Retention Duration `yaml:"retention"`
}

// IdentityEntry seeds the static directory in dev deployments.
type IdentityEntry struct {
	Pubkey    string   `yaml:"pubkey"`
	Clearance string   `yaml:"clearance"`
	Teams     []string `yaml:"teams"`
}

// Load builds configuration from environment variables over defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:        envOr("RELAY_LISTEN_ADDR", "127.0.0.1:8080"),
		DatabasePath:      envOr("RELAY_DATABASE_PATH", "./data/relay.db"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		MaxContentBytes:   64 * 1024,
		MaxTags:           256,
		ClockSkew:         Duration(15 * time.Minute),
		QueryCeiling:      500,
		BacklogLimit:      500,
		MaxConnections:    1000,
		MessagesPerSecond: 20,
		RedisAddr:         os.Getenv("RELAY_REDIS_ADDR"),
		RedisPassword:     os.Getenv("RELAY_REDIS_PASSWORD"),
		AccessCacheTTL:    Duration(30 * time.Second),
		JWTSecret:         os.Getenv("RELAY_JWT_SECRET"),
	}
	if v := os.Getenv("RELAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("RELAY_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention = Duration(d)
		}
	}
	return cfg
}

// LoadFile overlays a YAML config file onto the environment defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
