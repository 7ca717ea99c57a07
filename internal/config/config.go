// Package config loads service configuration from defaults, an optional YAML file and
// AGRITRACE_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Anchoring backends.
const (
	AnchorBackendNone     = "none"
	AnchorBackendHTTP     = "http"
	AnchorBackendGRPC     = "grpc"
	AnchorBackendCometBFT = "cometbft"
)

// Config holds all configuration for the agritrace API.
type Config struct {
	Service       string `mapstructure:"service"`
	PublicBaseURL string `mapstructure:"public_base_url"`

	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Anchor   AnchorConfig   `mapstructure:"anchor"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	GRPCAddr      string        `mapstructure:"grpc_addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	DevTokens bool          `mapstructure:"dev_tokens"`
}

// SigningConfig holds the Ed25519 credential signing key.
// Seed is the base64 (std) encoding of a 32 byte Ed25519 seed.
type SigningConfig struct {
	Seed  string `mapstructure:"seed"`
	KeyID string `mapstructure:"key_id"`
}

// AnchorConfig selects and tunes the blockchain anchoring collaborator.
type AnchorConfig struct {
	Backend     string        `mapstructure:"backend"`
	Endpoint    string        `mapstructure:"endpoint"`
	Network     string        `mapstructure:"network"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Backoff     time.Duration `mapstructure:"backoff"`
	RecoverSize int           `mapstructure:"recover_size"`
	// SweepInterval controls how often pending credentials are re-enqueued.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration. configPath may be empty, in which case agritrace.yaml is
// looked up in the working directory and /etc/agritrace; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGRITRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agritrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agritrace")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Anchor.Backend = strings.ToLower(strings.TrimSpace(cfg.Anchor.Backend))
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "agritrace-api")
	v.SetDefault("public_base_url", "http://localhost:8080")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.rate_per_second", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "agritrace")
	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("auth.dev_tokens", false)

	v.SetDefault("signing.seed", "")
	v.SetDefault("signing.key_id", "key-1")

	v.SetDefault("anchor.backend", AnchorBackendNone)
	v.SetDefault("anchor.endpoint", "")
	v.SetDefault("anchor.network", "")
	v.SetDefault("anchor.workers", 4)
	v.SetDefault("anchor.queue_size", 256)
	v.SetDefault("anchor.max_attempts", 5)
	v.SetDefault("anchor.timeout", 30*time.Second)
	v.SetDefault("anchor.backoff", 2*time.Second)
	v.SetDefault("anchor.recover_size", 500)
	v.SetDefault("anchor.sweep_interval", time.Minute)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth.secret is required (AGRITRACE_AUTH_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Signing.Seed != "" {
		seed, err := base64.StdEncoding.DecodeString(c.Signing.Seed)
		if err != nil {
			return fmt.Errorf("signing.seed: %w", err)
		}
		if len(seed) != 32 {
			return fmt.Errorf("signing.seed must decode to 32 bytes, got %d", len(seed))
		}
	}
	switch c.Anchor.Backend {
	case AnchorBackendNone:
	case AnchorBackendHTTP, AnchorBackendGRPC, AnchorBackendCometBFT:
		if strings.TrimSpace(c.Anchor.Endpoint) == "" {
			return fmt.Errorf("anchor.endpoint is required for backend %q", c.Anchor.Backend)
		}
	default:
		return fmt.Errorf("unknown anchor.backend %q", c.Anchor.Backend)
	}
	if c.Anchor.Workers <= 0 || c.Anchor.QueueSize <= 0 || c.Anchor.MaxAttempts <= 0 {
		return errors.New("anchor.workers, anchor.queue_size and anchor.max_attempts must be positive")
	}
	if c.Anchor.Timeout <= 0 {
		return errors.New("anchor.timeout must be positive")
	}
	return nil
}

// SigningSeed returns the decoded signing seed, or nil when none is configured.
func (c *Config) SigningSeed() []byte {
	if c.Signing.Seed == "" {
		return nil
	}
	seed, _ := base64.StdEncoding.DecodeString(c.Signing.Seed)
	return seed
}
