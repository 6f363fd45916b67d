// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server configuration from an optional YAML file
// and GATEKEY_-prefixed environment variables, then validates it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config is the complete server configuration. It is immutable after Load.
type Config struct {
	// Issuer is the external base URL of the server, used verbatim in
	// discovery metadata and token iss claims.
	Issuer string `mapstructure:"issuer" validate:"required,url"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	Debug bool `mapstructure:"debug"`

	// BootstrapPath points to an optional JSON document with tenants,
	// clients, users, and journey policies provisioned at startup.
	BootstrapPath string `mapstructure:"bootstrap_path"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Keys     KeysConfig     `mapstructure:"keys"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Tenancy  TenancyConfig  `mapstructure:"tenancy"`
	Journeys JourneysConfig `mapstructure:"journeys"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
}

// StorageConfig selects and tunes the short-lived artifact backend. The
// durable stores (audit log, webhook queue) always use sqlite.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory redis"`

	// SQLitePath is the durable database location.
	SQLitePath string `mapstructure:"sqlite_path" validate:"required"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig applies when the redis backend is selected.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required_if=Backend redis,omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// KeysConfig tunes the signing-key service.
type KeysConfig struct {
	// Provider is the key material provider: local (encrypted on disk) or
	// memory (ephemeral, development only).
	Provider string `mapstructure:"provider" validate:"oneof=local memory"`

	// Dir is the directory the local provider writes encrypted material to.
	Dir string `mapstructure:"dir"`

	// MasterKey encrypts local key material at rest; base64, 32 bytes.
	MasterKey string `mapstructure:"master_key"`

	Algorithm       string        `mapstructure:"algorithm" validate:"oneof=RS256 RS384 RS512 ES256 ES384 ES512"`
	RotationOverlap time.Duration `mapstructure:"rotation_overlap" validate:"gte=0"`
}

// SessionsConfig tunes the browser session cookie.
type SessionsConfig struct {
	// SigningKey authenticates session cookie values; base64, 32 bytes.
	SigningKey string `mapstructure:"signing_key" validate:"required"`

	Lifetime time.Duration `mapstructure:"lifetime" validate:"gt=0"`

	// InsecureCookies drops the Secure cookie flag for local development.
	InsecureCookies bool `mapstructure:"insecure_cookies"`
}

// TenancyConfig selects how requests map to tenants.
type TenancyConfig struct {
	// Strategy is one of subdomain, path, or header.
	Strategy string `mapstructure:"strategy" validate:"oneof=subdomain path header"`

	// DefaultTenant answers requests that match no tenant, empty to reject.
	DefaultTenant string `mapstructure:"default_tenant"`
}

// JourneysConfig tunes the journey engine.
type JourneysConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// WebhooksConfig tunes the delivery retry processor.
type WebhooksConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
}

// TokensConfig holds default token lifetimes, overridable per client.
type TokensConfig struct {
	AuthCodeLifetime time.Duration `mapstructure:"auth_code_lifetime" validate:"gt=0"`
	AccessLifetime   time.Duration `mapstructure:"access_lifetime" validate:"gt=0"`
	IdentityLifetime time.Duration `mapstructure:"identity_lifetime" validate:"gt=0"`
	PARLifetime      time.Duration `mapstructure:"par_lifetime" validate:"gt=0"`
}

// setDefaults registers every default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.sqlite_path", "gatekey.db")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("keys.provider", "local")
	v.SetDefault("keys.dir", "keys")
	v.SetDefault("keys.algorithm", "RS256")
	v.SetDefault("keys.rotation_overlap", 24*time.Hour)
	v.SetDefault("sessions.lifetime", 8*time.Hour)
	v.SetDefault("tenancy.strategy", "header")
	v.SetDefault("journeys.ttl", 30*time.Minute)
	v.SetDefault("webhooks.poll_interval", 10*time.Second)
	v.SetDefault("webhooks.batch_size", 50)
	v.SetDefault("tokens.auth_code_lifetime", 5*time.Minute)
	v.SetDefault("tokens.access_lifetime", time.Hour)
	v.SetDefault("tokens.identity_lifetime", 5*time.Minute)
	v.SetDefault("tokens.par_lifetime", 60*time.Second)
}

// Load reads the configuration from the given file (optional, "" skips the
// file) plus GATEKEY_ environment overrides, and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's struct tags and cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Storage.Backend == StorageRedis && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: storage.redis.addr is required for the redis backend")
	}
	return nil
}
