// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
issuer: https://auth.example.com
sessions:
  signing_key: dGVzdC1zaWduaW5nLWtleS10ZXN0LXNpZ25pbmcta2V5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, "header", cfg.Tenancy.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.Journeys.TTL)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.AuthCodeLifetime)
	assert.Equal(t, "RS256", cfg.Keys.Algorithm)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
issuer: https://auth.example.com
listen_addr: ":9000"
storage:
  backend: redis
  redis:
    addr: localhost:6379
tenancy:
  strategy: subdomain
  default_tenant: acme
sessions:
  signing_key: dGVzdC1zaWduaW5nLWtleS10ZXN0LXNpZ25pbmcta2V5
webhooks:
  poll_interval: 5s
  batch_size: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, StorageRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "subdomain", cfg.Tenancy.Strategy)
	assert.Equal(t, "acme", cfg.Tenancy.DefaultTenant)
	assert.Equal(t, 5*time.Second, cfg.Webhooks.PollInterval)
	assert.Equal(t, 10, cfg.Webhooks.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GATEKEY_LISTEN_ADDR", ":7777")

	path := writeConfigFile(t, `
issuer: https://auth.example.com
sessions:
  signing_key: dGVzdC1zaWduaW5nLWtleS10ZXN0LXNpZ25pbmcta2V5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.Issuer = "" },
			wantErr: "invalid configuration",
		},
		{
			name:    "bad issuer",
			mutate:  func(c *Config) { c.Issuer = "not a url" },
			wantErr: "invalid configuration",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: "invalid configuration",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageRedis
				c.Storage.Redis.Addr = ""
			},
			wantErr: "storage.redis.addr",
		},
		{
			name:    "missing session key",
			mutate:  func(c *Config) { c.Sessions.SigningKey = "" },
			wantErr: "invalid configuration",
		},
		{
			name:    "unknown tenancy strategy",
			mutate:  func(c *Config) { c.Tenancy.Strategy = "port" },
			wantErr: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Issuer:     "https://auth.example.com",
		ListenAddr: ":8080",
		Storage: StorageConfig{
			Backend:    StorageMemory,
			SQLitePath: "gatekey.db",
		},
		Keys: KeysConfig{
			Provider:        "local",
			Algorithm:       "RS256",
			RotationOverlap: 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			SigningKey: "dGVzdC1zaWduaW5nLWtleQ",
			Lifetime:   8 * time.Hour,
		},
		Tenancy:  TenancyConfig{Strategy: "header"},
		Journeys: JourneysConfig{TTL: 30 * time.Minute},
		Webhooks: WebhooksConfig{PollInterval: 10 * time.Second, BatchSize: 50},
		Tokens: TokensConfig{
			AuthCodeLifetime: 5 * time.Minute,
			AccessLifetime:   time.Hour,
			IdentityLifetime: 5 * time.Minute,
			PARLifetime:      time.Minute,
		},
	}
}
