package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, 1000, cfg.RateLimit.DefaultQuota)
	assert.Equal(t, 2*time.Hour, cfg.RateLimit.IdleTTL)
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "./data/keys", cfg.Storage.KeysDir)
	assert.True(t, cfg.Logging.ConsoleOutput)
	require.NoError(t, Validate(cfg))
}

func TestSetDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.RateLimit.Window = 10 * time.Minute
	cfg.RateLimit.DefaultQuota = 5
	SetDefaults(cfg)

	assert.Equal(t, 10*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.DefaultQuota)
	assert.Equal(t, 20*time.Minute, cfg.RateLimit.IdleTTL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"window", func(c *Config) { c.RateLimit.Window = time.Millisecond }},
		{"quota", func(c *Config) { c.RateLimit.DefaultQuota = -1 }},
		{"shards", func(c *Config) { c.RateLimit.Shards = -2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			SetDefaults(cfg)
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
