package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, rest, err := Load("api", nil, envMap(map[string]string{"LEARNHUB_SECRET": "s3cret"}))
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.RenewalTTL)
	assert.Equal(t, 10*time.Second, cfg.ReplayGrace)
	assert.True(t, cfg.CookieSecure)
}

func TestLoadEnvThenFlags(t *testing.T) {
	env := envMap(map[string]string{
		"LEARNHUB_SECRET":        "env-secret",
		"LEARNHUB_ACCESS_TTL":    "5m",
		"LEARNHUB_STORE":         "postgres",
		"LEARNHUB_PG_DSN":        "postgres://env",
		"LEARNHUB_COOKIE_SECURE": "false",
		"LEARNHUB_RATE_BURST":    "3",
		"LEARNHUB_REPLAY_GRACE":  "0s",
	})
	args := []string{"--secret", "flag-secret", "--renewal-ttl", "1h", "status"}

	cfg, rest, err := Load("migrate", args, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, rest)
	assert.Equal(t, "flag-secret", cfg.Secret)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, time.Hour, cfg.RenewalTTL)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://env", cfg.PGDSN)
	assert.False(t, cfg.CookieSecure)
	assert.Equal(t, 3, cfg.RateBurst)
	assert.Zero(t, cfg.ReplayGrace)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	_, _, err := Load("api", nil, envMap(map[string]string{
		"LEARNHUB_SECRET":     "x",
		"LEARNHUB_ACCESS_TTL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEARNHUB_ACCESS_TTL")
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, _, err := Load("api", []string{"--nope"}, envMap(map[string]string{"LEARNHUB_SECRET": "x"}))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.LoadDefaults()
		c.Secret = "s"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Secret = "" }, "secret is required"},
		{"access not shorter", func(c *Config) { c.AccessTTL = c.RenewalTTL }, "must be shorter"},
		{"non-positive ttl", func(c *Config) { c.AccessTTL = 0 }, "must be positive"},
		{"negative replay grace", func(c *Config) { c.ReplayGrace = -time.Second }, "replay grace"},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, "needs a DSN"},
		{"redis without addr", func(c *Config) { c.Store = StoreRedis; c.PGDSN = "dsn" }, "redis address"},
		{"unknown store", func(c *Config) { c.Store = "etcd" }, "unknown store"},
		{"half bootstrap", func(c *Config) { c.BootstrapEmail = "a@b.c" }, "go together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	c := valid()
	require.NoError(t, c.Validate())
}

func TestParseSkipsValidation(t *testing.T) {
	cfg, rest, err := Parse("migrate", []string{"--pg-dsn", "postgres://x", "up"}, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"up"}, rest)
	assert.Equal(t, "postgres://x", cfg.PGDSN)
	assert.Empty(t, cfg.Secret)
}
