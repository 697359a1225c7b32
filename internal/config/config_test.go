package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateTokenService())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty sfu url", mutate: func(c *Config) { c.Transport.SFUURL = "" }},
		{name: "empty token endpoint", mutate: func(c *Config) { c.Transport.TokenEndpoint = "" }},
		{name: "negative retries", mutate: func(c *Config) { c.Transport.Reconnect.MaxRetries = -1 }},
		{name: "zero initial interval", mutate: func(c *Config) { c.Transport.Reconnect.InitialInterval = 0 }},
		{name: "max below initial", mutate: func(c *Config) { c.Transport.Reconnect.MaxInterval = time.Millisecond }},
		{name: "zero data rate", mutate: func(c *Config) { c.Transport.DataRateLimit = 0 }},
		{name: "zero data burst", mutate: func(c *Config) { c.Transport.DataBurst = 0 }},
		{name: "ice server without urls", mutate: func(c *Config) { c.Transport.ICEServers = []ICEServer{{}} }},
		{name: "unknown quality", mutate: func(c *Config) { c.Media.DefaultQuality = "8k" }},
		{name: "negative settle delay", mutate: func(c *Config) { c.Media.SettleDelay = -time.Second }},
		{name: "unknown layout", mutate: func(c *Config) { c.Call.DefaultLayout = "mosaic" }},
		{name: "empty log level", mutate: func(c *Config) { c.Logging.Level = "" }},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" }},
		{name: "zero token ttl", mutate: func(c *Config) { c.TokenService.TTL = 0 }},
		{name: "rate limit without rps", mutate: func(c *Config) { c.TokenService.RateLimit.RequestsPerSecond = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitDisabledAllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenService.RateLimit.Enabled = false
	cfg.TokenService.RateLimit.RequestsPerSecond = 0
	cfg.TokenService.RateLimit.Burst = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidateTokenService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenService.APISecret = "short"
	assert.Error(t, cfg.ValidateTokenService())

	cfg = DefaultConfig()
	cfg.TokenService.APIKey = ""
	assert.Error(t, cfg.ValidateTokenService())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Transport.SFUURL, cfg.Transport.SFUURL)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
transport:
  sfu_url: wss://sfu.example.com/rtc
  reconnect:
    max_retries: 2
media:
  default_quality: high
call:
  video_enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CALLSESSION_LOG_LEVEL", "debug")
	t.Setenv("CALLSESSION_TOKEN_ENDPOINT", "https://tokens.example.com/token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://sfu.example.com/rtc", cfg.Transport.SFUURL)
	assert.Equal(t, 2, cfg.Transport.Reconnect.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.Reconnect.InitialInterval)
	assert.Equal(t, "high", cfg.Media.DefaultQuality)
	assert.False(t, cfg.Call.VideoEnabled)
	assert.True(t, cfg.Call.AudioEnabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://tokens.example.com/token", cfg.Transport.TokenEndpoint)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media:\n  default_quality: ultra\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "media.default_quality")
}
