package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/callsession/internal/media"
)

// Config holds all application configuration
type Config struct {
	Transport    TransportConfig    `yaml:"transport"`
	Media        MediaConfig        `yaml:"media"`
	ScreenShare  ScreenShareConfig  `yaml:"screenshare"`
	Call         CallConfig         `yaml:"call"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	TokenService TokenServiceConfig `yaml:"token_service"`
}

type TransportConfig struct {
	SFUURL        string          `yaml:"sfu_url"`
	TokenEndpoint string          `yaml:"token_endpoint"`
	IdentityToken string          `yaml:"identity_token,omitempty"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
	DataRateLimit float64         `yaml:"data_rate_limit"` // messages per second
	DataBurst     int             `yaml:"data_burst"`
	ICEServers    []ICEServer     `yaml:"ice_servers"`
}

type ReconnectConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type MediaConfig struct {
	DefaultQuality   string        `yaml:"default_quality"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	EchoCancellation bool          `yaml:"echo_cancellation"`
	NoiseSuppression bool          `yaml:"noise_suppression"`
	AutoGainControl  bool          `yaml:"auto_gain_control"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

type ScreenShareConfig struct {
	SystemAudio bool `yaml:"system_audio"`
	Width       int  `yaml:"width"`
	Height      int  `yaml:"height"`
	FrameRate   int  `yaml:"frame_rate"`
}

type CallConfig struct {
	AudioEnabled  bool   `yaml:"audio_enabled"`
	VideoEnabled  bool   `yaml:"video_enabled"`
	DefaultLayout string `yaml:"default_layout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TokenServiceConfig struct {
	Address   string          `yaml:"address"`
	APIKey    string          `yaml:"api_key"`
	APISecret string          `yaml:"api_secret"`
	TTL       time.Duration   `yaml:"ttl"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			SFUURL:        "ws://localhost:7000/rtc",
			TokenEndpoint: "http://localhost:7001/token",
			Reconnect: ReconnectConfig{
				MaxRetries:      5,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
			},
			DataRateLimit: 30,
			DataBurst:     60,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Media: MediaConfig{
			DefaultQuality:   string(media.DefaultQuality),
			SettleDelay:      100 * time.Millisecond,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			PollInterval:     2 * time.Second,
		},
		ScreenShare: ScreenShareConfig{
			SystemAudio: true,
			Width:       1920,
			Height:      1080,
			FrameRate:   15,
		},
		Call: CallConfig{
			AudioEnabled:  true,
			VideoEnabled:  true,
			DefaultLayout: "grid",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		TokenService: TokenServiceConfig{
			Address:   ":7001",
			APIKey:    "devkey",
			APISecret: "change-me-in-production",
			TTL:       6 * time.Hour,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
	}
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CALLSESSION_SFU_URL"); v != "" {
		c.Transport.SFUURL = v
	}
	if v := os.Getenv("CALLSESSION_TOKEN_ENDPOINT"); v != "" {
		c.Transport.TokenEndpoint = v
	}
	if v := os.Getenv("CALLSESSION_IDENTITY_TOKEN"); v != "" {
		c.Transport.IdentityToken = v
	}
	if v := os.Getenv("CALLSESSION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.Reconnect.MaxRetries = n
		}
	}
	if v := os.Getenv("CALLSESSION_QUALITY"); v != "" {
		c.Media.DefaultQuality = v
	}
	if v := os.Getenv("CALLSESSION_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CALLSESSION_API_KEY"); v != "" {
		c.TokenService.APIKey = v
	}
	if v := os.Getenv("CALLSESSION_API_SECRET"); v != "" {
		c.TokenService.APISecret = v
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Transport.SFUURL == "" {
		return fmt.Errorf("transport.sfu_url must not be empty")
	}
	if c.Transport.TokenEndpoint == "" {
		return fmt.Errorf("transport.token_endpoint must not be empty")
	}
	if c.Transport.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("transport.reconnect.max_retries must be >= 0")
	}
	if c.Transport.Reconnect.InitialInterval <= 0 {
		return fmt.Errorf("transport.reconnect.initial_interval must be > 0")
	}
	if c.Transport.Reconnect.MaxInterval < c.Transport.Reconnect.InitialInterval {
		return fmt.Errorf("transport.reconnect.max_interval must be >= initial_interval")
	}
	if c.Transport.DataRateLimit <= 0 {
		return fmt.Errorf("transport.data_rate_limit must be > 0")
	}
	if c.Transport.DataBurst <= 0 {
		return fmt.Errorf("transport.data_burst must be > 0")
	}
	for i, s := range c.Transport.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("transport.ice_servers[%d].urls must not be empty", i)
		}
	}

	if !media.Quality(c.Media.DefaultQuality).Valid() {
		return fmt.Errorf("media.default_quality %q is not one of %v", c.Media.DefaultQuality, media.Qualities())
	}
	if c.Media.SettleDelay < 0 {
		return fmt.Errorf("media.settle_delay must be >= 0")
	}
	if c.Media.PollInterval <= 0 {
		return fmt.Errorf("media.poll_interval must be > 0")
	}

	if c.ScreenShare.Width < 0 || c.ScreenShare.Height < 0 || c.ScreenShare.FrameRate < 0 {
		return fmt.Errorf("screenshare dimensions must be >= 0")
	}

	switch c.Call.DefaultLayout {
	case "grid", "speaker", "fullscreen":
	default:
		return fmt.Errorf("call.default_layout must be one of grid, speaker, fullscreen")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics.enabled=true")
	}

	if c.TokenService.TTL <= 0 {
		return fmt.Errorf("token_service.ttl must be > 0")
	}
	if c.TokenService.RateLimit.Enabled {
		if c.TokenService.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("token_service.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.TokenService.RateLimit.Burst <= 0 {
			return fmt.Errorf("token_service.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	return nil
}

// ValidateTokenService checks the settings only the token service needs.
func (c *Config) ValidateTokenService() error {
	if c.TokenService.Address == "" {
		return fmt.Errorf("token_service.address must not be empty")
	}
	if c.TokenService.APIKey == "" {
		return fmt.Errorf("token_service.api_key must not be empty")
	}
	if len(c.TokenService.APISecret) < 16 {
		return fmt.Errorf("token_service.api_secret must be at least 16 characters")
	}
	return nil
}
