package config

import (
	"net/url"
	"strings"
	"time"
)

// Config holds runtime settings for the Roomies client.
type Config struct {
	ServerURL   string
	RealtimeURL string
	HealthAddr  string

	DatabasePath string
	KeyFile      string
	LogFile      string
	LogLevel     string

	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	RefreshMargin  time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimit      float64
	RateBurst      int

	PullInterval        time.Duration
	PushConcurrency     int
	PageSize            int
	OnlineCheckInterval time.Duration
	ReconnectMaxDelay   time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.RealtimeURL = ""
	c.HealthAddr = "127.0.0.1:50051"
	c.DatabasePath = "roomies.db"
	c.KeyFile = "roomies.key"
	c.LogFile = ""
	c.LogLevel = "info"
	c.RequestTimeout = 20 * time.Second
	c.RefreshTimeout = 10 * time.Second
	c.RefreshMargin = 60 * time.Second
	c.MaxAttempts = 3
	c.RetryBaseDelay = 500 * time.Millisecond
	c.RetryMaxDelay = 30 * time.Second
	c.RateLimit = 10
	c.RateBurst = 5
	c.PullInterval = 60 * time.Second
	c.PushConcurrency = 4
	c.PageSize = 200
	c.OnlineCheckInterval = 3 * time.Second
	c.ReconnectMaxDelay = 30 * time.Second
}

// WebsocketURL returns RealtimeURL, or derives ws(s)://host/v1/realtime from
// ServerURL when it is unset.
func (c *Config) WebsocketURL() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String()
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// the config file (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseFile(cfg)
	parseFlags(cfg)
	return cfg
}
