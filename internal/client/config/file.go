package config

import (
	"time"

	"github.com/dmitrijs2005/roomies/internal/flagx"
	"github.com/dmitrijs2005/roomies/internal/timex"
)

// FileConfig is the on-disk shape of the config, JSON or TOML. Only fields
// present in the file override the defaults.
type FileConfig struct {
	ServerURL           *string         `json:"server_url" toml:"server_url"`
	RealtimeURL         *string         `json:"realtime_url" toml:"realtime_url"`
	HealthAddr          *string         `json:"health_addr" toml:"health_addr"`
	DatabasePath        *string         `json:"database_path" toml:"database_path"`
	KeyFile             *string         `json:"key_file" toml:"key_file"`
	LogFile             *string         `json:"log_file" toml:"log_file"`
	LogLevel            *string         `json:"log_level" toml:"log_level"`
	RequestTimeout      *timex.Duration `json:"request_timeout" toml:"request_timeout"`
	RefreshTimeout      *timex.Duration `json:"refresh_timeout" toml:"refresh_timeout"`
	RefreshMargin       *timex.Duration `json:"refresh_margin" toml:"refresh_margin"`
	MaxAttempts         *int            `json:"max_attempts" toml:"max_attempts"`
	RetryBaseDelay      *timex.Duration `json:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay       *timex.Duration `json:"retry_max_delay" toml:"retry_max_delay"`
	RateLimit           *float64        `json:"rate_limit" toml:"rate_limit"`
	RateBurst           *int            `json:"rate_burst" toml:"rate_burst"`
	PullInterval        *timex.Duration `json:"pull_interval" toml:"pull_interval"`
	PushConcurrency     *int            `json:"push_concurrency" toml:"push_concurrency"`
	PageSize            *int            `json:"page_size" toml:"page_size"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval" toml:"online_check_interval"`
	ReconnectMaxDelay   *timex.Duration `json:"reconnect_max_delay" toml:"reconnect_max_delay"`
}

// parseFile overlays Config with values from the file named by -c/-config.
// It panics on read or decode errors.
func parseFile(cfg *Config) {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return
	}

	var fc FileConfig
	if err := flagx.DecodeConfigFile(path, &fc); err != nil {
		panic(err)
	}
	fc.apply(cfg)
}

func (fc *FileConfig) apply(cfg *Config) {
	setString(&cfg.ServerURL, fc.ServerURL)
	setString(&cfg.RealtimeURL, fc.RealtimeURL)
	setString(&cfg.HealthAddr, fc.HealthAddr)
	setString(&cfg.DatabasePath, fc.DatabasePath)
	setString(&cfg.KeyFile, fc.KeyFile)
	setString(&cfg.LogFile, fc.LogFile)
	setString(&cfg.LogLevel, fc.LogLevel)
	setDuration(&cfg.RequestTimeout, fc.RequestTimeout)
	setDuration(&cfg.RefreshTimeout, fc.RefreshTimeout)
	setDuration(&cfg.RefreshMargin, fc.RefreshMargin)
	setInt(&cfg.MaxAttempts, fc.MaxAttempts)
	setDuration(&cfg.RetryBaseDelay, fc.RetryBaseDelay)
	setDuration(&cfg.RetryMaxDelay, fc.RetryMaxDelay)
	if fc.RateLimit != nil {
		cfg.RateLimit = *fc.RateLimit
	}
	setInt(&cfg.RateBurst, fc.RateBurst)
	setDuration(&cfg.PullInterval, fc.PullInterval)
	setInt(&cfg.PushConcurrency, fc.PushConcurrency)
	setInt(&cfg.PageSize, fc.PageSize)
	setDuration(&cfg.OnlineCheckInterval, fc.OnlineCheckInterval)
	setDuration(&cfg.ReconnectMaxDelay, fc.ReconnectMaxDelay)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
