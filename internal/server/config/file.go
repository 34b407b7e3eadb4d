package config

import (
	"time"

	"github.com/dmitrijs2005/roomies/internal/flagx"
	"github.com/dmitrijs2005/roomies/internal/timex"
)

// FileConfig is the on-disk shape of the server config. Durations accept
// "90s" style strings or integer nanoseconds; absent keys keep defaults.
type FileConfig struct {
	HTTPAddr             *string         `json:"http_addr" toml:"http_addr"`
	GRPCAddr             *string         `json:"grpc_addr" toml:"grpc_addr"`
	DatabaseDSN          *string         `json:"database_dsn" toml:"database_dsn"`
	SecretKey            *string         `json:"secret_key" toml:"secret_key"`
	AccessTokenValidity  *timex.Duration `json:"access_token_validity" toml:"access_token_validity"`
	RefreshTokenValidity *timex.Duration `json:"refresh_token_validity" toml:"refresh_token_validity"`
	RateLimit            *float64        `json:"rate_limit" toml:"rate_limit"`
	RateBurst            *int            `json:"rate_burst" toml:"rate_burst"`
	LogLevel             *string         `json:"log_level" toml:"log_level"`
	PresignValidity      *timex.Duration `json:"presign_validity" toml:"presign_validity"`
	S3RootUser           *string         `json:"s3_root_user" toml:"s3_root_user"`
	S3RootPassword       *string         `json:"s3_root_password" toml:"s3_root_password"`
	S3Bucket             *string         `json:"s3_bucket" toml:"s3_bucket"`
	S3Region             *string         `json:"s3_region" toml:"s3_region"`
	S3BaseEndpoint       *string         `json:"s3_base_endpoint" toml:"s3_base_endpoint"`
}

// parseFile loads the file named by -c or -config, if any, into config.
// If the file cannot be read or decoded, the function panics.
func parseFile(config *Config) {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return
	}

	var fc FileConfig
	if err := flagx.DecodeConfigFile(path, &fc); err != nil {
		panic(err)
	}

	str := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	dur := func(dst *time.Duration, v *timex.Duration) {
		if v != nil {
			*dst = v.Duration
		}
	}

	str(&config.HTTPAddr, fc.HTTPAddr)
	str(&config.GRPCAddr, fc.GRPCAddr)
	str(&config.DatabaseDSN, fc.DatabaseDSN)
	str(&config.SecretKey, fc.SecretKey)
	dur(&config.AccessTokenValidity, fc.AccessTokenValidity)
	dur(&config.RefreshTokenValidity, fc.RefreshTokenValidity)
	if fc.RateLimit != nil {
		config.RateLimit = *fc.RateLimit
	}
	if fc.RateBurst != nil {
		config.RateBurst = *fc.RateBurst
	}
	str(&config.LogLevel, fc.LogLevel)
	dur(&config.PresignValidity, fc.PresignValidity)
	str(&config.S3RootUser, fc.S3RootUser)
	str(&config.S3RootPassword, fc.S3RootPassword)
	str(&config.S3Bucket, fc.S3Bucket)
	str(&config.S3Region, fc.S3Region)
	str(&config.S3BaseEndpoint, fc.S3BaseEndpoint)
}
