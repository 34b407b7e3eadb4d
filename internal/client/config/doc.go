// Package config loads runtime configuration for the Roomies client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected with -c or -config. Files ending in
//     .toml are read as TOML, anything else as JSON.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Durations in the file use timex.Duration, so "3s" and integer nanoseconds
// are both accepted:
//
//	{
//	  "server_url": "https://roomies.example",
//	  "database_path": "/var/lib/roomies/client.db",
//	  "pull_interval": "2m",
//	  "push_concurrency": 8
//	}
package config
