package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/roomies/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
//	-a string   backend base URL
//	-g string   gRPC health endpoint host:port
//	-d string   local database path
//	-i int      online check interval (seconds)
//	-p int      background pull interval (seconds)
//
// Only these flags are taken from os.Args (see flagx.FilterArgs), so cobra
// subcommand flags do not interfere.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-i", "-p"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "backend base URL")
	fs.StringVar(&cfg.HealthAddr, "g", cfg.HealthAddr, "gRPC health endpoint")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database path")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	pullInterval := fs.Int("p", int(cfg.PullInterval.Seconds()), "pull interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	cfg.PullInterval = time.Duration(*pullInterval) * time.Second
}
