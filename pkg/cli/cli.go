package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dmdmdm-nz/connmon/pkg/version"
)

// Config holds the application configuration from CLI flags
type Config struct {
	Port        int
	Host        string
	LogLevel    string
	IdleTimeout time.Duration
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 60110, "Port to listen on")
	flag.StringVar(&cfg.Host, "host", "127.0.0.1", "Host to bind to")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Exit after this long without a connectivity change (0 disables)")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *showVersion {
		fmt.Printf("connmon version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		os.Exit(0)
	}

	return cfg
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, LogLevel: %s, IdleTimeout: %s", c.Host, c.Port, c.LogLevel, c.IdleTimeout)
}
