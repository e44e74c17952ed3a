package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dmdmdm-nz/reachd/pkg/version"
)

// ErrVersion is returned by Parse when -version was given.
var ErrVersion = errors.New("version requested")

// Config holds the application configuration from CLI flags
type Config struct {
	Hosts         []string
	Port          int
	Host          string
	PollInterval  time.Duration
	RetryInterval time.Duration
	Duration      time.Duration
	Wait          bool
	AllowCellular bool
	LogLevel      string
}

// Parse parses args, without the program name, into a Config.
func Parse(args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("reachd", flag.ContinueOnError)
	fs.SetOutput(output)

	hosts := fs.String("hosts", "apple.com", "Comma separated hosts to monitor")
	fs.IntVar(&cfg.Port, "port", 60106, "API port to listen on, 0 disables the API")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "API host to bind to")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 30*time.Second, "Re-check interval between network change events")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", 5*time.Second, "Retry interval for monitors that failed to activate")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Stop after this long, 0 runs until interrupted")
	fs.BoolVar(&cfg.Wait, "wait", false, "Wait until every host is usable, then exit")
	fs.BoolVar(&cfg.AllowCellular, "allow-cellular", true, "Treat cellular reachability as usable with -wait")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *showVersion {
		fmt.Fprintf(output, "reachd version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		return nil, ErrVersion
	}

	cfg.Hosts = splitHosts(*hosts)
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid poll interval %s", cfg.PollInterval)
	}
	if cfg.RetryInterval <= 0 {
		return nil, fmt.Errorf("invalid retry interval %s", cfg.RetryInterval)
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("invalid duration %s", cfg.Duration)
	}
	return cfg, nil
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:], os.Stderr)
	switch {
	case errors.Is(err, ErrVersion), errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// splitHosts splits a comma separated list, dropping blanks and duplicates.
func splitHosts(s string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Hosts: %s, Host: %s, Port: %d, PollInterval: %s, RetryInterval: %s, Duration: %s, Wait: %t, AllowCellular: %t, LogLevel: %s",
		strings.Join(c.Hosts, ","), c.Host, c.Port, c.PollInterval, c.RetryInterval, c.Duration, c.Wait, c.AllowCellular, c.LogLevel)
}
