// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Defaults.
const (
	DefaultAddr          = "localhost:8080"
	DefaultPeers         = 3
	DefaultRounds        = 5
	DefaultWindow        = 2 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSearchTimeout = 10 * time.Second
	DefaultLogLevel      = "info"
)

// Config holds the settings shared by every subcommand.
type Config struct {
	Addr          string
	Peers         int
	Rounds        int
	Window        time.Duration
	PollInterval  time.Duration
	SearchTimeout time.Duration
	LogLevel      string
	AdminAddr     string
	EtcdEndpoints []string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          DefaultAddr,
		Peers:         DefaultPeers,
		Rounds:        DefaultRounds,
		Window:        DefaultWindow,
		PollInterval:  DefaultPollInterval,
		SearchTimeout: DefaultSearchTimeout,
		LogLevel:      DefaultLogLevel,
	}
}

// FromEnv overlays the process environment on Default.
func FromEnv() Config {
	return FromLookup(os.LookupEnv)
}

// FromLookup overlays the variables returned by lookup on Default. Values
// that do not parse are ignored.
func FromLookup(lookup func(string) (string, bool)) Config {
	cfg := Default()
	if v, ok := lookup("RENDEZVOUS_ADDR"); ok && v != "" {
		cfg.Addr = v
	}
	if v, ok := lookup("RENDEZVOUS_PEERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Peers = n
		}
	}
	if v, ok := lookup("RENDEZVOUS_ROUNDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Rounds = n
		}
	}
	durations := map[string]*time.Duration{
		"RENDEZVOUS_WINDOW":         &cfg.Window,
		"RENDEZVOUS_POLL":           &cfg.PollInterval,
		"RENDEZVOUS_SEARCH_TIMEOUT": &cfg.SearchTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	if v, ok := lookup("ETCD_ENDPOINTS"); ok {
		cfg.EtcdEndpoints = SplitList(v)
	}
	return cfg
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("address must not be empty")
	case c.Peers <= 0:
		return errors.Errorf("peer count must be positive, got %d", c.Peers)
	case c.Rounds <= 0:
		return errors.Errorf("rounds must be positive, got %d", c.Rounds)
	case c.Window <= 0:
		return errors.Errorf("window must be positive, got %s", c.Window)
	case c.PollInterval <= 0:
		return errors.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.SearchTimeout <= 0:
		return errors.Errorf("search timeout must be positive, got %s", c.SearchTimeout)
	case c.SearchTimeout <= c.Window:
		return errors.Errorf("search timeout %s must exceed window %s", c.SearchTimeout, c.Window)
	}
	return nil
}
