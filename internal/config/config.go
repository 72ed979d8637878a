// Package config loads the relay's configuration knobs from a YAML file,
// environment variables, and command-line flags, in that order of
// increasing precedence, following the layering Mutagen uses for its own
// Docker Compose configuration decoding.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every configuration knob enumerated by the control-plane
// specification.
type Config struct {
	// TunnelBaseDomain is the DNS domain under which session identifiers are
	// addressed as subdomains. Required.
	TunnelBaseDomain string `yaml:"tunnelBaseDomain"`
	// ReservedSubdomains is the set of labels that are never treated as
	// session identifiers, even if they happen to match the identifier
	// grammar.
	ReservedSubdomains []string `yaml:"reservedSubdomains"`
	// SessionTTL is how long a session remains valid, measured from
	// creation. Activity on the session does not extend it.
	SessionTTL time.Duration `yaml:"sessionTTL"`
	// ExpirySweepInterval is how often the background sweeper scans for
	// expired or closed sessions.
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval"`
	// ExpiryGrace is how long an expired or closed session is retained in
	// the directory before it is dropped entirely. Lookups already treat
	// such a session as absent during this window.
	ExpiryGrace time.Duration `yaml:"expiryGrace"`
	// HeartbeatInterval is how often the relay pings an attached Tunnel
	// Link.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// HeartbeatMisses is the number of consecutive missed heartbeats that
	// triggers link teardown.
	HeartbeatMisses int `yaml:"heartbeatMisses"`
	// RequestOverallTimeout bounds the total time a public request may wait
	// for a complete response.
	RequestOverallTimeout time.Duration `yaml:"requestOverallTimeout"`
	// ResponseBodyTimeout bounds the time allowed between a response's
	// metadata frame and its body frame.
	ResponseBodyTimeout time.Duration `yaml:"responseBodyTimeout"`
	// PendingAbandonGrace is how long a timed-out pending request's
	// identifier is remembered so a late response can be silently
	// discarded rather than mistaken for an unknown request.
	PendingAbandonGrace time.Duration `yaml:"pendingAbandonGrace"`
	// LinkOutgoingQueueDepth bounds the number of frames a Tunnel Link may
	// buffer before applying back-pressure.
	LinkOutgoingQueueDepth int `yaml:"linkOutgoingQueueDepth"`
	// LinkOutgoingQueueBytes bounds the total buffered byte size of a Tunnel
	// Link's outgoing queue.
	LinkOutgoingQueueBytes int64 `yaml:"linkOutgoingQueueBytes"`
	// MaxRequestBody bounds the size of a public request body accepted for
	// forwarding.
	MaxRequestBody int64 `yaml:"maxRequestBody"`
	// ShareTokenBits is the bit width of generated share tokens.
	ShareTokenBits int `yaml:"shareTokenBits"`
	// LocalFastPath enables the loopback fast path that bypasses the
	// frame-based broker for local development.
	LocalFastPath bool `yaml:"localFastPath"`
	// ListenAddress is the address the public ingress HTTP server binds to.
	ListenAddress string `yaml:"listenAddress"`
}

// Default returns a Config populated with the specification's documented
// defaults. TunnelBaseDomain is left empty since it has no default; callers
// must supply it.
func Default() *Config {
	return &Config{
		ReservedSubdomains:     []string{"api", "www", "app", "admin", "dashboard", "docs", "blog", "status"},
		SessionTTL:             24 * time.Hour,
		ExpirySweepInterval:    60 * time.Second,
		ExpiryGrace:            5 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatMisses:        2,
		RequestOverallTimeout:  30 * time.Second,
		ResponseBodyTimeout:    5 * time.Second,
		PendingAbandonGrace:    10 * time.Second,
		LinkOutgoingQueueDepth: 256,
		LinkOutgoingQueueBytes: 16 << 20,
		MaxRequestBody:         10 << 20,
		ShareTokenBits:         128,
		LocalFastPath:          true,
		ListenAddress:          ":8080",
	}
}

// Load builds a Config by layering, in increasing order of precedence: the
// documented defaults, an optional YAML file at path (skipped if path is
// empty or the file doesn't exist), environment variables (loaded via a
// .env file if present, then the process environment, both prefixed
// TUNNELRELAY_), and finally flags already parsed into the given flag set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	loadEnv(cfg)

	if flags != nil {
		loadFlags(cfg, flags)
	}

	if cfg.TunnelBaseDomain == "" {
		return nil, fmt.Errorf("tunnelBaseDomain is required")
	}

	return cfg, nil
}

// loadYAML decodes the YAML file at path over cfg's existing defaults. A
// missing file is not an error; all other errors are.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("unable to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unable to parse configuration file: %w", err)
	}

	return nil
}

// loadEnv layers TUNNELRELAY_-prefixed environment variables (and, if
// present, a ".env" file in the working directory) over cfg. Unset
// variables leave the existing value untouched.
func loadEnv(cfg *Config) {
	// godotenv.Load is a no-op (returns an error we ignore) when no .env
	// file is present; it only ever augments the process environment.
	_ = godotenv.Load()

	if v := os.Getenv("TUNNELRELAY_TUNNEL_BASE_DOMAIN"); v != "" {
		cfg.TunnelBaseDomain = v
	}
	if v := os.Getenv("TUNNELRELAY_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v, ok := parseBoolEnv("TUNNELRELAY_LOCAL_FAST_PATH"); ok {
		cfg.LocalFastPath = v
	}
	if v, ok := parseDurationEnv("TUNNELRELAY_SESSION_TTL"); ok {
		cfg.SessionTTL = v
	}
}

// loadFlags layers already-parsed flag values over cfg, for flags that were
// explicitly set on the command line.
func loadFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("tunnel-base-domain") {
		if v, err := flags.GetString("tunnel-base-domain"); err == nil {
			cfg.TunnelBaseDomain = v
		}
	}
	if flags.Changed("listen-address") {
		if v, err := flags.GetString("listen-address"); err == nil {
			cfg.ListenAddress = v
		}
	}
	if flags.Changed("local-fast-path") {
		if v, err := flags.GetBool("local-fast-path"); err == nil {
			cfg.LocalFastPath = v
		}
	}
}

func parseBoolEnv(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true", true
}

func parseDurationEnv(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
