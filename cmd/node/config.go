package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/network"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/transport"
)

// Config holds the node configuration.
type Config struct {
	// Role is edge or core.
	Role keyshare.Role

	// Index is this Core's index in the cluster file.
	Index int

	// ListenAddress is the Core QUIC listen address, defaulting to the
	// cluster file address.
	ListenAddress string

	// HTTPAddress is the Edge HTTP API listen address.
	HTTPAddress string

	// ClusterPath is the TOML cluster file.
	ClusterPath string

	// KeyPath is the path to the Ed25519 identity key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// SharePath is this Core's key share file.
	SharePath string

	// DataPath is the directory of the Core share cache.
	DataPath string

	// Deadline is how long a session waits for a quorum of shares.
	Deadline time.Duration

	// Retention is how long terminal sessions stay queryable.
	Retention time.Duration

	// MaxFrame bounds one QUIC request or reply in bytes.
	MaxFrame int

	// Retry bounds each Edge to Core request.
	Retry transport.RetryPolicy

	// RedisAddr enables the Redis result store when set.
	RedisAddr string

	// CycleParticipants is the number of readings that close a cycle, 0 disables cycles.
	CycleParticipants int

	// CycleWidth is the slot count of every cycle reading.
	CycleWidth int

	// RatePerSecond is the per-client submission rate of the HTTP API.
	RatePerSecond float64

	// LogLevel is the minimum log level.
	LogLevel slog.Level
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{Retry: transport.DefaultRetryPolicy()}

	var role, level string

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.StringVar(&role, "role", "core", "Process role: edge or core")
	fs.IntVar(&cfg.Index, "index", 0, "Core index in the cluster file")
	fs.StringVar(&cfg.ListenAddress, "listen", "", "Core QUIC listen address (default: cluster file address)")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "Edge HTTP API address")
	fs.StringVar(&cfg.ClusterPath, "cluster", "./cluster/cluster.toml", "Cluster file path")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 identity key path (generated if missing)")
	fs.StringVar(&cfg.SharePath, "share", "", "Core key share path (default: next to the cluster file)")
	fs.StringVar(&cfg.DataPath, "data", "./data", "Core data directory")
	fs.DurationVar(&cfg.Deadline, "deadline", session.DefaultDeadline, "Session quorum deadline")
	fs.DurationVar(&cfg.Retention, "retention", session.DefaultRetention, "Terminal session retention")
	fs.IntVar(&cfg.MaxFrame, "max-frame", network.DefaultMaxFrameSize, "Largest QUIC request or reply in bytes")
	fs.IntVar(&cfg.Retry.Attempts, "attempts", cfg.Retry.Attempts, "Request attempts per Core")
	fs.DurationVar(&cfg.Retry.Backoff, "backoff", cfg.Retry.Backoff, "Backoff after the first failed attempt")
	fs.DurationVar(&cfg.Retry.RequestTimeout, "request-timeout", cfg.Retry.RequestTimeout, "Timeout of a single Core request")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for session results (empty keeps them in memory)")
	fs.IntVar(&cfg.CycleParticipants, "cycle-participants", 0, "Readings per billing cycle (0 disables cycles)")
	fs.IntVar(&cfg.CycleWidth, "cycle-width", 1, "Slots per cycle reading")
	fs.Float64Var(&cfg.RatePerSecond, "rate", 0, "Per-client submissions per second (0 disables limiting)")
	fs.StringVar(&level, "log-level", "info", "Log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error

	if cfg.Role, err = keyshare.ParseRole(role); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = logger.ParseLevel(level); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks flag combinations.
func (c *Config) validate() error {
	if c.ClusterPath == "" {
		return fmt.Errorf("-cluster is required")
	}

	if c.Role == keyshare.RoleCore && c.Index < 0 {
		return fmt.Errorf("-index must be non-negative, got %d", c.Index)
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("-attempts must be at least 1, got %d", c.Retry.Attempts)
	}

	if c.Deadline <= 0 || c.Retention <= 0 {
		return fmt.Errorf("-deadline and -retention must be positive")
	}

	if c.MaxFrame < 1 {
		return fmt.Errorf("-max-frame must be positive, got %d", c.MaxFrame)
	}

	if c.CycleParticipants < 0 || c.CycleWidth < 1 {
		return fmt.Errorf("invalid cycle configuration: %d participants of width %d", c.CycleParticipants, c.CycleWidth)
	}

	return nil
}
