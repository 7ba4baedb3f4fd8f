package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)
	cfg.resolvePaths()

	cfg.PrivateKey, err = identity.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// resolvePaths defaults the key and share files to the dealer's layout
// next to the cluster file.
func (c *Config) resolvePaths() {
	dir := filepath.Dir(c.ClusterPath)

	if c.KeyPath == "" {
		if c.Role == keyshare.RoleEdge {
			c.KeyPath = filepath.Join(dir, keyshare.EdgeKeyFileName)
		} else {
			c.KeyPath = filepath.Join(dir, keyshare.CoreKeyFileName(c.Index))
		}
	}

	if c.SharePath == "" && c.Role == keyshare.RoleCore {
		c.SharePath = filepath.Join(dir, keyshare.ShareFileName(c.Index))
	}
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	attrs := []any{
		"role", cfg.Role.String(),
		"pubkey", hex.EncodeToString(pubKey),
		"cluster", cfg.ClusterPath,
	}

	if cfg.Role == keyshare.RoleCore {
		attrs = append(attrs, "index", cfg.Index, "data", cfg.DataPath)
	} else {
		attrs = append(attrs, "http", cfg.HTTPAddress, "deadline", cfg.Deadline, "redis", cfg.RedisAddr != "")
	}

	logger.Info("starting billing node", attrs...)
}
