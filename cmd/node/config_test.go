package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/network"
)

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags([]string{"-role", "edge", "-cluster", "c/cluster.toml"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Role != keyshare.RoleEdge {
		t.Errorf("role: got %s, want edge", cfg.Role)
	}

	if cfg.Retry.Attempts != 4 || cfg.LogLevel != slog.LevelInfo || cfg.MaxFrame != network.DefaultMaxFrameSize {
		t.Errorf("defaults: got attempts %d level %s max frame %d", cfg.Retry.Attempts, cfg.LogLevel, cfg.MaxFrame)
	}

	cfg.resolvePaths()

	if want := filepath.Join("c", keyshare.EdgeKeyFileName); cfg.KeyPath != want {
		t.Errorf("key path: got %s, want %s", cfg.KeyPath, want)
	}

	if cfg.SharePath != "" {
		t.Errorf("edge share path: got %s, want empty", cfg.SharePath)
	}
}

func TestParseFlags_Core(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-role", "core", "-index", "2", "-cluster", "c/cluster.toml",
		"-deadline", "5s", "-attempts", "2", "-log-level", "debug",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg.resolvePaths()

	if cfg.Deadline != 5*time.Second || cfg.Retry.Attempts != 2 || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("got deadline %s attempts %d level %s", cfg.Deadline, cfg.Retry.Attempts, cfg.LogLevel)
	}

	if want := filepath.Join("c", "core-2.share"); cfg.SharePath != want {
		t.Errorf("share path: got %s, want %s", cfg.SharePath, want)
	}

	if want := filepath.Join("c", "core-2.key"); cfg.KeyPath != want {
		t.Errorf("key path: got %s, want %s", cfg.KeyPath, want)
	}
}

func TestParseFlags_Invalid(t *testing.T) {
	cases := [][]string{
		{"-role", "observer"},
		{"-log-level", "loud"},
		{"-attempts", "0"},
		{"-deadline", "0s"},
		{"-cycle-participants", "-1"},
		{"-cluster", ""},
		{"-max-frame", "0"},
	}

	for _, args := range cases {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) succeeded, want error", args)
		}
	}
}
