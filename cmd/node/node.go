package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"PrivateBilling/internal/api"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/network"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/storage"
	"PrivateBilling/internal/worker"
)

// Node is a running Edge or Core process.
type Node struct {
	cfg     *Config
	dir     *keyshare.Directory
	network *network.Node

	// Core
	storage *storage.Storage
	worker  *worker.Worker

	// Edge
	sessions *session.Manager
	cycles   *session.CycleCollector
	api      *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode loads the cluster directory and builds the components of cfg.Role.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{cfg: cfg, ctx: ctx, cancel: cancel}

	var err error
	if cfg.Role == keyshare.RoleCore {
		err = n.initCore()
	} else {
		err = n.initEdge()
	}

	if err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if n.cfg.Role == keyshare.RoleCore {
		if err := n.startCore(); err != nil {
			n.Close()
			return err
		}
	} else {
		if err := n.startEdge(); err != nil {
			n.Close()
			return err
		}
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	n.cancel()

	var err error

	if n.api != nil {
		err = multierr.Append(err, n.api.Stop())
	}

	if n.sessions != nil {
		err = multierr.Append(err, n.sessions.Close())
	}

	if n.network != nil {
		err = multierr.Append(err, n.network.Close())
	}

	if n.storage != nil {
		err = multierr.Append(err, n.storage.Close())
	}

	return err
}
