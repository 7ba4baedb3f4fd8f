package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"PrivateBilling/internal/api"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/network"
	"PrivateBilling/internal/results"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/storage"
	"PrivateBilling/internal/transport"
	"PrivateBilling/internal/worker"
)

// redisConnectTimeout bounds the initial Redis ping.
const redisConnectTimeout = 5 * time.Second

// initCore loads this Core's share and identity and builds its worker.
func (n *Node) initCore() error {
	dir, err := keyshare.Load(n.cfg.ClusterPath, keyshare.LoadOptions{
		Role:        keyshare.RoleCore,
		Index:       n.cfg.Index,
		SharePath:   n.cfg.SharePath,
		IdentityKey: n.cfg.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("load cluster:\n%w", err)
	}
	n.dir = dir

	if err := n.initStorage(); err != nil {
		return err
	}

	signer, err := identity.DeriveBLS(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive attestation key:\n%w", err)
	}

	w, err := worker.New(worker.Config{
		Directory: dir,
		Signer:    signer,
		Store:     n.storage,
	})
	if err != nil {
		return fmt.Errorf("init worker:\n%w", err)
	}
	n.worker = w

	listen := n.cfg.ListenAddress
	if listen == "" {
		listen = dir.Self().Address
	}

	return n.initNetwork(listen, n.authorizeEdge)
}

// authorizeEdge admits only the Edge pinned in the cluster file, or any
// peer when the file pins none.
func (n *Node) authorizeEdge(pub ed25519.PublicKey) bool {
	edge := n.dir.EdgeKey()
	return edge == nil || bytes.Equal(edge, pub)
}

// initStorage opens the Pebble share cache.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, fmt.Sprintf("core-%d", n.cfg.Index)))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initNetwork creates the QUIC node. An empty listen address gives a dial-only node.
func (n *Node) initNetwork(listen string, authorize func(ed25519.PublicKey) bool) error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: listen,
		Authorize:  authorize,
		MaxFrame:   n.cfg.MaxFrame,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// startCore serves BatchSubmit requests and prunes old share records.
func (n *Node) startCore() error {
	transport.NewServer(n.network, uint16(n.worker.Index()), n.worker)

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	go n.worker.Run(n.ctx)

	logger.Info("core ready", "index", n.worker.Index(), "quic", n.network.Addr())

	return nil
}

// initEdge builds the session manager, the cycle collector and the HTTP API.
func (n *Node) initEdge() error {
	dir, err := keyshare.Load(n.cfg.ClusterPath, keyshare.LoadOptions{
		Role:        keyshare.RoleEdge,
		IdentityKey: n.cfg.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("load cluster:\n%w", err)
	}
	n.dir = dir

	if err := n.initNetwork("", nil); err != nil {
		return err
	}

	store, err := n.resultStore()
	if err != nil {
		return err
	}

	n.sessions, err = session.New(session.Config{
		Directory: dir,
		Requester: transport.NewClient(n.network, dir, n.cfg.Retry),
		Store:     store,
		Deadline:  n.cfg.Deadline,
		Retention: n.cfg.Retention,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("init sessions:\n%w", err)
	}

	apiCfg := api.Config{
		Addr:          n.cfg.HTTPAddress,
		Sessions:      n.sessions,
		Cluster:       api.NewClusterInfo(dir.Parameters().Name(), dir.Threshold(), dir.AttestationKeys()),
		RatePerSecond: n.cfg.RatePerSecond,
		Burst:         max(1, int(n.cfg.RatePerSecond)),
	}

	if apiCfg.PublicKey, err = dir.PublicKey().MarshalBinary(); err != nil {
		return fmt.Errorf("marshal public key:\n%w", err)
	}

	if n.cfg.CycleParticipants > 0 {
		n.cycles, err = session.NewCycleCollector(n.sessions, n.cfg.CycleParticipants, n.cfg.CycleWidth)
		if err != nil {
			return fmt.Errorf("init cycles:\n%w", err)
		}
		apiCfg.Readings = n.cycles
	}

	n.api, err = api.New(apiCfg)
	if err != nil {
		return fmt.Errorf("init api:\n%w", err)
	}

	return nil
}

// resultStore connects to Redis when configured. A nil store keeps
// outcomes in memory.
func (n *Node) resultStore() (session.ResultStore, error) {
	if n.cfg.RedisAddr == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(n.ctx, redisConnectTimeout)
	defer cancel()

	store, err := results.NewRedisStore(ctx, results.Config{Addr: n.cfg.RedisAddr})
	if err != nil {
		return nil, fmt.Errorf("connect redis:\n%w", err)
	}

	return store, nil
}

// startEdge starts the HTTP API. The Edge only dials Cores.
func (n *Node) startEdge() error {
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("edge ready",
		"cores", n.dir.Size(),
		"threshold", n.dir.Threshold(),
		"http", n.api.Addr(),
		"cycles", n.cfg.CycleParticipants,
	)

	return nil
}
