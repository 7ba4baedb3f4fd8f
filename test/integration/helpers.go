package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"PrivateBilling/client"
	"PrivateBilling/internal/api"
	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/network"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/storage"
	"PrivateBilling/internal/transport"
	"PrivateBilling/internal/worker"
)

// Core is one running Core: a worker served over its own QUIC node.
type Core struct {
	index  int              // index is the Core index
	node   *network.Node    // node listens on a loopback port
	store  *storage.Storage // store is the Core's share cache
	worker *worker.Worker   // worker answers BatchSubmit requests
	cancel context.CancelFunc
	once   sync.Once
}

// Addr returns the Core's QUIC address.
func (c *Core) Addr() string { return c.node.Addr() }

// Stop closes the Core's listener and storage. Its address stays in the
// directory, so the Edge sees an unreachable node.
func (c *Core) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		if c.node != nil {
			c.node.Close()
		}

		c.store.Close()
	})
}

// Cluster is an Edge and n Cores running in one process over loopback QUIC.
type Cluster struct {
	bundle   *keyshare.Bundle        // bundle holds every dealt secret
	dir      *keyshare.Directory     // dir is the Edge's directory
	cores    []*Core                 // cores holds every Core, stopped or not
	edgeNode *network.Node           // edgeNode dials the Cores
	sessions *session.Manager        // sessions is the Edge session manager
	cycles   *session.CycleCollector // cycles collects per-cycle readings
	api      *api.Server             // api serves clients
	client   *client.Client          // client talks to api
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	cores        int           // cores is n
	threshold    int           // threshold is t
	deadline     time.Duration // deadline bounds every session
	participants int           // participants closes a billing cycle
	down         []int         // down lists Cores stopped before the first session
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithDeadline sets the session deadline.
func WithDeadline(d time.Duration) ClusterOption {
	return func(o *clusterOpts) { o.deadline = d }
}

// WithDown stops the given Cores before the cluster serves requests.
func WithDown(indices ...int) ClusterOption {
	return func(o *clusterOpts) { o.down = append(o.down, indices...) }
}

// WithParticipants sets the number of readings per billing cycle.
func WithParticipants(n int) ClusterOption {
	return func(o *clusterOpts) { o.participants = n }
}

// StartCluster deals keys for five Cores with threshold three and starts
// every component. Everything is torn down with the test.
func StartCluster(t *testing.T, opts ...ClusterOption) *Cluster {
	t.Helper()

	o := clusterOpts{cores: 5, threshold: 3, deadline: 20 * time.Second, participants: 3}
	for _, opt := range opts {
		opt(&o)
	}

	params, err := fhe.NewParameters("test")
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}

	placeholders := make([]string, o.cores)
	for i := range placeholders {
		placeholders[i] = "127.0.0.1:0"
	}

	bundle, err := keyshare.Generate(params, o.threshold, placeholders)
	if err != nil {
		t.Fatalf("deal keys: %v", err)
	}

	c := &Cluster{bundle: bundle}
	t.Cleanup(c.Close)

	for i := range o.cores {
		c.cores = append(c.cores, startCore(t, bundle, i))
	}

	c.dir = edgeDirectory(t, bundle, c.cores)

	for _, i := range o.down {
		c.cores[i].Stop()
	}

	c.edgeNode, err = network.NewNode(network.Config{PrivateKey: bundle.EdgeKey})
	if err != nil {
		t.Fatalf("edge node: %v", err)
	}

	policy := transport.RetryPolicy{
		Attempts:       2,
		Backoff:        50 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		RequestTimeout: time.Second,
	}

	c.sessions, err = session.New(session.Config{
		Directory: c.dir,
		Requester: transport.NewClient(c.edgeNode, c.dir, policy),
		Deadline:  o.deadline,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	c.cycles, err = session.NewCycleCollector(c.sessions, o.participants, 1)
	if err != nil {
		t.Fatalf("cycle collector: %v", err)
	}

	pk, err := c.dir.PublicKey().MarshalBinary()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	c.api, err = api.New(api.Config{
		Addr:      "127.0.0.1:0",
		Sessions:  c.sessions,
		Readings:  c.cycles,
		Cluster:   api.NewClusterInfo(params.Name(), c.dir.Threshold(), c.dir.AttestationKeys()),
		PublicKey: pk,
	})
	if err != nil {
		t.Fatalf("api: %v", err)
	}

	if err := c.api.Start(); err != nil {
		t.Fatalf("start api: %v", err)
	}

	c.client, err = client.New(context.Background(), c.api.Addr())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c.client.SetPollInterval(20 * time.Millisecond)

	return c
}

// startCore starts Core i on a loopback port with a fresh share cache.
func startCore(t *testing.T, bundle *keyshare.Bundle, i int) *Core {
	t.Helper()

	dir, err := bundle.CoreDirectory(i)
	if err != nil {
		t.Fatalf("core %d directory: %v", i, err)
	}

	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("core %d storage: %v", i, err)
	}

	// Registered after TempDir, so the store closes before its directory goes.
	core := &Core{index: i, store: store}
	t.Cleanup(core.Stop)

	signer, err := identity.DeriveBLS(bundle.CoreKeys[i])
	if err != nil {
		t.Fatalf("core %d attestation key: %v", i, err)
	}

	core.worker, err = worker.New(worker.Config{Directory: dir, Signer: signer, Store: store})
	if err != nil {
		t.Fatalf("core %d worker: %v", i, err)
	}

	edgeKey := bundle.EdgeKey.Public().(ed25519.PublicKey)

	core.node, err = network.NewNode(network.Config{
		PrivateKey: bundle.CoreKeys[i],
		ListenAddr: "127.0.0.1:0",
		Authorize:  func(pub ed25519.PublicKey) bool { return bytes.Equal(pub, edgeKey) },
	})
	if err != nil {
		t.Fatalf("core %d node: %v", i, err)
	}

	transport.NewServer(core.node, uint16(i), core.worker)

	if err := core.node.Start(); err != nil {
		t.Fatalf("core %d listen: %v", i, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	core.cancel = cancel
	go core.worker.Run(ctx)

	return core
}

// edgeDirectory rebuilds the Edge directory with the Cores' bound addresses.
func edgeDirectory(t *testing.T, bundle *keyshare.Bundle, cores []*Core) *keyshare.Directory {
	t.Helper()

	dealt, err := bundle.EdgeDirectory()
	if err != nil {
		t.Fatalf("edge directory: %v", err)
	}

	entries := dealt.Cores()
	for i := range entries {
		entries[i].Address = cores[i].Addr()
	}

	dir, err := keyshare.New(keyshare.Config{
		Parameters: dealt.Parameters(),
		PublicKey:  dealt.PublicKey(),
		Threshold:  dealt.Threshold(),
		Cores:      entries,
		EdgeKey:    dealt.EdgeKey(),
		Self:       dealt.Self(),
	})
	if err != nil {
		t.Fatalf("edge directory: %v", err)
	}

	return dir
}

// Client returns the HTTP client of the cluster.
func (c *Cluster) Client() *client.Client { return c.client }

// Core returns Core i.
func (c *Cluster) Core(i int) *Core { return c.cores[i] }

// Close stops every component.
func (c *Cluster) Close() {
	if c.api != nil {
		c.api.Stop()
	}

	if c.sessions != nil {
		c.sessions.Close()
	}

	if c.edgeNode != nil {
		c.edgeNode.Close()
	}

	for _, core := range c.cores {
		core.Stop()
	}
}

// readings builds one single-slot reading per value.
func readings(values ...uint64) []client.Reading {
	out := make([]client.Reading, len(values))
	for i, v := range values {
		out[i] = client.Reading{Slot: fmt.Sprintf("meter-%d", i), Values: []uint64{v}}
	}

	return out
}

// submitRequest wraps encrypted readings in a sum request.
func submitRequest(id string, cts []api.CiphertextJSON) api.SubmitRequest {
	return api.SubmitRequest{
		SessionID:   id,
		Descriptor:  api.DescriptorJSON{Function: string(fhe.FunctionSum), Width: 1},
		Ciphertexts: cts,
	}
}

// waitCtx returns a context bounded for one scenario.
func waitCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	return ctx
}
