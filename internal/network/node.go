package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"PrivateBilling/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "private-billing/1"

	// idleTimeout closes connections with no traffic and no keep-alive.
	idleTimeout = 60 * time.Second

	// keepAlivePeriod keeps cached Edge to Core connections open between sessions.
	keepAlivePeriod = 15 * time.Second
)

// ErrClosed is returned by operations on a closed node or peer.
var ErrClosed = errors.New("network: closed")

// RequestHandler answers one request frame from a peer.
type RequestHandler func(p *Peer, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey ed25519.PrivateKey           // PrivateKey is the node's ed25519 identity key
	ListenAddr string                       // ListenAddr is the QUIC listen address, empty for dial-only nodes
	Authorize  func(ed25519.PublicKey) bool // Authorize filters inbound peers, nil accepts any
	MaxFrame   int                          // MaxFrame bounds frames in both directions, 0 for DefaultMaxFrameSize
}

// Node accepts inbound request streams and dials pinned remote nodes.
type Node struct {
	publicKey  ed25519.PublicKey            // publicKey is the node's ed25519 public key
	listenAddr string                       // listenAddr is the address to listen on
	authorize  func(ed25519.PublicKey) bool // authorize filters inbound peers
	maxFrame   int                          // maxFrame bounds every frame read or written
	cert       tls.Certificate              // cert is the node's self-signed certificate
	quicConfig *quic.Config                 // quicConfig is the shared QUIC configuration

	listener *quic.Listener // listener is nil for dial-only nodes

	peers   map[string]*Peer // peers maps remote public key hex to an open peer
	peersMu sync.Mutex       // peersMu protects peers

	onRequest  RequestHandler // onRequest answers inbound streams
	handlersMu sync.RWMutex   // handlersMu protects onRequest

	ctx    context.Context    // ctx is the node's lifetime
	cancel context.CancelFunc // cancel stops background loops
	wg     sync.WaitGroup     // wg waits for background loops
}

// NewNode creates a network node. The node does not listen until Start.
func NewNode(cfg Config) (*Node, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := newCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("certificate:\n%w", err)
	}

	maxFrame := cfg.MaxFrame
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		authorize:  cfg.Authorize,
		maxFrame:   maxFrame,
		cert:       cert,
		quicConfig: &quic.Config{
			MaxIdleTimeout:  idleTimeout,
			KeepAlivePeriod: keepAlivePeriod,
		},
		peers:  make(map[string]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or an empty string before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// OnRequest sets the handler for inbound request streams.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Start begins accepting inbound connections on ListenAddr.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{n.cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identities are checked by key, not chain
		NextProtos:         []string{alpnProtocol},
	}

	listener, err := quic.ListenAddr(n.listenAddr, tlsConf, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Dial returns a connection to addr whose certificate carries expected.
// An open connection to the same identity and address is reused.
func (n *Node) Dial(ctx context.Context, addr string, expected ed25519.PublicKey) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}

	keyHex := hex.EncodeToString(expected)

	n.peersMu.Lock()
	if p, ok := n.peers[keyHex]; ok && !p.isClosed() && p.address == addr {
		n.peersMu.Unlock()
		return p, nil
	}
	n.peersMu.Unlock()

	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{n.cert},
		InsecureSkipVerify:    true, // replaced by the pinned key check below
		VerifyPeerCertificate: pinKey(expected),
		NextProtos:            []string{alpnProtocol},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer := n.register(conn, addr, expected)

	return peer, nil
}

// Peers returns the currently open peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}

	return out
}

// Close stops the node and closes every connection.
func (n *Node) Close() error {
	n.cancel()

	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return err
}

// acceptLoop accepts inbound connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming authorizes an inbound connection and serves its streams.
func (n *Node) handleIncoming(conn *quic.Conn) {
	pub, err := remoteKey(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("inbound rejected", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "no identity")
		return
	}

	if n.authorize != nil && !n.authorize(pub) {
		logger.Warn("inbound peer not in directory", "remote", conn.RemoteAddr(), "key", hex.EncodeToString(pub[:8]))
		conn.CloseWithError(2, "unauthorized")
		return
	}

	n.register(conn, conn.RemoteAddr().String(), pub)
}

// register tracks a connection and starts serving its request streams.
func (n *Node) register(conn *quic.Conn, addr string, pub ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pub)

	peer := &Peer{
		publicKey: pub,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	// A previous connection to the same identity keeps serving its
	// in-flight streams; only new requests use the latest one.
	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
	}()

	return peer
}

// forget removes a closed peer unless it was already replaced.
func (n *Node) forget(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()
}

// handleRequest calls the request handler and turns panics into errors.
func (n *Node) handleRequest(p *Peer, data []byte) (resp []byte, err error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panic: %v", r)
		}
	}()

	return fn(p, data)
}
