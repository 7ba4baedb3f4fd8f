package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"PrivateBilling/internal/logger"
)

const (
	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is an authenticated connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the owning node
	closed    atomic.Bool       // closed is set once the connection is gone
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Request writes one frame on a new bidirectional stream and reads the reply frame.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	// Unblock reads when the context is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if err := writeFrame(stream, data, p.node.maxFrame); err != nil {
		return nil, fmt.Errorf("write request:\n%w", remoteRefusal(err, len(data)))
	}

	resp, err := readFrame(stream, p.node.maxFrame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response:\n%w", remoteRefusal(err, len(data)))
	}

	return resp, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// isClosed reports whether the connection is known to be gone.
func (p *Peer) isClosed() bool {
	if p.closed.Load() {
		return true
	}

	return p.conn.Context().Err() != nil
}

// serve accepts request streams until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	defer func() {
		p.closed.Store(true)
		p.node.forget(p)
	}()

	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer streams ended", "peer", p.address, "error", err)
			return
		}

		go p.handleStream(stream)
	}
}

// handleStream answers one request stream. A failed handler resets the stream.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readFrame(stream, p.node.maxFrame)
	if errors.Is(err, ErrFrameTooLarge) {
		logger.Warn("request refused", "peer", p.address, "error", err)
		stream.CancelRead(codeFrameTooLarge)
		stream.CancelWrite(codeFrameTooLarge)
		return
	}
	if err != nil {
		return
	}

	resp, err := p.node.handleRequest(p, data)
	if err != nil {
		logger.Warn("request failed", "peer", p.address, "error", err)
		stream.CancelWrite(codeHandlerFailed)
		return
	}

	if err := writeFrame(stream, resp, p.node.maxFrame); err != nil {
		logger.Debug("write response", "peer", p.address, "error", err)
	}
}
