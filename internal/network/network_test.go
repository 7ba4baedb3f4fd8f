package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// newTestServer starts a listening node answering with handler.
func newTestServer(t *testing.T, handler RequestHandler, authorize func(ed25519.PublicKey) bool) (*Node, ed25519.PublicKey) {
	t.Helper()

	key := generateTestKey(t)

	node, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0", Authorize: authorize})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	node.OnRequest(handler)

	if err := node.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node, key.Public().(ed25519.PublicKey)
}

// newTestClient creates a dial-only node.
func newTestClient(t *testing.T) *Node {
	t.Helper()

	node, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

func echo(_ *Peer, data []byte) ([]byte, error) {
	return append([]byte("echo:"), data...), nil
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("listening node should report an address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}

	if _, err := NewNode(Config{}); err == nil {
		t.Error("expected error without private key")
	}
}

// TestRequest tests a request/reply exchange over a pinned connection.
func TestRequest(t *testing.T) {
	server, serverKey := newTestServer(t, echo, nil)
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverKey) {
		t.Error("peer public key mismatch")
	}

	for i := 0; i < 3; i++ {
		msg := []byte(fmt.Sprintf("batch-%d", i))

		resp, err := peer.Request(ctx, msg)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}

		want := append([]byte("echo:"), msg...)
		if !bytes.Equal(resp, want) {
			t.Errorf("response: got %q, want %q", resp, want)
		}
	}
}

// TestDialReusesConnection tests that a second Dial returns the cached peer.
func TestDialReusesConnection(t *testing.T) {
	server, serverKey := newTestServer(t, echo, nil)
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	second, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}

	if first != second {
		t.Error("expected cached peer on second dial")
	}

	if got := len(client.Peers()); got != 1 {
		t.Errorf("client peers: got %d, want 1", got)
	}

	first.Close()

	third, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}

	if third == first {
		t.Error("closed peer must not be reused")
	}
}

// TestDialPinnedKeyMismatch tests that a server with another identity is refused.
func TestDialPinnedKeyMismatch(t *testing.T) {
	server, _ := newTestServer(t, echo, nil)
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrong := generateTestKey(t).Public().(ed25519.PublicKey)

	if _, err := client.Dial(ctx, server.Addr(), wrong); err == nil {
		t.Fatal("expected dial to fail for a mismatched identity")
	}

	if got := len(client.Peers()); got != 0 {
		t.Errorf("client peers: got %d, want 0", got)
	}
}

// TestAuthorizeRejects tests that unknown inbound identities cannot make requests.
func TestAuthorizeRejects(t *testing.T) {
	server, serverKey := newTestServer(t, echo, func(ed25519.PublicKey) bool { return false })
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peer, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		// The server may close the connection before the handshake completes.
		return
	}

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected request from unauthorized peer to fail")
	}
}

// TestHandlerFailureKeepsServing tests that handler errors and panics fail only their stream.
func TestHandlerFailureKeepsServing(t *testing.T) {
	handler := func(_ *Peer, data []byte) ([]byte, error) {
		switch string(data) {
		case "panic":
			panic("boom")
		case "fail":
			return nil, errors.New("refused")
		}
		return data, nil
	}

	server, serverKey := newTestServer(t, handler, nil)
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Dial(ctx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	for _, msg := range []string{"panic", "fail"} {
		if _, err := peer.Request(ctx, []byte(msg)); err == nil {
			t.Errorf("%s: expected request error", msg)
		}
	}

	resp, err := peer.Request(ctx, []byte("ok"))
	if err != nil {
		t.Fatalf("request after failures: %v", err)
	}

	if string(resp) != "ok" {
		t.Errorf("response: got %q, want %q", resp, "ok")
	}
}

// TestRequestContextCancel tests that a slow handler is abandoned on cancellation.
func TestRequestContextCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	handler := func(_ *Peer, data []byte) ([]byte, error) {
		<-release
		return data, nil
	}

	server, serverKey := newTestServer(t, handler, nil)
	client := newTestClient(t)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()

	peer, err := client.Dial(dialCtx, server.Addr(), serverKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := peer.Request(ctx, []byte("slow")); err == nil {
		t.Fatal("expected timeout")
	}

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("request returned after %v", elapsed)
	}
}

// TestFrameRoundTrip tests framing and the size limit.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, []byte("share"), DefaultMaxFrameSize); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readFrame(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "share" {
		t.Errorf("frame: got %q, want %q", got, "share")
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = readFrame(bytes.NewReader(oversized), DefaultMaxFrameSize)

	var fe *FrameTooLargeError
	if !errors.As(err, &fe) || fe.Remote || fe.Limit != DefaultMaxFrameSize {
		t.Errorf("oversized header: got %v, want local FrameTooLargeError", err)
	}

	if err := writeFrame(&buf, make([]byte, 9), 8); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized write: got %v, want ErrFrameTooLarge", err)
	}

	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 1}), DefaultMaxFrameSize); err == nil || errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("truncated frame: got %v, want a read error", err)
	}
}

// TestRemoteFrameLimit tests that a request over the server's limit fails
// with a remote FrameTooLargeError and leaves the connection usable.
func TestRemoteFrameLimit(t *testing.T) {
	key := generateTestKey(t)

	server, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0", MaxFrame: 1024})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	defer server.Close()

	server.OnRequest(func(_ *Peer, data []byte) ([]byte, error) { return data, nil })

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Dial(ctx, server.Addr(), key.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_, err = peer.Request(ctx, make([]byte, 4096))

	var fe *FrameTooLargeError
	if !errors.As(err, &fe) || !fe.Remote || fe.Size != 4096 {
		t.Fatalf("oversized request: got %v, want remote FrameTooLargeError", err)
	}

	resp, err := peer.Request(ctx, []byte("small"))
	if err != nil {
		t.Fatalf("request after refusal: %v", err)
	}

	if string(resp) != "small" {
		t.Errorf("echo: got %q, want small", resp)
	}
}
