package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/transport"
	"PrivateBilling/internal/worker"
)

// testCluster is a dealt five-Core cluster with threshold three.
type testCluster struct {
	dir     *keyshare.Directory
	engine  *fhe.Engine
	workers []*worker.Worker
}

// newTestCluster builds the Edge directory and one worker per Core.
func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	params, err := fhe.NewParameters("test")
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}

	addrs := make([]string, 5)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", 7000+i)
	}

	bundle, err := keyshare.Generate(params, 3, addrs)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	dir, err := bundle.EdgeDirectory()
	if err != nil {
		t.Fatalf("edge directory: %v", err)
	}

	engine, err := dir.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	c := &testCluster{dir: dir, engine: engine}

	for i := range addrs {
		coreDir, err := bundle.CoreDirectory(i)
		if err != nil {
			t.Fatalf("core directory %d: %v", i, err)
		}

		signer, err := identity.DeriveBLS(bundle.CoreKeys[i])
		if err != nil {
			t.Fatalf("derive bls %d: %v", i, err)
		}

		w, err := worker.New(worker.Config{Directory: coreDir, Signer: signer})
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}

		c.workers = append(c.workers, w)
	}

	return c
}

// submit encrypts values, combines them and collects the replies of the given Cores.
func (c *testCluster) submit(t *testing.T, sessionID string, values []uint64, cores ...int) (*fhe.Ciphertext, fhe.Digest, []*transport.ShareReply) {
	t.Helper()

	desc := fhe.Descriptor{Function: fhe.FunctionSum, Width: 1}
	batch := &transport.BatchSubmit{Descriptor: desc}
	cts := make([]*fhe.Ciphertext, len(values))

	for i, v := range values {
		ct, err := c.engine.Encrypt([]uint64{v})
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		data, err := ct.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		cts[i] = ct
		batch.Ciphertexts = append(batch.Ciphertexts, transport.SlotCiphertext{Slot: fmt.Sprint(i), Data: data})
	}

	combined, err := c.engine.CombineBatch(cts, desc)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}

	digest, err := c.engine.Digest(combined)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	batch.Digest = digest

	replies := make([]*transport.ShareReply, 0, len(cores))
	for _, i := range cores {
		r, err := c.workers[i].Process(context.Background(), sessionID, batch)
		if err != nil {
			t.Fatalf("core %d: %v", i, err)
		}
		replies = append(replies, r)
	}

	return combined, digest, replies
}

// TestReconstructQuorum tests the five-meter scenario with Cores 0, 1 and 3.
func TestReconstructQuorum(t *testing.T) {
	c := newTestCluster(t)
	r := New(c.dir, c.engine)

	ct, digest, replies := c.submit(t, "s1", []uint64{10, 20, 5, 7, 3}, 3, 0, 1)

	res, err := r.Reconstruct("s1", ct, digest, replies)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if res.Values[0] != 45 {
		t.Errorf("result: got %d, want 45", res.Values[0])
	}

	if fmt.Sprint(res.Used) != "[0 1 3]" {
		t.Errorf("used: got %v, want [0 1 3]", res.Used)
	}

	if err := res.Certificate.Verify(c.dir.AttestationKeys(), c.dir.Threshold()); err != nil {
		t.Errorf("certificate: %v", err)
	}
}

// TestReconstructInsufficient tests that t-1 shares never decrypt.
func TestReconstructInsufficient(t *testing.T) {
	c := newTestCluster(t)
	r := New(c.dir, c.engine)

	ct, digest, replies := c.submit(t, "s1", []uint64{1, 2}, 0, 1)

	// A repeated Core counts once.
	replies = append(replies, replies[1])

	_, err := r.Reconstruct("s1", ct, digest, replies)
	if !errors.Is(err, fhe.ErrInsufficientShares) {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

// TestReconstructMalformed tests that a bad attestation names the offending Core.
func TestReconstructMalformed(t *testing.T) {
	c := newTestCluster(t)
	r := New(c.dir, c.engine)

	ct, digest, replies := c.submit(t, "s1", []uint64{3, 4}, 0, 1, 2)

	forged := *replies[1]
	forged.Attestation = replies[0].Attestation
	replies[1] = &forged

	_, err := r.Reconstruct("s1", ct, digest, replies)

	var mse *fhe.MalformedShareError
	if !errors.As(err, &mse) {
		t.Fatalf("got %v, want MalformedShareError", err)
	}

	if mse.Index != 1 {
		t.Errorf("offending core: got %d, want 1", mse.Index)
	}

	// The same share verified against another session is refused too.
	if err := r.Verify("s2", digest, replies[0]); !errors.Is(err, fhe.ErrMalformedShare) {
		t.Errorf("cross-session share: got %v, want ErrMalformedShare", err)
	}

	if err := r.Verify("s1", fhe.Digest{1}, replies[0]); !errors.Is(err, fhe.ErrMalformedShare) {
		t.Errorf("wrong digest: got %v, want ErrMalformedShare", err)
	}
}

// TestReconstructCorruptedShare tests that a share altered in place, with its
// length kept, is refused before it reaches the decryption.
func TestReconstructCorruptedShare(t *testing.T) {
	c := newTestCluster(t)
	r := New(c.dir, c.engine)

	ct, digest, replies := c.submit(t, "s1", []uint64{10, 20, 5, 7, 3}, 0, 1, 2, 3)

	corrupted := *replies[1]
	corrupted.Share = slices.Clone(replies[1].Share)
	corrupted.Share[len(corrupted.Share)/2] ^= 0x01
	replies[1] = &corrupted

	_, err := r.Reconstruct("s1", ct, digest, replies)

	var mse *fhe.MalformedShareError
	if !errors.As(err, &mse) || mse.Index != 1 {
		t.Fatalf("got %v, want MalformedShareError for core 1", err)
	}

	res, err := r.Reconstruct("s1", ct, digest, []*transport.ShareReply{replies[0], replies[2], replies[3]})
	if err != nil {
		t.Fatalf("reconstruct without core 1: %v", err)
	}

	if res.Values[0] != 45 {
		t.Errorf("result: got %d, want 45", res.Values[0])
	}
}

// TestReconstructIgnoresExtraShares tests that only the t lowest indices are read.
func TestReconstructIgnoresExtraShares(t *testing.T) {
	c := newTestCluster(t)
	r := New(c.dir, c.engine)

	ct, digest, replies := c.submit(t, "s1", []uint64{6, 6}, 4, 2, 1, 0)

	// Core 4 is fourth lowest; its share is never verified.
	replies[0] = &transport.ShareReply{CoreIndex: 4, Digest: digest}

	res, err := r.Reconstruct("s1", ct, digest, replies)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	if res.Values[0] != 12 {
		t.Errorf("result: got %d, want 12", res.Values[0])
	}
}
