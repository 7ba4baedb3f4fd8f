package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/transport"
	"PrivateBilling/internal/worker"
)

// behavior is how a fake Core answers.
type behavior int

const (
	reply       behavior = iota // reply answers with the worker's share
	unreachable                 // unreachable fails as if retries were exhausted
	hold                        // hold answers only once released
	wrongDigest                 // wrongDigest answers with a share over another aggregate
	truncated                   // truncated answers with a cut share
	refuse                      // refuse answers with an error message
)

// fakeCores answers batch requests with real workers, one per Core.
type fakeCores struct {
	workers []*worker.Worker

	mu       sync.Mutex
	behavior map[int]behavior
	release  chan struct{}
}

func (f *fakeCores) set(core int, b behavior) {
	f.mu.Lock()
	f.behavior[core] = b
	f.mu.Unlock()
}

func (f *fakeCores) Request(ctx context.Context, core int, m transport.Message) (transport.Message, error) {
	f.mu.Lock()
	b := f.behavior[core]
	f.mu.Unlock()

	switch b {
	case unreachable:
		return transport.Message{}, fmt.Errorf("%w: core %d", transport.ErrUnreachable, core)
	case hold:
		select {
		case <-f.release:
		case <-ctx.Done():
			return transport.Message{}, ctx.Err()
		}
	case refuse:
		return transport.NewMessage(m.SessionID, uint16(core), &transport.ErrorReply{Reason: transport.ReasonEngineFailure, Detail: "test"})
	}

	p, err := transport.ParsePayload(m)
	if err != nil {
		return transport.Message{}, err
	}

	share, err := f.workers[core].Process(ctx, m.SessionID, p.(*transport.BatchSubmit))
	if err != nil {
		return transport.Message{}, err
	}

	out := *share
	switch b {
	case wrongDigest:
		out.Digest[0] ^= 0xff
	case truncated:
		out.Share = slices.Clone(share.Share[:len(share.Share)/2])
	}

	return transport.NewMessage(m.SessionID, uint16(core), &out)
}

// testEdge is a manager over a dealt five-Core cluster with threshold three.
type testEdge struct {
	m     *Manager
	dir   *keyshare.Directory
	cores *fakeCores
	clock *clock.Mock
}

// newTestEdge builds the cluster, the fake Cores and the manager.
func newTestEdge(t *testing.T) *testEdge {
	t.Helper()

	params, err := fhe.NewParameters("test")
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}

	addrs := make([]string, 5)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", 7100+i)
	}

	bundle, err := keyshare.Generate(params, 3, addrs)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	dir, err := bundle.EdgeDirectory()
	if err != nil {
		t.Fatalf("edge directory: %v", err)
	}

	cores := &fakeCores{behavior: make(map[int]behavior), release: make(chan struct{})}

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

		cores.workers = append(cores.workers, w)
	}

	mock := clock.NewMock()

	m, err := New(Config{Directory: dir, Requester: cores, Clock: mock})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	return &testEdge{m: m, dir: dir, cores: cores, clock: mock}
}

// batch encrypts one single-slot reading per value.
func (e *testEdge) batch(t *testing.T, values ...uint64) []transport.SlotCiphertext {
	t.Helper()

	out := make([]transport.SlotCiphertext, len(values))
	for i, v := range values {
		ct, err := e.m.Engine().Encrypt([]uint64{v})
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		data, err := ct.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		out[i] = transport.SlotCiphertext{Slot: fmt.Sprintf("meter-%d", i), Data: data}
	}

	return out
}

// submit opens a sum session over values.
func (e *testEdge) submit(t *testing.T, id string, values ...uint64) string {
	t.Helper()

	got, err := e.m.Submit(context.Background(), Submission{
		SessionID:   id,
		Descriptor:  fhe.Descriptor{Function: fhe.FunctionSum, Width: 1},
		Ciphertexts: e.batch(t, values...),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	return got
}

// wait blocks until the session is terminal.
func (e *testEdge) wait(t *testing.T, id string) Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := e.m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}

	return snap
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var meterReadings = []uint64{10, 20, 5, 7, 3}

// TestQuorumWithSlowCores tests the five-meter scenario: Cores 0, 1 and 3
// answer, 2 and 4 answer after completion and are recorded as late.
func TestQuorumWithSlowCores(t *testing.T) {
	e := newTestEdge(t)
	e.cores.set(2, hold)
	e.cores.set(4, hold)

	id := e.submit(t, "", meterReadings...)
	snap := e.wait(t, id)

	if snap.State != StateCompleted {
		t.Fatalf("state: got %s, want completed (reason %q)", snap.State, snap.Reason)
	}

	if snap.Result.Values[0] != 45 {
		t.Errorf("result: got %d, want 45", snap.Result.Values[0])
	}

	if !slices.Equal(snap.Result.Used, []int{0, 1, 3}) {
		t.Errorf("used: got %v, want [0 1 3]", snap.Result.Used)
	}

	if err := snap.Result.Certificate.Verify(e.dir.AttestationKeys(), e.dir.Threshold()); err != nil {
		t.Errorf("certificate: %v", err)
	}

	close(e.cores.release)

	eventually(t, "late shares", func() bool {
		s, err := e.m.Query(context.Background(), id)
		return err == nil && len(s.Late) == 2
	})

	after, err := e.m.Query(context.Background(), id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if after.Result.Values[0] != 45 || !slices.Equal(after.Result.Used, []int{0, 1, 3}) {
		t.Errorf("late shares changed the result: got %v from %v", after.Result.Values, after.Result.Used)
	}
}

// TestQuorumTimeout tests that two of three required shares abort on the deadline.
func TestQuorumTimeout(t *testing.T) {
	e := newTestEdge(t)
	for _, core := range []int{2, 3, 4} {
		e.cores.set(core, unreachable)
	}

	id := e.submit(t, "", meterReadings...)

	eventually(t, "two accepted shares", func() bool {
		s, _ := e.m.Query(context.Background(), id)
		return len(s.Accepted) == 2
	})

	e.clock.Add(DefaultDeadline)
	snap := e.wait(t, id)

	if snap.State != StateAborted || snap.Reason != ReasonQuorumTimeout {
		t.Fatalf("outcome: got %s/%s, want aborted/quorum_timeout", snap.State, snap.Reason)
	}

	if !snap.Retryable() {
		t.Error("quorum timeout should be retryable")
	}

	if !errors.Is(snap.Err(), ErrQuorumTimeout) {
		t.Errorf("err: got %v, want ErrQuorumTimeout", snap.Err())
	}

	if snap.Result != nil {
		t.Error("aborted session must not carry a result")
	}

	// A share arriving after the abort is discarded.
	share := coreShare(t, e, id, 2)
	if err := e.m.AcceptShare(id, share); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("late share after abort: got %v, want ErrSessionClosed", err)
	}
}

// coreShare computes the share Core index would send for an open session.
func coreShare(t *testing.T, e *testEdge, id string, index int) *transport.ShareReply {
	t.Helper()

	s := e.m.lookup(id)
	if s == nil {
		t.Fatalf("session %s not in memory", id)
	}

	p, err := transport.ParsePayload(s.request)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}

	share, err := e.cores.workers[index].Process(context.Background(), id, p.(*transport.BatchSubmit))
	if err != nil {
		t.Fatalf("process core %d: %v", index, err)
	}

	return share
}

// TestDigestMismatchDropped tests that a share over another aggregate is
// dropped, its Core flagged, and the session still completes.
func TestDigestMismatchDropped(t *testing.T) {
	e := newTestEdge(t)
	e.cores.set(2, wrongDigest)
	e.cores.set(4, unreachable)

	id := e.submit(t, "", meterReadings...)
	snap := e.wait(t, id)

	if snap.State != StateCompleted || snap.Result.Values[0] != 45 {
		t.Fatalf("outcome: got %s %+v, want completed 45", snap.State, snap.Result)
	}

	if slices.Contains(snap.Result.Used, 2) {
		t.Errorf("used: got %v, core 2 must be excluded", snap.Result.Used)
	}

	eventually(t, "core 2 degraded", func() bool {
		d, ok := e.m.Status().Degraded[2]
		return ok && d.Reason == "digest_mismatch"
	})
}

// TestErrorReplyCountsAsMissing tests that refusing Cores flag as degraded and
// the remaining quorum still completes.
func TestErrorReplyCountsAsMissing(t *testing.T) {
	e := newTestEdge(t)
	e.cores.set(0, refuse)
	e.cores.set(1, refuse)

	snap := e.wait(t, e.submit(t, "", meterReadings...))

	if snap.State != StateCompleted || !slices.Equal(snap.Result.Used, []int{2, 3, 4}) {
		t.Fatalf("outcome: got %s %+v, want completed from [2 3 4]", snap.State, snap.Result)
	}

	eventually(t, "cores 0 and 1 degraded", func() bool {
		st := e.m.Status()
		_, ok0 := st.Degraded[0]
		_, ok1 := st.Degraded[1]
		return ok0 && ok1
	})
}

// TestReconstructionFailed tests that a malformed share with no substitute aborts.
func TestReconstructionFailed(t *testing.T) {
	e := newTestEdge(t)
	e.cores.set(0, truncated)
	e.cores.set(3, unreachable)
	e.cores.set(4, unreachable)

	snap := e.wait(t, e.submit(t, "", meterReadings...))

	if snap.State != StateAborted || snap.Reason != ReasonReconstructionFailed {
		t.Fatalf("outcome: got %s/%s, want aborted/reconstruction_failed", snap.State, snap.Reason)
	}

	if snap.Retryable() {
		t.Error("reconstruction failure should not be retryable")
	}
}

// TestMalformedShareSubstituted tests that a malformed share among more than
// t accepted ones is replaced by the next-lowest index.
func TestMalformedShareSubstituted(t *testing.T) {
	e := newTestEdge(t)
	for core := range 5 {
		e.cores.set(core, hold)
	}

	id := e.submit(t, "s", meterReadings...)
	s := e.m.lookup(id)

	shares := make([]*transport.ShareReply, 4)
	for i := range shares {
		shares[i] = coreShare(t, e, id, i)
	}
	shares[1].Share = shares[1].Share[:len(shares[1].Share)/2]

	s.mu.Lock()
	for _, share := range shares {
		s.accepted[share.CoreIndex] = share
	}
	s.state = StateReconstructing
	s.mu.Unlock()

	e.m.reconstruct(s)
	snap := e.wait(t, id)

	if snap.State != StateCompleted || snap.Result.Values[0] != 45 {
		t.Fatalf("outcome: got %s %+v, want completed 45", snap.State, snap.Result)
	}

	if !slices.Equal(snap.Result.Used, []int{0, 2, 3}) {
		t.Errorf("used: got %v, want [0 2 3]", snap.Result.Used)
	}

	if d, ok := e.m.Status().Degraded[1]; !ok || d.Reason != "malformed_share" {
		t.Errorf("core 1: got %+v, want degraded malformed_share", d)
	}
}

// TestAcceptShareChecks tests duplicate and unknown-core shares.
func TestAcceptShareChecks(t *testing.T) {
	e := newTestEdge(t)

	id := e.submit(t, "checks", meterReadings...)
	e.wait(t, id)

	eventually(t, "every core answered", func() bool {
		s, err := e.m.Query(context.Background(), id)
		return err == nil && len(s.Accepted)+len(s.Late) == 5
	})

	share := coreShare(t, e, id, 0)
	if err := e.m.AcceptShare(id, share); !errors.Is(err, ErrDuplicateShare) {
		t.Errorf("duplicate: got %v, want ErrDuplicateShare", err)
	}

	foreign := *share
	foreign.CoreIndex = 9
	if err := e.m.AcceptShare(id, &foreign); !errors.Is(err, ErrUnknownCore) {
		t.Errorf("unknown core: got %v, want ErrUnknownCore", err)
	}

	if err := e.m.AcceptShare("missing", share); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session: got %v, want ErrSessionNotFound", err)
	}
}

// TestSubmitConflict tests id reuse with the same and with another batch.
func TestSubmitConflict(t *testing.T) {
	e := newTestEdge(t)

	sub := Submission{
		SessionID:   "bill-42",
		Descriptor:  fhe.Descriptor{Function: fhe.FunctionSum, Width: 1},
		Ciphertexts: e.batch(t, 1, 2, 3),
	}

	id, err := e.m.Submit(context.Background(), sub)
	if err != nil || id != "bill-42" {
		t.Fatalf("submit: got %q, %v", id, err)
	}

	id, err = e.m.Submit(context.Background(), sub)
	if err != nil || id != "bill-42" {
		t.Errorf("same batch: got %q, %v, want bill-42", id, err)
	}

	other := sub
	other.Ciphertexts = e.batch(t, 1, 2, 3)

	if _, err := e.m.Submit(context.Background(), other); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("other batch: got %v, want ErrSessionConflict", err)
	}
}

// TestSubmitInvalid tests batches refused before a session opens.
func TestSubmitInvalid(t *testing.T) {
	e := newTestEdge(t)
	ctx := context.Background()

	cases := map[string]Submission{
		"empty": {Descriptor: fhe.Descriptor{Function: fhe.FunctionSum, Width: 1}},
		"garbage": {
			Descriptor:  fhe.Descriptor{Function: fhe.FunctionSum, Width: 1},
			Ciphertexts: []transport.SlotCiphertext{{Slot: "x", Data: []byte{1, 2, 3}}},
		},
		"weights": {
			Descriptor:  fhe.Descriptor{Function: fhe.FunctionWeightedSum, Weights: []uint64{1, 2}, Width: 1},
			Ciphertexts: e.batch(t, 1),
		},
	}

	cut := e.batch(t, 1, 2)
	cut[1].Data = cut[1].Data[:len(cut[1].Data)/2]
	cases["truncated"] = Submission{
		Descriptor:  fhe.Descriptor{Function: fhe.FunctionSum, Width: 1},
		Ciphertexts: cut,
	}

	for name, sub := range cases {
		if _, err := e.m.Submit(ctx, sub); !errors.Is(err, ErrInvalidSubmission) {
			t.Errorf("%s: got %v, want ErrInvalidSubmission", name, err)
		}
	}

	if st := e.m.Status(); len(st.Sessions) != 0 {
		t.Errorf("sessions: got %v, want none", st.Sessions)
	}
}

// TestRetentionEviction tests that terminal sessions disappear after retention.
func TestRetentionEviction(t *testing.T) {
	e := newTestEdge(t)

	id := e.submit(t, "evict-me", meterReadings...)
	e.wait(t, id)

	e.clock.Add(DefaultRetention / 2)

	if _, err := e.m.Query(context.Background(), id); err != nil {
		t.Fatalf("query before retention: %v", err)
	}

	e.clock.Add(DefaultRetention)

	eventually(t, "eviction", func() bool {
		_, err := e.m.Query(context.Background(), id)
		return errors.Is(err, ErrSessionNotFound)
	})
}

// TestQueryFromStore tests that an evicted session is answered from the result store.
func TestQueryFromStore(t *testing.T) {
	e := newTestEdge(t)

	id := e.submit(t, "stored", meterReadings...)
	want := e.wait(t, id)

	e.m.evict(e.m.lookup(id))

	got, err := e.m.Query(context.Background(), id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if got.State != StateCompleted || got.Result.Values[0] != want.Result.Values[0] {
		t.Errorf("stored outcome: got %s %+v, want %s %+v", got.State, got.Result, want.State, want.Result)
	}

	// The stored digest still guards the id.
	if _, err := e.m.Submit(context.Background(), Submission{
		SessionID:   id,
		Descriptor:  fhe.Descriptor{Function: fhe.FunctionSum, Width: 1},
		Ciphertexts: e.batch(t, 1),
	}); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("reuse after eviction: got %v, want ErrSessionConflict", err)
	}
}

// TestMemoryStoreExpiry tests TTL handling of the in-memory store.
func TestMemoryStoreExpiry(t *testing.T) {
	mock := clock.NewMock()
	store := NewMemoryStore(mock)
	ctx := context.Background()

	if err := store.Put(ctx, &Outcome{SessionID: "a", State: StateCompleted}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	if o, _ := store.Get(ctx, "a"); o == nil || o.State != StateCompleted {
		t.Fatalf("get: got %+v", o)
	}

	mock.Add(time.Minute)

	if o, _ := store.Get(ctx, "a"); o != nil {
		t.Errorf("expired outcome still returned: %+v", o)
	}
}

// TestCycleCollector tests that the last reading of a cycle opens its session.
func TestCycleCollector(t *testing.T) {
	e := newTestEdge(t)
	ctx := context.Background()

	cc, err := NewCycleCollector(e.m, 3, 1)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}

	readings := e.batch(t, 11, 22, 33)

	for i, slot := range []string{"house-c", "house-a"} {
		p, err := cc.Add(ctx, "7", slot, readings[i].Data)
		if err != nil {
			t.Fatalf("add %s: %v", slot, err)
		}

		if p.Received != i+1 || p.SessionID != "" {
			t.Errorf("progress %d: got %+v", i, p)
		}
	}

	if _, err := cc.Add(ctx, "7", "house-a", readings[2].Data); !errors.Is(err, ErrDuplicateReading) {
		t.Errorf("duplicate reading: got %v, want ErrDuplicateReading", err)
	}

	p, err := cc.Add(ctx, "7", "house-b", readings[2].Data)
	if err != nil {
		t.Fatalf("closing reading: %v", err)
	}

	if p.SessionID != "cycle-7" || p.Received != 3 {
		t.Fatalf("progress: got %+v, want cycle-7 with 3 readings", p)
	}

	snap := e.wait(t, p.SessionID)
	if snap.State != StateCompleted || snap.Result.Values[0] != 66 {
		t.Fatalf("cycle outcome: got %s %+v, want completed 66", snap.State, snap.Result)
	}

	if _, err := cc.Add(ctx, "7", "house-d", readings[0].Data); !errors.Is(err, ErrCycleClosed) {
		t.Errorf("reading after close: got %v, want ErrCycleClosed", err)
	}

	if _, err := cc.Add(ctx, "8", "house-a", []byte("not a ciphertext")); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("garbage reading: got %v, want ErrInvalidSubmission", err)
	}

	cut := readings[0].Data[:len(readings[0].Data)/2]
	if _, err := cc.Add(ctx, "8", "house-a", cut); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("truncated reading: got %v, want ErrInvalidSubmission", err)
	}
}

// TestStateText tests state names used on the wire.
func TestStateText(t *testing.T) {
	for s := StateOpen; s <= StateAborted; s++ {
		text, _ := s.MarshalText()

		var back State
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Errorf("%s: got %v, %v", text, back, err)
		}
	}

	if _, err := ParseState("paused"); err == nil {
		t.Error("expected error for unknown state")
	}
}
