package integration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"PrivateBilling/client"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/network"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/transport"
)

// TestCluster_AllCores tests a sum over five live Cores: the first three
// shares complete the session and the others are recorded as late.
func TestCluster_AllCores(t *testing.T) {
	c := StartCluster(t)
	ctx := waitCtx(t)

	id, err := c.Client().SubmitSum(ctx, "all-cores", readings(10, 20, 5, 7, 3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := c.Client().Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !slices.Equal(out.Values, []uint64{45}) {
		t.Errorf("values: got %v, want [45]", out.Values)
	}

	if len(out.Used) != 3 {
		t.Errorf("used: got %v, want three cores", out.Used)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, err := c.sessions.Query(ctx, id)
		if err != nil {
			t.Fatalf("query: %v", err)
		}

		if len(snap.Accepted)+len(snap.Late) == 5 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("got %d accepted and %d late shares, want 5 in total", len(snap.Accepted), len(snap.Late))
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// TestCluster_TwoCoresDown tests that t of n Cores are enough.
func TestCluster_TwoCoresDown(t *testing.T) {
	c := StartCluster(t, WithDown(2, 4))
	ctx := waitCtx(t)

	id, err := c.Client().SubmitSum(ctx, "", readings(10, 20, 5, 7, 3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := c.Client().Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !slices.Equal(out.Values, []uint64{45}) {
		t.Errorf("values: got %v, want [45]", out.Values)
	}

	if !slices.Equal(out.Used, []int{0, 1, 3}) {
		t.Errorf("used: got %v, want [0 1 3]", out.Used)
	}

	if got := identity.ParseSignerBitmap(out.Certificate.Signers); !slices.Equal(got, []int{0, 1, 3}) {
		t.Errorf("signers: got %v, want [0 1 3]", got)
	}

	status := c.sessions.Status()
	if status.Sessions["completed"] != 1 {
		t.Errorf("status: got %v, want one completed session", status.Sessions)
	}
}

// TestCluster_QuorumTimeout tests that fewer than t live Cores abort the
// session as retryable once the deadline passes.
func TestCluster_QuorumTimeout(t *testing.T) {
	c := StartCluster(t, WithDown(2, 3, 4), WithDeadline(3*time.Second))
	ctx := waitCtx(t)

	id, err := c.Client().SubmitSum(ctx, "", readings(1, 2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := c.Client().Wait(ctx, id)
	if !errors.Is(err, client.ErrAborted) {
		t.Fatalf("wait: got %v, want ErrAborted", err)
	}

	if out.Reason != session.ReasonQuorumTimeout || !out.Retryable {
		t.Errorf("outcome: got reason %q retryable %t", out.Reason, out.Retryable)
	}

	if out.Values != nil || out.Certificate != nil {
		t.Errorf("aborted session exposed a result: %+v", out)
	}
}

// TestCluster_Resubmit tests that resubmitting the same batch under the
// same id is idempotent while a different batch conflicts.
func TestCluster_Resubmit(t *testing.T) {
	c := StartCluster(t)
	ctx := waitCtx(t)

	cts, err := c.Client().EncryptAll(ctx, readings(4, 5))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	req := submitRequest("resubmit", cts)

	for range 2 {
		id, err := c.Client().Submit(ctx, req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		if id != "resubmit" {
			t.Fatalf("session id: got %q, want resubmit", id)
		}
	}

	out, err := c.Client().Wait(ctx, "resubmit")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if out.Values[0] != 9 {
		t.Errorf("sum: got %d, want 9", out.Values[0])
	}

	other, err := c.Client().EncryptAll(ctx, readings(1))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var se *client.StatusError
	if _, err := c.Client().Submit(ctx, submitRequest("resubmit", other)); !errors.As(err, &se) || se.Code != 409 {
		t.Errorf("conflicting resubmission: got %v, want status 409", err)
	}
}

// TestCluster_BillingCycle tests that the last reading of a cycle triggers
// its aggregation.
func TestCluster_BillingCycle(t *testing.T) {
	c := StartCluster(t, WithParticipants(4))
	ctx := waitCtx(t)

	var progress session.CycleProgress
	for i, v := range []uint64{12, 8, 30, 50} {
		p, err := c.Client().SubmitReading(ctx, "2026", fmt.Sprintf("house-%d", i), []uint64{v})
		if err != nil {
			t.Fatalf("reading %d: %v", i, err)
		}
		progress = p
	}

	if progress.SessionID != session.CycleSessionID("2026") {
		t.Fatalf("progress: got %+v, want session for cycle 2026", progress)
	}

	out, err := c.Client().Wait(ctx, progress.SessionID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if out.Values[0] != 100 {
		t.Errorf("cycle total: got %d, want 100", out.Values[0])
	}
}

// TestCluster_ForeignEdgeRefused tests that Cores only answer the pinned Edge.
func TestCluster_ForeignEdgeRefused(t *testing.T) {
	c := StartCluster(t)

	priv, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	rogue, err := network.NewNode(network.Config{PrivateKey: priv})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	defer rogue.Close()

	core, _ := c.dir.Core(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := transport.RetryPolicy{Attempts: 1, RequestTimeout: 2 * time.Second}

	_, err = transport.NewClient(rogue, c.dir, policy).Request(ctx, core.Index, transport.Message{
		SessionID: "rogue",
		Sender:    transport.EdgeSender,
		Kind:      transport.KindBatchSubmit,
	})
	if err == nil {
		t.Fatal("core answered an unknown edge")
	}
}
