package results

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/session"
)

// newTestStore connects to BILLING_TEST_REDIS or skips.
func newTestStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("BILLING_TEST_REDIS")
	if addr == "" {
		t.Skip("BILLING_TEST_REDIS not set")
	}

	store, err := NewRedisStore(context.Background(), Config{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// TestRedisStoreRoundTrip tests that a completed outcome comes back intact.
func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := "test-" + uuid.NewString()
	want := &session.Outcome{
		SessionID: id,
		Digest:    fhe.Digest{1, 2, 3},
		State:     session.StateCompleted,
		Result: &session.Result{
			Values: []uint64{45},
			Used:   []int{0, 1, 3},
			Certificate: &identity.Certificate{
				SessionID: id,
				Digest:    [32]byte{1, 2, 3},
				Signers:   identity.BuildSignerBitmap([]int{0, 1, 3}, 5),
				Signature: []byte{9, 9},
			},
		},
		Finished: time.Unix(1700000000, 0).UTC(),
	}

	if err := store.Put(ctx, want, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got == nil {
		t.Fatal("outcome not found")
	}

	if got.State != want.State || got.Digest != want.Digest || !got.Finished.Equal(want.Finished) {
		t.Errorf("outcome: got %+v, want %+v", got, want)
	}

	if !slices.Equal(got.Result.Values, want.Result.Values) || !slices.Equal(got.Result.Used, want.Result.Used) {
		t.Errorf("result: got %+v, want %+v", got.Result, want.Result)
	}

	if got.Result.Certificate.String() != want.Result.Certificate.String() {
		t.Errorf("certificate: got %s, want %s", got.Result.Certificate, want.Result.Certificate)
	}
}

// TestRedisStoreExpiry tests that outcomes disappear after their TTL.
func TestRedisStoreExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := "test-" + uuid.NewString()
	o := &session.Outcome{SessionID: id, State: session.StateAborted, Reason: session.ReasonQuorumTimeout}

	if err := store.Put(ctx, o, 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got != nil {
		t.Errorf("expired outcome still returned: %+v", got)
	}

	missing, err := store.Get(ctx, "test-never-stored")
	if err != nil || missing != nil {
		t.Errorf("missing: got %+v, %v", missing, err)
	}
}
