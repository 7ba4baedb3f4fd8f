package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
)

// Result is the reconstructed AggregationResult of a session.
type Result struct {
	Values      []uint64              `json:"values"`      // Values holds the first Width slots of the aggregate
	Used        []int                 `json:"used"`        // Used lists the Cores whose shares were combined
	Certificate *identity.Certificate `json:"certificate"` // Certificate aggregates their attestations
}

// Outcome is the terminal record of a session, kept until retention expires.
type Outcome struct {
	SessionID string      `json:"session_id"`
	Digest    fhe.Digest  `json:"digest"`
	State     State       `json:"state"`
	Reason    AbortReason `json:"reason,omitempty"`
	Result    *Result     `json:"result,omitempty"`
	Finished  time.Time   `json:"finished"`
}

// ResultStore keeps terminal outcomes for queries after the session is evicted.
type ResultStore interface {
	// Put stores an outcome for ttl.
	Put(ctx context.Context, o *Outcome, ttl time.Duration) error

	// Get returns a stored outcome, or nil when absent or expired.
	Get(ctx context.Context, sessionID string) (*Outcome, error)

	// Close releases the store.
	Close() error
}

// MemoryStore is a ResultStore held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	outcome *Outcome
	expires time.Time
}

// NewMemoryStore creates a memory store; expiry follows clk (nil for the wall clock).
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}

	return &MemoryStore{clock: clk, entries: make(map[string]memoryEntry)}
}

// Put stores o until ttl elapses. Expired entries are dropped on the way.
func (s *MemoryStore) Put(_ context.Context, o *Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
		}
	}

	s.entries[o.SessionID] = memoryEntry{outcome: o, expires: now.Add(ttl)}

	return nil
}

// Get returns the outcome of sessionID if it has not expired.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}

	if !s.clock.Now().Before(e.expires) {
		delete(s.entries, sessionID)
		return nil, nil
	}

	return e.outcome, nil
}

// Close does nothing.
func (s *MemoryStore) Close() error {
	return nil
}
