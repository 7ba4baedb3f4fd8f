package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/transport"
)

// session is one billing session on the Edge. Every field below mu is
// guarded by it; the accepted set is only updated together with the
// threshold check so a single flow starts reconstruction.
type session struct {
	id         string          // id is the session identifier
	digest     fhe.Digest      // digest fingerprints the combined ciphertext
	combined   *fhe.Ciphertext // combined is the aggregate every Core decrypts
	descriptor fhe.Descriptor  // descriptor is the aggregation applied to the batch
	request    transport.Message
	created    time.Time

	cancel context.CancelFunc // cancel stops outstanding share requests
	done   chan struct{}      // done is closed on the terminal transition

	mu       sync.Mutex
	state    State
	accepted map[int]*transport.ShareReply // accepted holds valid shares by Core index
	dropped  map[int]bool                  // dropped marks shares rejected during reconstruction
	late     []int                         // late lists Cores whose share arrived after completion
	reason   AbortReason
	result   *Result
	finished time.Time
	deadline *clock.Timer
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID       string      `json:"session_id"`
	Digest   fhe.Digest  `json:"digest"`
	State    State       `json:"state"`
	Reason   AbortReason `json:"reason,omitempty"`
	Result   *Result     `json:"result,omitempty"`
	Accepted []int       `json:"accepted,omitempty"`
	Late     []int       `json:"late,omitempty"`
}

// Retryable reports whether an aborted session may succeed on resubmission.
func (s Snapshot) Retryable() bool {
	return s.State == StateAborted && s.Reason.Retryable()
}

// Err returns the abort error, or nil for pending and completed sessions.
func (s Snapshot) Err() error {
	return s.Reason.Err()
}

// snapshot copies the session state. Callers hold s.mu.
func (s *session) snapshot() Snapshot {
	accepted := make([]int, 0, len(s.accepted))
	for idx := range s.accepted {
		accepted = append(accepted, idx)
	}
	slices.Sort(accepted)

	return Snapshot{
		ID:       s.id,
		Digest:   s.digest,
		State:    s.state,
		Reason:   s.reason,
		Result:   s.result,
		Accepted: accepted,
		Late:     slices.Clone(s.late),
	}
}

// outcome builds the stored record of a terminal session. Callers hold s.mu.
func (s *session) outcome() *Outcome {
	return &Outcome{
		SessionID: s.id,
		Digest:    s.digest,
		State:     s.state,
		Reason:    s.reason,
		Result:    s.result,
		Finished:  s.finished,
	}
}

// usable returns the accepted shares not dropped during reconstruction. Callers hold s.mu.
func (s *session) usable() []*transport.ShareReply {
	out := make([]*transport.ShareReply, 0, len(s.accepted))
	for idx, share := range s.accepted {
		if !s.dropped[idx] {
			out = append(out, share)
		}
	}

	return out
}

// snapshotOf converts a stored outcome into a snapshot.
func snapshotOf(o *Outcome) Snapshot {
	snap := Snapshot{
		ID:     o.SessionID,
		Digest: o.Digest,
		State:  o.State,
		Reason: o.Reason,
		Result: o.Result,
	}

	if o.Result != nil {
		snap.Accepted = slices.Clone(o.Result.Used)
	}

	return snap
}
