package session

import "errors"

var (
	// ErrQuorumTimeout is the error of a session aborted on its deadline.
	ErrQuorumTimeout = errors.New("quorum not reached before deadline")

	// ErrReconstructionFailed is the error of a session whose valid shares fell below t.
	ErrReconstructionFailed = errors.New("reconstruction failed")

	// ErrDigestMismatch is returned for a share computed over another aggregate.
	ErrDigestMismatch = errors.New("share digest does not match session digest")

	// ErrDuplicateShare is returned for a second share from the same Core.
	ErrDuplicateShare = errors.New("duplicate share")

	// ErrUnknownCore is returned for a share from an index outside the cluster.
	ErrUnknownCore = errors.New("unknown core")

	// ErrSessionClosed is returned for a share arriving after the session aborted.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionConflict is returned when a session id is reused for another batch.
	ErrSessionConflict = errors.New("session id already used for another batch")

	// ErrSessionNotFound is returned for unknown or evicted sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSubmission is returned for batches that cannot open a session.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// AbortReason is why a session aborted.
type AbortReason string

const (
	// ReasonNone is the reason of sessions that did not abort.
	ReasonNone AbortReason = ""

	// ReasonQuorumTimeout means fewer than t valid shares arrived before the deadline.
	ReasonQuorumTimeout AbortReason = "quorum_timeout"

	// ReasonReconstructionFailed means malformed shares left fewer than t usable ones.
	ReasonReconstructionFailed AbortReason = "reconstruction_failed"
)

// Retryable reports whether resubmitting the batch may succeed.
// A quorum timeout is transient; a failed reconstruction needs Cores to recover first.
func (r AbortReason) Retryable() bool {
	return r == ReasonQuorumTimeout
}

// Err returns the sentinel error of the reason, or nil.
func (r AbortReason) Err() error {
	switch r {
	case ReasonQuorumTimeout:
		return ErrQuorumTimeout
	case ReasonReconstructionFailed:
		return ErrReconstructionFailed
	default:
		return nil
	}
}

// State is the lifecycle state of a billing session.
type State uint8

const (
	StateOpen State = iota
	StateAwaitingShares
	StateReconstructing
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateOpen:           "open",
	StateAwaitingShares: "awaiting_shares",
	StateReconstructing: "reconstructing",
	StateCompleted:      "completed",
	StateAborted:        "aborted",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Pending reports whether the session has no outcome yet.
func (s State) Pending() bool {
	return !s.Terminal()
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}

	return 0, errors.New("unknown session state " + name)
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}
