// Package session runs billing sessions on the Edge: it broadcasts a batch
// to every Core, collects partial decryption shares until the threshold is
// reached and reconstructs the aggregate from the lowest-index valid shares.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/metrics"
	"PrivateBilling/internal/reconstruct"
	"PrivateBilling/internal/transport"
)

const (
	// DefaultDeadline is how long a session waits for t shares.
	DefaultDeadline = 30 * time.Second

	// DefaultRetention is how long a terminal session answers queries.
	DefaultRetention = 10 * time.Minute

	// MaxSessionIDLength bounds caller-supplied session ids.
	MaxSessionIDLength = 128

	// storeTimeout bounds one ResultStore call.
	storeTimeout = 5 * time.Second
)

// Requester sends a message to one Core and returns its reply.
// *transport.Client is the production implementation.
type Requester interface {
	Request(ctx context.Context, coreIndex int, m transport.Message) (transport.Message, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Directory *keyshare.Directory // Directory is the Edge's cluster context
	Requester Requester           // Requester reaches the Cores
	Store     ResultStore         // Store keeps terminal outcomes (default in memory)
	Deadline  time.Duration       // Deadline bounds share collection (default 30s)
	Retention time.Duration       // Retention keeps terminal sessions queryable (default 10m)
	Clock     clock.Clock         // Clock drives deadlines and eviction (default wall clock)
}

// Submission is a client batch opening a session.
type Submission struct {
	SessionID   string                     // SessionID is optional; a UUID is assigned when empty
	Descriptor  fhe.Descriptor             // Descriptor is the aggregation to apply
	Ciphertexts []transport.SlotCiphertext // Ciphertexts is the batch in combination order
}

// Degradation records why a Core was flagged.
type Degradation struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Status summarizes the manager for operators.
type Status struct {
	Cores     int                 `json:"cores"`
	Threshold int                 `json:"threshold"`
	Sessions  map[string]int      `json:"sessions"`
	Degraded  map[int]Degradation `json:"degraded"`
}

// Manager owns every session of the Edge. Sessions never share locks;
// mu only guards the id index.
type Manager struct {
	dir       *keyshare.Directory
	engine    *fhe.Engine
	recon     *reconstruct.Reconstructor
	requester Requester
	store     ResultStore
	deadline  time.Duration
	retention time.Duration
	clock     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session

	degradedMu sync.Mutex
	degraded   map[int]Degradation
}

// New creates a session manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}

	if cfg.Requester == nil {
		return nil, fmt.Errorf("requester is required")
	}

	engine, err := cfg.Directory.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("engine:\n%w", err)
	}

	m := &Manager{
		dir:       cfg.Directory,
		engine:    engine,
		recon:     reconstruct.New(cfg.Directory, engine),
		requester: cfg.Requester,
		store:     cfg.Store,
		deadline:  cfg.Deadline,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		sessions:  make(map[string]*session),
		degraded:  make(map[int]Degradation),
	}

	if m.clock == nil {
		m.clock = clock.New()
	}

	if m.store == nil {
		m.store = NewMemoryStore(m.clock)
	}

	if m.deadline <= 0 {
		m.deadline = DefaultDeadline
	}

	if m.retention <= 0 {
		m.retention = DefaultRetention
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Engine returns the Edge engine, which can encrypt under the cluster key.
func (m *Manager) Engine() *fhe.Engine {
	return m.engine
}

// Submit opens a session for the batch and broadcasts it to every Core.
// Reusing the id of a known session returns that id when the batch
// combines to the same digest and ErrSessionConflict otherwise.
func (m *Manager) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.SessionID) > MaxSessionIDLength {
		return "", fmt.Errorf("%w: session id longer than %d", ErrInvalidSubmission, MaxSessionIDLength)
	}

	params := m.dir.Parameters()

	if err := sub.Descriptor.Validate(len(sub.Ciphertexts), params.Slots()); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	batch, err := transport.DecodeCiphertexts(ctx, params, sub.Ciphertexts)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	combined, err := m.engine.CombineBatch(batch, sub.Descriptor)
	if err != nil {
		return "", fmt.Errorf("combine batch:\n%w", err)
	}

	digest, err := m.engine.Digest(combined)
	if err != nil {
		return "", fmt.Errorf("digest:\n%w", err)
	}

	id := sub.SessionID
	if id == "" {
		id = uuid.NewString()
	} else if o, err := m.stored(ctx, id); err != nil {
		return "", err
	} else if o != nil {
		return reuse(id, o.Digest, digest)
	}

	request, err := transport.NewMessage(id, transport.EdgeSender, &transport.BatchSubmit{
		Descriptor:  sub.Descriptor,
		Ciphertexts: sub.Ciphertexts,
		Digest:      digest,
	})
	if err != nil {
		return "", fmt.Errorf("batch message:\n%w", err)
	}

	rctx, cancel := context.WithCancel(m.ctx)

	s := &session{
		id:         id,
		digest:     digest,
		combined:   combined,
		descriptor: sub.Descriptor,
		request:    request,
		created:    m.clock.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateOpen,
		accepted:   make(map[int]*transport.ShareReply),
		dropped:    make(map[int]bool),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		cancel()
		return reuse(id, existing.digest, digest)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()

	s.mu.Lock()
	s.state = StateAwaitingShares
	s.deadline = m.clock.AfterFunc(m.deadline, func() { m.expire(s) })
	s.mu.Unlock()

	logger.Info("session opened",
		"session", id,
		"digest", digest.Short(),
		"batch", len(sub.Ciphertexts),
		"function", sub.Descriptor.Function,
	)

	for _, core := range m.dir.Cores() {
		m.wg.Add(1)
		go m.collect(rctx, s, core.Index)
	}

	return id, nil
}

// reuse resolves a resubmission under a known id.
func reuse(id string, known, digest fhe.Digest) (string, error) {
	if known != digest {
		return "", fmt.Errorf("%w: %s", ErrSessionConflict, id)
	}

	return id, nil
}

// Query returns a snapshot of the session, from memory or from the result store.
func (m *Manager) Query(ctx context.Context, id string) (Snapshot, error) {
	if s := m.lookup(id); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshot(), nil
	}

	o, err := m.stored(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	if o == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return snapshotOf(o), nil
}

// Wait blocks until the session is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return m.Query(ctx, id)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot(), nil
}

// AcceptShare feeds a share into a session. Late shares of a completed
// session are recorded and return nil; ErrDuplicateShare, ErrDigestMismatch,
// ErrUnknownCore and ErrSessionClosed report a dropped share.
func (m *Manager) AcceptShare(id string, share *transport.ShareReply) error {
	s := m.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return m.accept(s, share)
}

// Status returns session counts by state and the degraded Cores.
func (m *Manager) Status() Status {
	st := Status{
		Cores:     m.dir.Size(),
		Threshold: m.dir.Threshold(),
		Sessions:  make(map[string]int),
		Degraded:  make(map[int]Degradation),
	}

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		st.Sessions[s.state.String()]++
		s.mu.Unlock()
	}

	m.degradedMu.Lock()
	for idx, d := range m.degraded {
		st.Degraded[idx] = d
	}
	m.degradedMu.Unlock()

	return st
}

// Close aborts outstanding Core requests and waits for collectors to exit.
// Sessions still pending stay pending.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.deadline != nil {
			s.deadline.Stop()
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	return m.store.Close()
}

// lookup returns the in-memory session for id, or nil.
func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[id]
}

// stored reads an evicted outcome from the result store.
func (m *Manager) stored(ctx context.Context, id string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("result store:\n%w", err)
	}

	return o, nil
}

// collect requests one Core's share and feeds the reply into the session.
// Exhausted retries count as a missing share.
func (m *Manager) collect(ctx context.Context, s *session, core int) {
	defer m.wg.Done()

	reply, err := m.requester.Request(ctx, core, s.request)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		metrics.SharesReceived.WithLabelValues("unreachable").Inc()
		logger.Warn("core unreachable", "session", s.id, "core", core, "error", err)
		return
	}

	if _, err := transport.Dispatch(ctx, reply, &replyHandler{m: m, s: s, core: core}); err != nil {
		logger.Warn("share dropped", "session", s.id, "core", core, "error", err)
	}
}

// replyHandler routes one Core's reply for a session.
type replyHandler struct {
	m    *Manager
	s    *session
	core int
}

func (h *replyHandler) HandleBatchSubmit(_ context.Context, _ transport.Message, _ *transport.BatchSubmit) (transport.Payload, error) {
	metrics.SharesReceived.WithLabelValues("malformed").Inc()
	h.m.degrade(h.core, "protocol_error")
	return nil, fmt.Errorf("%w: core %d answered with a batch", transport.ErrUnexpectedKind, h.core)
}

func (h *replyHandler) HandleShareReply(_ context.Context, _ transport.Message, r *transport.ShareReply) (transport.Payload, error) {
	if r.CoreIndex != h.core {
		metrics.SharesReceived.WithLabelValues("malformed").Inc()
		h.m.degrade(h.core, "malformed_share")
		return nil, fmt.Errorf("%w: core %d replied as core %d", transport.ErrMalformedMessage, h.core, r.CoreIndex)
	}

	err := h.m.accept(h.s, r)
	if errors.Is(err, ErrDuplicateShare) {
		return nil, nil
	}

	return nil, err
}

func (h *replyHandler) HandleError(_ context.Context, _ transport.Message, e *transport.ErrorReply) (transport.Payload, error) {
	metrics.SharesReceived.WithLabelValues("error_reply").Inc()
	h.m.degrade(h.core, e.Reason)
	logger.Warn("core refused batch", "session", h.s.id, "core", h.core, "reason", e.Reason, "detail", e.Detail)
	return nil, nil
}

// accept validates a share and inserts it atomically with the threshold
// check, so exactly one caller moves the session to Reconstructing.
func (m *Manager) accept(s *session, share *transport.ShareReply) error {
	idx := share.CoreIndex

	if _, ok := m.dir.Core(idx); !ok {
		metrics.SharesReceived.WithLabelValues("unknown_core").Inc()
		return fmt.Errorf("%w: %d", ErrUnknownCore, idx)
	}

	s.mu.Lock()

	if s.state == StateAborted {
		s.mu.Unlock()
		metrics.SharesReceived.WithLabelValues("late").Inc()
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}

	if _, seen := s.accepted[idx]; seen || slices.Contains(s.late, idx) {
		s.mu.Unlock()
		metrics.SharesReceived.WithLabelValues("duplicate").Inc()
		logger.Debug("duplicate share ignored", "session", s.id, "core", idx)
		return ErrDuplicateShare
	}

	if share.Digest != s.digest {
		s.mu.Unlock()
		metrics.SharesReceived.WithLabelValues("digest_mismatch").Inc()
		m.degrade(idx, "digest_mismatch")
		logger.Warn("share digest mismatch",
			"session", s.id,
			"core", idx,
			"got", share.Digest.Short(),
			"want", s.digest.Short(),
		)
		return ErrDigestMismatch
	}

	if s.state == StateCompleted {
		s.late = append(s.late, idx)
		s.mu.Unlock()
		metrics.SharesReceived.WithLabelValues("late").Inc()
		logger.Debug("late share recorded", "session", s.id, "core", idx)
		return nil
	}

	s.accepted[idx] = share
	start := s.state == StateAwaitingShares && len(s.accepted) >= m.dir.Threshold()
	if start {
		s.state = StateReconstructing
	}
	s.mu.Unlock()

	metrics.SharesReceived.WithLabelValues("accepted").Inc()
	m.restore(idx)

	if start {
		m.reconstruct(s)
	}

	return nil
}

// reconstruct combines the lowest-index usable shares, dropping each share
// the engine reports malformed, until it succeeds or fewer than t remain.
func (m *Manager) reconstruct(s *session) {
	for {
		s.mu.Lock()
		shares := s.usable()
		s.mu.Unlock()

		res, err := m.recon.Reconstruct(s.id, s.combined, s.digest, shares)
		if err == nil {
			m.complete(s, res)
			return
		}

		var mse *fhe.MalformedShareError
		if !errors.As(err, &mse) {
			m.abort(s, StateReconstructing, ReasonReconstructionFailed, err)
			return
		}

		metrics.SharesReceived.WithLabelValues("malformed").Inc()
		m.degrade(mse.Index, "malformed_share")
		logger.Warn("malformed share dropped", "session", s.id, "core", mse.Index, "reason", mse.Reason)

		s.mu.Lock()
		s.dropped[mse.Index] = true
		s.mu.Unlock()
	}
}

// complete stores the result of a reconstructed session.
func (m *Manager) complete(s *session, res *reconstruct.Result) {
	values := res.Values
	if s.descriptor.Width < len(values) {
		values = values[:s.descriptor.Width]
	}

	s.mu.Lock()
	s.state = StateCompleted
	s.result = &Result{
		Values:      slices.Clone(values),
		Used:        res.Used,
		Certificate: res.Certificate,
	}
	o := m.settle(s)
	s.mu.Unlock()

	logger.Info("session completed",
		"session", s.id,
		"used", res.Used,
		"elapsed", m.clock.Since(s.created),
	)

	m.retain(s, o)
}

// expire aborts a session still collecting shares when its deadline fires.
func (m *Manager) expire(s *session) {
	m.abort(s, StateAwaitingShares, ReasonQuorumTimeout, nil)
}

// abort moves a session from one of the given states to Aborted.
func (m *Manager) abort(s *session, from State, reason AbortReason, cause error) {
	s.mu.Lock()
	if s.state != from && !(from == StateAwaitingShares && s.state == StateOpen) {
		s.mu.Unlock()
		return
	}

	s.state = StateAborted
	s.reason = reason
	accepted := len(s.accepted)
	o := m.settle(s)
	s.mu.Unlock()

	s.cancel()

	logger.Warn("session aborted",
		"session", s.id,
		"reason", reason,
		"accepted", accepted,
		"threshold", m.dir.Threshold(),
		"error", cause,
	)

	m.retain(s, o)
}

// settle records the terminal transition. Callers hold s.mu.
func (m *Manager) settle(s *session) *Outcome {
	s.finished = m.clock.Now()

	if s.deadline != nil {
		s.deadline.Stop()
	}

	outcome := "completed"
	if s.state == StateAborted {
		outcome = string(s.reason)
	}

	metrics.SessionsFinished.WithLabelValues(outcome).Inc()
	metrics.SessionDuration.Observe(s.finished.Sub(s.created).Seconds())
	metrics.ActiveSessions.Dec()

	return s.outcome()
}

// retain persists the outcome, schedules eviction and wakes waiters.
func (m *Manager) retain(s *session, o *Outcome) {
	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	if err := m.store.Put(ctx, o, m.retention); err != nil {
		logger.Warn("result not stored", "session", s.id, "error", err)
	}
	cancel()

	m.clock.AfterFunc(m.retention, func() { m.evict(s) })

	close(s.done)
}

// evict drops a terminal session from memory and stops its requests.
func (m *Manager) evict(s *session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	s.cancel()

	logger.Debug("session evicted", "session", s.id)
}

// degrade flags a Core after a digest mismatch, malformed share or refusal.
func (m *Manager) degrade(core int, reason string) {
	m.degradedMu.Lock()
	prev, known := m.degraded[core]
	since := m.clock.Now()
	if known {
		since = prev.Since
	}
	m.degraded[core] = Degradation{Reason: reason, Since: since}
	m.degradedMu.Unlock()

	metrics.DegradedCores.WithLabelValues(strconv.Itoa(core)).Set(1)

	if !known {
		logger.Warn("core degraded", "core", core, "reason", reason)
	}
}

// restore clears the flag of a Core that delivered a valid share.
func (m *Manager) restore(core int) {
	m.degradedMu.Lock()
	_, known := m.degraded[core]
	delete(m.degraded, core)
	m.degradedMu.Unlock()

	if known {
		metrics.DegradedCores.WithLabelValues(strconv.Itoa(core)).Set(0)
		logger.Info("core recovered", "core", core)
	}
}
