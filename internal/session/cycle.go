package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/transport"
)

// cyclePrefix prefixes the session id of an automatically opened cycle.
const cyclePrefix = "cycle-"

var (
	// ErrCycleClosed is returned for readings of a cycle whose session already opened.
	ErrCycleClosed = errors.New("cycle already submitted")

	// ErrDuplicateReading is returned when a slot reports twice in one cycle.
	ErrDuplicateReading = errors.New("slot already reported for this cycle")
)

// CycleSessionID returns the session id opened for a billing cycle.
func CycleSessionID(cycleID string) string {
	return cyclePrefix + cycleID
}

// CycleProgress reports how many readings a cycle holds.
type CycleProgress struct {
	CycleID   string `json:"cycle_id"`
	Received  int    `json:"received"`
	Expected  int    `json:"expected"`
	SessionID string `json:"session_id,omitempty"`
}

// cycle holds the readings of one open billing cycle.
type cycle struct {
	readings  map[string][]byte // readings maps slot to serialized ciphertext
	sessionID string            // sessionID is set once the cycle submitted
}

// CycleCollector gathers one encrypted reading per participant for a
// billing cycle and submits the cycle as a sum session once all arrived.
type CycleCollector struct {
	m            *Manager
	participants int
	width        int

	mu     sync.Mutex
	cycles map[string]*cycle
}

// NewCycleCollector creates a collector expecting participants readings of
// width slots per cycle.
func NewCycleCollector(m *Manager, participants, width int) (*CycleCollector, error) {
	if participants < 1 || participants > fhe.MaxBatch {
		return nil, fmt.Errorf("participants %d outside [1, %d]", participants, fhe.MaxBatch)
	}

	if width < 1 || width > m.dir.Parameters().Slots() {
		return nil, fmt.Errorf("width %d outside [1, %d]", width, m.dir.Parameters().Slots())
	}

	return &CycleCollector{
		m:            m,
		participants: participants,
		width:        width,
		cycles:       make(map[string]*cycle),
	}, nil
}

// Participants returns the number of readings that closes a cycle.
func (c *CycleCollector) Participants() int {
	return c.participants
}

// Add records the reading of slot for cycleID. The reading that completes
// the cycle opens its session; readings are combined in slot order so the
// digest does not depend on arrival order.
func (c *CycleCollector) Add(ctx context.Context, cycleID, slot string, data []byte) (CycleProgress, error) {
	if err := c.validate(cycleID, slot, data); err != nil {
		return CycleProgress{}, err
	}

	c.mu.Lock()

	cy, ok := c.cycles[cycleID]
	if !ok {
		cy = &cycle{readings: make(map[string][]byte, c.participants)}
		c.cycles[cycleID] = cy
	}

	progress := CycleProgress{CycleID: cycleID, Expected: c.participants}

	if cy.sessionID != "" {
		c.mu.Unlock()
		return progress, fmt.Errorf("%w: %s", ErrCycleClosed, cycleID)
	}

	if _, dup := cy.readings[slot]; dup {
		c.mu.Unlock()
		return progress, fmt.Errorf("%w: %s/%s", ErrDuplicateReading, cycleID, slot)
	}

	cy.readings[slot] = data
	progress.Received = len(cy.readings)

	if progress.Received < c.participants {
		c.mu.Unlock()
		logger.Debug("cycle reading", "cycle", cycleID, "slot", slot, "received", progress.Received, "expected", c.participants)
		return progress, nil
	}

	sid := CycleSessionID(cycleID)
	cy.sessionID = sid
	batch := cy.batch()
	c.mu.Unlock()

	desc := fhe.Descriptor{Function: fhe.FunctionSum, Width: c.width}
	if n, err := strconv.ParseUint(cycleID, 10, 64); err == nil {
		desc.Cycle = n
	}

	id, err := c.m.Submit(ctx, Submission{
		SessionID:   sid,
		Descriptor:  desc,
		Ciphertexts: batch,
	})
	if err != nil {
		c.mu.Lock()
		cy.sessionID = ""
		delete(cy.readings, slot)
		c.mu.Unlock()

		return progress, fmt.Errorf("submit cycle %s:\n%w", cycleID, err)
	}

	progress.SessionID = id

	logger.Info("cycle submitted", "cycle", cycleID, "session", id, "readings", len(batch))

	c.m.clock.AfterFunc(c.m.retention, func() { c.forget(cycleID, cy) })

	return progress, nil
}

// Progress returns the state of a cycle; unknown cycles report zero readings.
func (c *CycleCollector) Progress(cycleID string) CycleProgress {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := CycleProgress{CycleID: cycleID, Expected: c.participants}
	if cy, ok := c.cycles[cycleID]; ok {
		p.Received = len(cy.readings)
		p.SessionID = cy.sessionID
	}

	return p
}

// validate checks a reading before it is stored.
func (c *CycleCollector) validate(cycleID, slot string, data []byte) error {
	if cycleID == "" || strings.ContainsAny(cycleID, "/ ") {
		return fmt.Errorf("%w: bad cycle id %q", ErrInvalidSubmission, cycleID)
	}

	if len(CycleSessionID(cycleID)) > MaxSessionIDLength {
		return fmt.Errorf("%w: cycle id longer than %d", ErrInvalidSubmission, MaxSessionIDLength-len(cyclePrefix))
	}

	if slot == "" {
		return fmt.Errorf("%w: empty slot", ErrInvalidSubmission)
	}

	if _, err := fhe.UnmarshalCiphertext(c.m.dir.Parameters(), data); err != nil {
		return fmt.Errorf("%w: slot %q: %w", ErrInvalidSubmission, slot, err)
	}

	return nil
}

// forget drops a submitted cycle once its session is past retention.
func (c *CycleCollector) forget(cycleID string, cy *cycle) {
	c.mu.Lock()
	if c.cycles[cycleID] == cy {
		delete(c.cycles, cycleID)
	}
	c.mu.Unlock()
}

// batch returns the readings ordered by slot. Callers hold the collector lock.
func (cy *cycle) batch() []transport.SlotCiphertext {
	slots := make([]string, 0, len(cy.readings))
	for slot := range cy.readings {
		slots = append(slots, slot)
	}
	slices.Sort(slots)

	out := make([]transport.SlotCiphertext, len(slots))
	for i, slot := range slots {
		out[i] = transport.SlotCiphertext{Slot: slot, Data: cy.readings[slot]}
	}

	return out
}
