package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/metrics"
	"PrivateBilling/internal/storage"
	"PrivateBilling/internal/transport"
)

const (
	// defaultCacheSize is the number of share replies kept in memory.
	defaultCacheSize = 4096

	// defaultRetention is how long a computed share is kept for retransmissions.
	defaultRetention = 24 * time.Hour
)

var (
	// ErrSessionConflict is returned when a session was already processed with another batch.
	ErrSessionConflict = errors.New("session already processed with another batch")

	// ErrBadBatch is returned when a batch does not decode or its digest differs from the claim.
	ErrBadBatch = errors.New("bad batch")

	// ErrNotCore is returned when the process holds no key share.
	ErrNotCore = errors.New("not a core")
)

// Config holds the dependencies of a Worker.
type Config struct {
	Directory *keyshare.Directory  // Directory is this Core's cluster context
	Signer    *identity.BLSKeyPair // Signer attests computed shares
	Store     *storage.Storage     // Store persists shares across restarts (optional)
	CacheSize int                  // CacheSize is the in-memory reply count (default 4096)
	Retention time.Duration        // Retention is how long replies are kept (default 24h)
	Clock     clock.Clock          // Clock stamps records and drives pruning (default wall clock)
}

// Worker is the Core-side aggregation worker. It combines a session's batch,
// partial-decrypts the aggregate with the Core's key share and attests it.
// Every session is computed at most once; later requests for the same
// session and batch get the stored reply byte for byte.
type Worker struct {
	dir       *keyshare.Directory
	engine    *fhe.Engine
	signer    *identity.BLSKeyPair
	index     int
	cache     *shareCache
	flight    singleflight.Group
	retention time.Duration
	clock     clock.Clock
}

// New creates a worker for the Core described by cfg.Directory.
func New(cfg Config) (*Worker, error) {
	dir := cfg.Directory
	if dir == nil || dir.Share() == nil {
		return nil, ErrNotCore
	}

	self := dir.Self()

	entry, ok := dir.Core(self.Index)
	if !ok {
		return nil, fmt.Errorf("core %d not in directory", self.Index)
	}

	if cfg.Signer == nil || !bytes.Equal(cfg.Signer.PublicKeyBytes(), entry.AttestationKey) {
		return nil, fmt.Errorf("attestation key does not match directory entry of core %d", self.Index)
	}

	engine, err := dir.NewEngine()
	if err != nil {
		return nil, err
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	cache, err := newShareCache(size, cfg.Store)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		dir:       dir,
		engine:    engine,
		signer:    cfg.Signer,
		index:     self.Index,
		cache:     cache,
		retention: cfg.Retention,
		clock:     cfg.Clock,
	}

	if w.retention <= 0 {
		w.retention = defaultRetention
	}

	if w.clock == nil {
		w.clock = clock.New()
	}

	if n, err := cache.count(); err == nil {
		metrics.CachedShares.Set(float64(n))
	}

	return w, nil
}

// Index returns the Core index this worker answers for.
func (w *Worker) Index() int {
	return w.index
}

// computed is the shared result of one session computation.
type computed struct {
	rec   *record
	reply *transport.ShareReply
}

// Process returns this Core's share reply for a session's batch.
func (w *Worker) Process(ctx context.Context, sessionID string, b *transport.BatchSubmit) (*transport.ShareReply, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrBadBatch)
	}

	fp := fingerprint(b)

	if reply, err := w.cached(sessionID, fp); reply != nil || err != nil {
		if err == nil {
			metrics.BatchesProcessed.WithLabelValues("cached").Inc()
		}
		return reply, err
	}

	v, err, _ := w.flight.Do(sessionID, func() (any, error) {
		// A concurrent caller may have stored the record while we queued.
		if rec, err := w.cache.get(sessionID); err != nil || rec != nil {
			if err != nil {
				return nil, err
			}
			reply, err := transport.DecodeShareReply(rec.Reply)
			return &computed{rec: rec, reply: reply}, err
		}

		return w.compute(ctx, sessionID, fp, b)
	})
	if err != nil {
		return nil, err
	}

	c := v.(*computed)
	if c.rec.Fingerprint != fp {
		return nil, fmt.Errorf("%w: session %s", ErrSessionConflict, sessionID)
	}

	return c.reply, nil
}

// cached returns the stored reply of a session, ErrSessionConflict when it
// was computed for another batch, or nil when the session is new.
func (w *Worker) cached(sessionID string, fp [32]byte) (*transport.ShareReply, error) {
	rec, err := w.cache.get(sessionID)
	if err != nil || rec == nil {
		return nil, err
	}

	if rec.Fingerprint != fp {
		return nil, fmt.Errorf("%w: session %s", ErrSessionConflict, sessionID)
	}

	return transport.DecodeShareReply(rec.Reply)
}

// compute combines, checks the claimed digest, partial-decrypts, attests and stores.
func (w *Worker) compute(ctx context.Context, sessionID string, fp [32]byte, b *transport.BatchSubmit) (*computed, error) {
	start := time.Now()
	params := w.engine.Parameters()

	if err := b.Descriptor.Validate(len(b.Ciphertexts), params.Slots()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
	}

	batch, err := transport.DecodeCiphertexts(ctx, params, b.Ciphertexts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
	}

	combined, err := w.engine.CombineBatch(batch, b.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("combine batch:\n%w", err)
	}

	digest, err := w.engine.Digest(combined)
	if err != nil {
		return nil, fmt.Errorf("digest:\n%w", err)
	}

	if digest != b.Digest {
		return nil, fmt.Errorf("%w: recomputed digest %s, claimed %s", ErrBadBatch, digest.Short(), b.Digest.Short())
	}

	share, err := w.engine.PartialDecrypt(combined, w.dir.Share())
	if err != nil {
		return nil, fmt.Errorf("partial decrypt:\n%w", err)
	}

	reply := &transport.ShareReply{
		CoreIndex:   w.index,
		Digest:      digest,
		Share:       share,
		Attestation: w.signer.Sign(identity.AttestationMessage(sessionID, digest)),
		Signature:   w.signer.Sign(identity.ShareMessage(sessionID, digest, share)),
	}

	msg, err := transport.NewMessage(sessionID, uint16(w.index), reply)
	if err != nil {
		return nil, err
	}

	rec := &record{Fingerprint: fp, Created: w.clock.Now(), Reply: msg.Payload}
	if err := w.cache.put(sessionID, rec); err != nil {
		return nil, err
	}

	metrics.PartialDecryptDuration.Observe(time.Since(start).Seconds())
	metrics.BatchesProcessed.WithLabelValues("computed").Inc()
	metrics.CachedShares.Inc()

	logger.Info("share computed",
		"session", sessionID,
		"core", w.index,
		"batch", len(b.Ciphertexts),
		"digest", digest.Short(),
		logger.Timed(start),
	)

	return &computed{rec: rec, reply: reply}, nil
}

// fingerprint identifies a batch: descriptor, claimed digest and every
// ciphertext in order.
func fingerprint(b *transport.BatchSubmit) [32]byte {
	h := blake3.New()

	var buf [8]byte
	writeField := func(data []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(data)))
		h.Write(buf[:])
		h.Write(data)
	}

	writeField([]byte(b.Descriptor.Function))

	binary.BigEndian.PutUint64(buf[:], uint64(b.Descriptor.Width))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], b.Descriptor.Cycle)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Descriptor.Weights)))
	h.Write(buf[:])
	for _, w := range b.Descriptor.Weights {
		binary.BigEndian.PutUint64(buf[:], w)
		h.Write(buf[:])
	}

	h.Write(b.Digest[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Ciphertexts)))
	h.Write(buf[:])
	for _, c := range b.Ciphertexts {
		writeField([]byte(c.Slot))
		writeField(c.Data)
	}

	var fp [32]byte
	h.Sum(fp[:0])

	return fp
}

// Prune drops replies older than the retention period.
func (w *Worker) Prune() (int, error) {
	n, err := w.cache.prune(w.clock.Now().Add(-w.retention))
	if err != nil {
		return 0, err
	}

	if n > 0 {
		metrics.CachedShares.Sub(float64(n))
		logger.Debug("share records pruned", "count", n)
	}

	return n, nil
}

// Run prunes expired replies until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := w.clock.Ticker(max(w.retention/24, time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Prune(); err != nil {
				logger.Warn("prune share records", "error", err)
			}
		}
	}
}

// HandleBatchSubmit answers a BatchSubmit with a ShareReply or an ErrorReply.
func (w *Worker) HandleBatchSubmit(ctx context.Context, m transport.Message, b *transport.BatchSubmit) (transport.Payload, error) {
	reply, err := w.Process(ctx, m.SessionID, b)
	if err == nil {
		return reply, nil
	}

	reason := reasonFor(err)
	metrics.BatchesProcessed.WithLabelValues(reason).Inc()

	logger.Warn("batch refused",
		"session", m.SessionID,
		"core", w.index,
		"reason", reason,
		"error", err,
	)

	return &transport.ErrorReply{Reason: reason, Detail: err.Error()}, nil
}

// HandleShareReply refuses share replies; Cores only receive batches.
func (w *Worker) HandleShareReply(_ context.Context, _ transport.Message, _ *transport.ShareReply) (transport.Payload, error) {
	return &transport.ErrorReply{Reason: transport.ReasonBadRequest, Detail: "core " + strconv.Itoa(w.index) + " does not collect shares"}, nil
}

// HandleError refuses error replies; Cores only receive batches.
func (w *Worker) HandleError(_ context.Context, _ transport.Message, e *transport.ErrorReply) (transport.Payload, error) {
	return &transport.ErrorReply{Reason: transport.ReasonBadRequest, Detail: "unexpected error message: " + e.Reason}, nil
}

// reasonFor maps a processing error to its wire reason code.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrSessionConflict):
		return transport.ReasonSessionConflict
	case errors.Is(err, ErrBadBatch):
		return transport.ReasonBadBatch
	case errors.Is(err, ErrNotCore):
		return transport.ReasonNotCore
	default:
		return transport.ReasonEngineFailure
	}
}
