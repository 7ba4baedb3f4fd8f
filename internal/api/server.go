package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/metrics"
	"PrivateBilling/internal/session"
)

const (
	// maxBodySize is the largest accepted request body.
	maxBodySize = 64 << 20 // 64 MB

	// limiterCacheSize bounds the number of tracked clients.
	limiterCacheSize = 4096

	// ParametersHeader names the FHE parameter set on GET /publickey.
	ParametersHeader = "X-Billing-Parameters"
)

// Sessions opens and queries billing sessions.
type Sessions interface {
	Submit(ctx context.Context, sub session.Submission) (string, error)
	Query(ctx context.Context, id string) (session.Snapshot, error)
	Status() session.Status
}

// Readings collects per-cycle readings.
type Readings interface {
	Add(ctx context.Context, cycleID, slot string, data []byte) (session.CycleProgress, error)
}

// Config holds the configuration of the HTTP API.
type Config struct {
	Addr          string      // Addr is the HTTP listen address
	Sessions      Sessions    // Sessions is the Edge session manager
	Readings      Readings    // Readings collects cycle readings (nil disables /cycles)
	Cluster       ClusterInfo // Cluster describes the cluster to clients
	PublicKey     []byte      // PublicKey is the serialized aggregation key
	RatePerSecond float64     // RatePerSecond is the per-client submission rate (0 disables limiting)
	Burst         int         // Burst is the per-client submission burst
}

// Server is the HTTP API of the Edge.
type Server struct {
	cfg      Config
	limiters *lru.Cache[string, *rate.Limiter] // limiters holds one token bucket per client address
	server   *http.Server                      // server is the underlying HTTP server
	listener net.Listener                      // listener is set by Start
}

// New creates the HTTP API server.
func New(cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}

	if cfg.RatePerSecond > 0 {
		if s.cfg.Burst < 1 {
			s.cfg.Burst = 1
		}

		limiters, err := lru.New[string, *rate.Limiter](limiterCacheSize)
		if err != nil {
			return nil, err
		}
		s.limiters = limiters
	}

	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.limited(s.handleSubmit))
	mux.HandleFunc("GET /sessions/{id}", s.handleQuery)
	mux.HandleFunc("POST /cycles/{id}/readings", s.limited(s.handleReading))
	mux.HandleFunc("GET /publickey", s.handlePublicKey)
	mux.HandleFunc("GET /cluster", s.handleCluster)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// limited applies the per-client rate limit to a submission handler.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiters == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)

		lim, ok := s.limiters.Get(client)
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
			s.limiters.Add(client, lim)
		}

		if !lim.Allow() {
			metrics.RateLimited.Inc()
			logger.Debug("submission rate limited", "client", client)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next(w, r)
	}
}

// clientAddr returns the remote host of a request.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// handleSubmit handles POST /sessions requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := req.submission()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.cfg.Sessions.Submit(r.Context(), sub)
	if err != nil {
		writeFailure(w, "submit", err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{SessionID: id})
}

// handleQuery handles GET /sessions/{id} requests.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Sessions.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, "query", err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

// handleReading handles POST /cycles/{id}/readings requests.
func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Readings == nil {
		writeError(w, http.StatusNotFound, "cycle collection disabled")
		return
	}

	var req ReadingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	progress, err := s.cfg.Readings.Add(r.Context(), r.PathValue("id"), req.Slot, req.Data)
	if err != nil {
		writeFailure(w, "reading", err)
		return
	}

	writeJSON(w, http.StatusAccepted, progress)
}

// handlePublicKey handles GET /publickey requests.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(ParametersHeader, s.cfg.Cluster.ParameterSet)
	w.WriteHeader(http.StatusOK)
	w.Write(s.cfg.PublicKey)
}

// handleCluster handles GET /cluster requests.
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Cluster)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

// writeFailure maps session errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionConflict),
		errors.Is(err, session.ErrCycleClosed),
		errors.Is(err, session.ErrDuplicateReading):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
