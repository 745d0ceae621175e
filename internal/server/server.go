// Package server exposes the pipeline's read model and commands over HTTP:
// protocol upload-confirm (which enqueues the trigger event), retry, review
// decisions, batch approval, and exports. The API is unauthenticated; actor
// attribution for audited actions comes from the X-Sieve-Actor header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/export"
	"github.com/cohortforge/sieve/internal/review"
	"github.com/cohortforge/sieve/internal/storage"
)

// actorHeader carries the human identity stamped on audited actions.
const actorHeader = "X-Sieve-Actor"

// defaultActor is used when the header is absent. The API carries no auth
// (by scope), so attribution is advisory.
const defaultActor = "reviewer"

// maxBodyBytes bounds request bodies; every write payload here is small.
const maxBodyBytes = 1 << 20

// Options tune the HTTP server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Version is reported by /healthz.
	Version string

	// ArchiveTTL is how long a protocol may sit in uploaded or a terminal
	// failure state before a read archives it (and sweeps expired
	// dead-letter events). 0 applies the 7-day default; negative disables
	// lazy archival.
	ArchiveTTL time.Duration

	// Registerer receives the server's prometheus collectors. nil leaves
	// them unregistered.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.ArchiveTTL == 0 {
		o.ArchiveTTL = 7 * 24 * time.Hour
	}
	return o
}

// Server routes HTTP requests onto the storage read model, the review
// service, and the export renderers.
type Server struct {
	store   storage.Storage
	reviews *review.Service
	log     *zap.Logger
	opts    Options
	metrics *metrics
	started time.Time

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
}

// New wires a server over a store. A nil logger logs nowhere.
func New(store storage.Storage, logger *zap.Logger, opts Options) *Server {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:   store,
		reviews: review.NewService(store, logger),
		log:     logger.Named("server"),
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		started: time.Now().UTC(),
	}
}

// Router builds the chi handler. Exposed separately from Start so tests can
// drive it through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/protocols", func(r chi.Router) {
			r.Post("/", s.handleCreateProtocol)
			r.Get("/", s.handleListProtocols)
			r.Route("/{protocolID}", func(r chi.Router) {
				r.Get("/", s.handleGetProtocol)
				r.Post("/retry", s.handleRetryProtocol)
				r.Get("/criteria", s.handleListCriteria)
				r.Get("/audit", s.handleProtocolAudit)
			})
		})
		r.Post("/criteria/{criterionID}/review", s.handleReviewCriterion)
		r.Post("/batches/{batchID}/approve", s.handleApproveBatch)
		r.Get("/batches/{batchID}/export", s.handleExportBatch)
	})
	return r
}

// Start listens and serves until the context is canceled, then shuts down
// gracefully. A canceled context is a clean stop and returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened, else the
// configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

func (s *Server) metricsHandler() http.Handler {
	if g, ok := s.opts.Registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	uptime := fmt.Sprintf("%.0fs", time.Since(s.started).Seconds())
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"version": s.opts.Version,
			"uptime":  uptime,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
		"uptime":  uptime,
	})
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.duration.Observe(elapsed.Seconds())
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed))
	})
}

// actor returns the audited identity for a request.
func actor(r *http.Request) string {
	if a := r.Header.Get(actorHeader); a != "" {
		return a
	}
	return defaultActor
}

// decodeBody unmarshals a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Error: errorClass(status), Detail: detail})
}

// writeStorageError maps domain sentinels onto HTTP statuses.
func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateEvent),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, review.ErrPendingCriteria),
		errors.Is(err, review.ErrBatchArchived),
		errors.Is(err, export.ErrBatchNotApproved):
		return http.StatusConflict
	case errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorClass(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
