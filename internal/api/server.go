// Package api serves the read-mostly HTTP query interface over the store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/enrich"
	"github.com/Ashfaaq98/evilwatch/internal/lookup"
	"github.com/Ashfaaq98/evilwatch/internal/metrics"
	"github.com/Ashfaaq98/evilwatch/internal/scheduler"
	"github.com/Ashfaaq98/evilwatch/internal/search"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const DefaultBind = "127.0.0.1:8000"

// Options controls the API server.
type Options struct {
	// Bind address, e.g. "127.0.0.1:8000"
	Bind string
	// JWTSecret enables bearer auth on mutating routes. Empty disables auth.
	JWTSecret string
	Logger    *log.Logger
}

// Deps are the components the handlers read from. Store is required; the
// rest are optional and their routes degrade when absent.
type Deps struct {
	Store     *store.Store
	Index     search.Index
	Filter    *lookup.Filter
	Enricher  *enrich.Enricher
	Bus       bus.Bus
	// Scheduler is set only when it is running; it backs /ingest/run.
	Scheduler *scheduler.Scheduler
	CVEs      *cvefeed.Reader
}

// Server is the query API.
type Server struct {
	deps    Deps
	opts    Options
	router  *mux.Router
	logger  *log.Logger
	started int32
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.Bind == "" {
		opts.Bind = DefaultBind
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	s := &Server{deps: deps, opts: opts, router: mux.NewRouter(), logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.instrument)
	s.register(s.router)
	s.register(s.router.PathPrefix("/api").Subrouter())
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) register(r *mux.Router) {
	r.HandleFunc("/check", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/fts", s.handleFullText).Methods(http.MethodGet)
	r.HandleFunc("/stats/entries", s.handleEntries).Methods(http.MethodGet)
	r.HandleFunc("/stats/type-breakdown", s.handleTypeBreakdown).Methods(http.MethodGet)
	r.HandleFunc("/stats/source-breakdown", s.handleSourceBreakdown).Methods(http.MethodGet)
	r.HandleFunc("/stats/searches", s.handleSearches).Methods(http.MethodGet)
	r.HandleFunc("/stats/increment-search", s.requireToken(s.handleIncrementSearch)).Methods(http.MethodPost)
	r.HandleFunc("/fallback", s.handleFallback).Methods(http.MethodGet)
	r.HandleFunc("/neutrino/cache", s.handleReputationCache).Methods(http.MethodGet)
	r.HandleFunc("/neutrino/live", s.handleReputationLive).Methods(http.MethodGet)
	r.HandleFunc("/neutrino/save", s.requireToken(s.handleReputationSave)).Methods(http.MethodPost)
	r.HandleFunc("/rss/cves", s.handleRecentCVEs).Methods(http.MethodGet)
	r.HandleFunc("/ingest/run", s.requireToken(s.handleIngestRun)).Methods(http.MethodPost)
	r.HandleFunc("/audit", s.requireToken(s.handleAudit)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("api server already started")
	}
	// Bind early to surface errors synchronously
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Bind, err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("API listening on http://%s auth=%v", ln.Addr(), s.opts.JWTSecret != "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("graceful shutdown failed: %v", err)
		return err
	}
	return <-errCh
}

// statusRecorder captures the response code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		if rec.code >= 400 {
			s.logger.Printf("%s %s status=%d remote=%s dur=%s",
				r.Method, r.URL.Path, rec.code, remoteIP(r.RemoteAddr), time.Since(start))
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// storeError reports a failed store read; the store being unreachable is
// the only condition surfaced as 503.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Printf("%s %s: store error: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusServiceUnavailable, "threat store unavailable")
}

// remoteIP extracts ip from host:port
func remoteIP(addr string) string {
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}
