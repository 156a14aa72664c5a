// Package dashboard serves read-only JSON snapshots and server-sent event
// streams of the sniper state, plus health, metrics and stats endpoints.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/store"
)

// Source is the read side of the store.
type Source interface {
	ListCandidates(ctx context.Context, limit int) ([]*store.Candidate, error)
	ListOpenPositions(ctx context.Context) ([]*store.OpenPosition, error)
	ListClosedPositions(ctx context.Context, limit int) ([]*store.ClosedPosition, error)
	ListLogs(ctx context.Context, limit int) ([]*store.LogEntry, error)
}

// StatsFunc returns the component counters served on /stats.
type StatsFunc func() map[string]any

// Config configures the dashboard server.
type Config struct {
	Addr           string
	StreamInterval time.Duration
	SnapshotLimit  int

	// RecentLogs, when set, serves the logs snapshot from memory while the
	// store cannot be read. Entries are oldest first.
	RecentLogs func() []store.LogEntry
}

// Server is the dashboard HTTP server.
type Server struct {
	config   Config
	source   Source
	health   *observability.HealthMonitor
	metrics  http.Handler
	stats    StatsFunc

	snapshots map[string]snapshotFunc
}

type snapshotFunc func(ctx context.Context) (any, error)

// New creates a server. health, gatherer and stats may be nil, in which
// case the matching endpoint is not registered.
func New(config Config, source Source, health *observability.HealthMonitor, gatherer prometheus.Gatherer, stats StatsFunc) *Server {
	if config.Addr == "" {
		config.Addr = ":8000"
	}
	if config.StreamInterval <= 0 {
		config.StreamInterval = 2 * time.Second
	}
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = 200
	}
	s := &Server{
		config: config,
		source: source,
		health: health,
		stats:  stats,
	}
	if gatherer != nil {
		s.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog:      promLogger{},
			ErrorHandling: promhttp.ContinueOnError,
		})
	}
	s.snapshots = map[string]snapshotFunc{
		"candidates": func(ctx context.Context) (any, error) {
			return source.ListCandidates(ctx, s.config.SnapshotLimit)
		},
		"open": func(ctx context.Context) (any, error) {
			return source.ListOpenPositions(ctx)
		},
		"closed": func(ctx context.Context) (any, error) {
			return source.ListClosedPositions(ctx, s.config.SnapshotLimit)
		},
		"logs": s.logsSnapshot,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ── Snapshots ──
	mux.HandleFunc("GET /api/candidates", s.handleSnapshot("candidates"))
	mux.HandleFunc("GET /api/positions/open", s.handleSnapshot("open"))
	mux.HandleFunc("GET /api/positions/closed", s.handleSnapshot("closed"))
	mux.HandleFunc("GET /api/logs", s.handleSnapshot("logs"))

	// ── Streams ──
	mux.HandleFunc("GET /socket/{kind}", s.handleStream)

	// ── Operations ──
	if s.health != nil {
		mux.HandleFunc("GET /health", s.handleHealth)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.stats != nil {
		mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.stats())
		})
	}
	return mux
}

// Serve listens on Addr until ctx is cancelled. Open streams end with ctx.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("dashboard: shutdown")
		}
	}()

	log.Info().Str("addr", s.config.Addr).Msg("dashboard: listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: serve: %w", err)
	}
	return nil
}

func (s *Server) handleSnapshot(kind string) http.HandlerFunc {
	snapshot := s.snapshots[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := snapshot(r.Context())
		if err != nil {
			log.Error().Err(err).Str("kind", kind).Msg("dashboard: snapshot failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// handleStream pushes a snapshot immediately and then every StreamInterval
// as server-sent events until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	snapshot, ok := s.snapshots[kind]
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(s.config.StreamInterval)
	defer ticker.Stop()

	for {
		v, err := snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("kind", kind).Msg("dashboard: stream snapshot failed")
		} else {
			data, err := json.Marshal(v)
			if err != nil {
				log.Error().Err(err).Str("kind", kind).Msg("dashboard: encode snapshot")
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// logsSnapshot reads the newest log rows, falling back to the in-memory
// journal when the store is unavailable.
func (s *Server) logsSnapshot(ctx context.Context) (any, error) {
	logs, err := s.source.ListLogs(ctx, s.config.SnapshotLimit)
	if err == nil || s.config.RecentLogs == nil || ctx.Err() != nil {
		return logs, err
	}
	log.Warn().Err(err).Msg("dashboard: log snapshot served from memory")

	recent := s.config.RecentLogs()
	out := make([]store.LogEntry, 0, min(len(recent), s.config.SnapshotLimit))
	for i := len(recent) - 1; i >= 0 && len(out) < s.config.SnapshotLimit; i-- {
		out = append(out, recent[i])
	}
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sys := s.health.Snapshot()
	status := http.StatusOK
	if sys.Status == observability.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sys)
}

// promLogger routes promhttp gather errors to zerolog.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Error().Msg("dashboard: metrics: " + fmt.Sprint(v...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("dashboard: write response")
	}
}
