// Package health serves the readiness probe and a counters snapshot.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"
)

// ReadyFunc reports readiness and the connection phase name.
type ReadyFunc func() (bool, string)

// SnapshotFunc returns the current counters.
type SnapshotFunc func(ctx context.Context) (map[string]int64, error)

type Server struct {
	ready    ReadyFunc
	snapshot SnapshotFunc
	logger   glog.Logger
}

type Option func(*Server)

func WithLogger(logger glog.Logger) Option {
	return func(s *Server) { s.logger = glog.Ensure(logger) }
}

func WithSnapshot(fn SnapshotFunc) Option {
	return func(s *Server) { s.snapshot = fn }
}

func NewServer(ready ReadyFunc, opts ...Option) *Server {
	s := &Server{ready: ready, logger: glog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes /health, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, phase := true, ""
	if s.ready != nil {
		ok, phase = s.ready()
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "phase": phase})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counters := map[string]int64{}
	if s.snapshot != nil {
		snap, err := s.snapshot(r.Context())
		if err != nil {
			s.logger.Error("collect metrics failed", "error", err)
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
		counters = snap
	}
	writeJSON(w, http.StatusOK, counters)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on addr and serves in the background. The caller owns
// shutdown of the returned server.
func (s *Server) Start(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", "error", err)
		}
	}()
	s.logger.Info("health server listening", "addr", ln.Addr().String())
	return srv, ln, nil
}

// StartHealthServer is shorthand for NewServer(ready, WithSnapshot(snapshot)).Start(addr).
func StartHealthServer(addr string, ready ReadyFunc, snapshot SnapshotFunc, opts ...Option) (*http.Server, net.Listener, error) {
	return NewServer(ready, append(opts, WithSnapshot(snapshot))...).Start(addr)
}
