package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/metrics"
	"github.com/cuemby/flownode/pkg/types"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// JobLister lists the most recent job reports, newest first
type JobLister interface {
	ListJobReports(limit int) ([]*types.JobReport, error)
}

// HealthServer provides the node's local HTTP endpoints
type HealthServer struct {
	jobs JobLister
	mux  *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewHealthServer creates a new health check HTTP server. jobs may be nil,
// in which case /jobs answers 503.
func NewHealthServer(jobs JobLister) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		jobs: jobs,
		mux:  mux,
	}

	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.HandleFunc("/jobs", hs.jobsHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.mu.Lock()
	if hs.shutdown {
		hs.mu.Unlock()
		return nil
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.server = server
	hs.mu.Unlock()

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("Health endpoints listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	hs.shutdown = true
	server := hs.server
	hs.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// jobsHandler implements /jobs?limit=N
func (hs *HealthServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.jobs == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxJobLimit)
	}

	reports, err := hs.jobs.ListJobReports(limit)
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to list job history")
		http.Error(w, "failed to read job history", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []*types.JobReport{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(reports)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
