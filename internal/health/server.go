// Package health exposes HTTP endpoints for probes, diagnostics, and metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tg_mirror_fleet_bot/internal/logging"
	"tg_mirror_fleet_bot/internal/metrics"
	"tg_mirror_fleet_bot/internal/store"
)

const (
	mongoPingTimeout   = 2 * time.Second
	statsTimeout       = 5 * time.Second
	readHeaderTimeout  = 2 * time.Second
	healthListenPrefix = ":"
)

// MongoChecker defines the subset of MongoDB client behavior required for health.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

// StatsSource returns registry counts.
type StatsSource interface {
	Snapshot(ctx context.Context) (store.Stats, error)
}

// FleetStatus reports the running listeners.
type FleetStatus interface {
	Running() int
	RunningBotIDs() []string
}

// Dependencies are the optional collaborators behind each endpoint.
type Dependencies struct {
	Mongo MongoChecker
	Stats StatsSource
	Fleet FleetStatus
}

// Server hosts the endpoints and owns the underlying HTTP server.
type Server struct {
	server *http.Server
	logger *logrus.Entry
	deps   Dependencies
}

type response struct {
	Status  string `json:"status"`
	Mongo   string `json:"mongo,omitempty"`
	Mirrors *int   `json:"mirrors,omitempty"`
}

type statsResponse struct {
	store.Stats
	RunningMirrors []string `json:"running_mirrors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer constructs a server exposing GET /healthz, /stats and /metrics on
// the provided port.
func NewServer(port int, deps Dependencies, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger: logger,
		deps:   deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.Handle("/metrics", metrics.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", healthListenPrefix, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
	}).Info("starting health server")

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("event", "health_stopped").Info("health server stopped")
			return nil
		}

		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok"}
	mongoStatus := "ok"

	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if s.deps.Mongo == nil {
		mongoStatus = "error"
		s.logger.WithField("event", "health_mongo_missing").Warn("mongo checker is not configured for health endpoint")
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
		err := s.deps.Mongo.Ping(pingCtx)
		cancel()

		if err != nil {
			mongoStatus = "error"
			s.logger.WithFields(logging.Fields{
				"event": "health_mongo_error",
			}).WithError(err).Warn("mongo ping failed during health check")
		}
	}

	if mongoStatus != "ok" {
		resp.Status = "degraded"
		resp.Mongo = "error"
	}

	if s.deps.Fleet != nil {
		running := s.deps.Fleet.Running()
		resp.Mirrors = &running
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats unavailable"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	snapshot, err := s.deps.Stats.Snapshot(ctx)
	if err != nil {
		s.logger.WithField("event", "health_stats_error").WithError(err).Warn("failed to collect stats")
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats unavailable"})
		return
	}

	resp := statsResponse{Stats: snapshot, RunningMirrors: []string{}}
	if s.deps.Fleet != nil {
		resp.RunningMirrors = s.deps.Fleet.RunningBotIDs()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}
