// Package server exposes the polling HTTP API for job tracking.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/fleetjobs/internal/jobs"
	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/models"
)

// logTailInterval is how often the websocket log tail re-reads the job
// record for new lines.
const logTailInterval = 500 * time.Millisecond

// Server wires the job store and controller to HTTP.
type Server struct {
	store      *jobs.Store
	controller *jobs.Controller
	stats      *metrics.Collector
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New creates the API server.
func New(store *jobs.Store, controller *jobs.Controller, stats *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{
		store:      store,
		controller: controller,
		stats:      stats,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from another origin in dev.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleStart)
		r.Post("/jobs/bulk", s.handleStart)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleGet)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/log/ws", s.handleLogTail)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// handleStart starts a job of any kind and returns its id immediately,
// before the remote operation necessarily begins.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	jobID, err := s.controller.Start(jobs.Kind(req.Kind), req.Host, jobs.Params{
		Image:   req.Image,
		Archive: req.Archive,
		Dest:    req.Dest,
		Paths:   req.Paths,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, models.StartJobResponse{JobID: jobID})
}

// handleGet is the poll endpoint: a cheap snapshot read, O(1) per call.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.store.Get(id)
	if !ok {
		// Expired or never existed; not an error state, the client
		// just stops polling.
		writeJSON(w, http.StatusNotFound, models.JobStatus{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, models.FromJob(snap))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	snaps := s.store.List()
	out := make([]models.JobStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, models.FromJob(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acked := s.controller.Cancel(id)
	status := http.StatusOK
	if !acked {
		status = http.StatusNotFound
	}
	writeJSON(w, status, models.CancelResponse{Acknowledged: acked})
}

// handleLogTail streams the job log over a websocket: the buffered
// lines first, then appends until the job reaches a terminal state.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.store.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, models.JobStatus{Found: false})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(logTailInterval)
	defer ticker.Stop()

	// Cursor over all lines ever appended, not an index into the log
	// slice: the slice is capped and drops its head on long jobs.
	sent := 0
	for {
		snap, ok := s.store.Get(id)
		if !ok {
			return
		}
		dropped := snap.LogTotal - len(snap.Log)
		if sent < dropped {
			// Fell behind the cap; the lines in between are gone.
			sent = dropped
		}
		for _, line := range snap.Log[sent-dropped:] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		sent = snap.LogTotal

		if snap.State.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.State))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
