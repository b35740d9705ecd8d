package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chiehlin/factortuner/internal/modules/engine"
	"github.com/chiehlin/factortuner/internal/modules/progress"
	"github.com/chiehlin/factortuner/internal/modules/results"
	"github.com/chiehlin/factortuner/internal/modules/session"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "factortuner",
	})
}

// handleSpaceInfo returns the loaded parameter space description
func (s *Server) handleSpaceInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.SpaceInfo())
}

// handleSpacePreview returns a small non-persisted sample
func (s *Server) handleSpacePreview(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	seed, _ := strconv.ParseInt(r.URL.Query().Get("seed"), 10, 64)

	configs, err := s.service.Preview(n, seed)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(configs),
		"strategies": configs,
	})
}

// handleCreateSession generates strategies and enqueues a new session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.service.Create(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// handleListSessions lists sessions, newest first
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := s.repo.ListSessions(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleSessionStatus returns the full session view
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	detailed := r.URL.Query().Get("detailed") == "true"

	// "latest" resolves to the most recently created session
	if sessionID == "latest" {
		latest, err := s.repo.LatestSession()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if latest == "" {
			s.writeError(w, http.StatusNotFound, errors.New("no sessions exist"))
			return
		}
		sessionID = latest
	}

	status, err := s.repo.SessionStatus(sessionID, detailed)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if status == nil {
		s.writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleSessionProgress returns the cached progress stats
func (s *Server) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	stats, err := s.progress.Stats(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// executeRequest tunes one batch execution
type executeRequest struct {
	Parallelism    int  `json:"parallelism,omitempty"`
	TimeoutMinutes int  `json:"timeout_minutes,omitempty"`
	Resume         bool `json:"resume,omitempty"`
}

// handleExecute starts draining the session's queue in the background
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req executeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if s.engine.IsRunning() {
		s.writeError(w, http.StatusConflict, errors.New("an execution is already running"))
		return
	}

	opts := engine.RunOptions{
		SessionID:   sessionID,
		Parallelism: s.cfg.MaxParallel,
		TaskTimeout: s.cfg.TaskTimeout,
		Resume:      req.Resume,
	}
	if req.Parallelism > 0 {
		opts.Parallelism = req.Parallelism
	}
	if req.TimeoutMinutes > 0 {
		opts.TaskTimeout = time.Duration(req.TimeoutMinutes) * time.Minute
	}

	// Existence check up front so the client gets a 404 instead of a
	// background failure.
	existing, err := s.repo.Session(sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if existing == nil {
		s.writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	go func() {
		if _, err := s.engine.Run(context.Background(), opts); err != nil {
			s.log.Error().Err(err).Str("session_id", sessionID).Msg("Background execution failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id":  sessionID,
		"parallelism": opts.Parallelism,
		"resume":      opts.Resume,
		"started":     true,
	})
}

// handleStop requests a cooperative stop of the running execution
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsRunning() {
		s.writeError(w, http.StatusConflict, errors.New("no execution is running"))
		return
	}
	s.engine.Stop()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stopping": true})
}

// handleResetFailed returns failed items to pending
func (s *Server) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	count, err := s.progress.ResetFailed(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reset": count})
}

// handleResetStale recovers items stuck in running after a crash
func (s *Server) handleResetStale(w http.ResponseWriter, r *http.Request) {
	count, err := s.progress.ResetStale(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reset": count})
}

// handleCleanSession deletes session data
func (s *Server) handleCleanSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	failedOnly := r.URL.Query().Get("failed_only") == "true"

	if err := s.repo.CleanSession(sessionID, failedOnly); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"failed_only": failedOnly,
		"cleaned":     true,
	})
}

// handleTopPerformers returns the best strategies by one metric
func (s *Server) handleTopPerformers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	metric := r.URL.Query().Get("metric")
	topN, _ := strconv.Atoi(r.URL.Query().Get("n"))

	top, err := s.collector.TopPerformers(sessionID, metric, topN)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(top),
		"results": top,
	})
}

// handleSummaryReport returns the session digest
func (s *Server) handleSummaryReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.collector.Summary(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleBreakdown groups results by one parameter
func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	param := r.URL.Query().Get("param")

	buckets, err := s.collector.ParameterBreakdown(sessionID, param)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"param":   param,
		"buckets": buckets,
	})
}

// handleExport writes a results file and returns its path
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = results.FormatJSON
	}

	path, err := s.collector.Export(sessionID, format, filepath.Join(s.cfg.DataDir, "exports"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":   path,
		"format": format,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response. Illegal transitions map to
// 409 regardless of the caller's suggested status.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, progress.ErrIllegalTransition) {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
