package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/rewind/pkg/task"
)

// version is set via -ldflags at build time
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// Response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StuckResponse reports the current stuck classification.
type StuckResponse struct {
	IsStuck bool   `json:"is_stuck"`
	Pattern string `json:"pattern,omitempty"`
	Details string `json:"details,omitempty"`
}

// RollbackResponse reports the outcome of a rollback request.
type RollbackResponse struct {
	RolledBack bool `json:"rolled_back"`
	Iteration  int  `json:"iteration"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "rewind",
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Iteration.History)
}

func (s *Server) handleGetStuck(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}

	result := s.detector.Classify(state)
	writeJSON(w, http.StatusOK, StuckResponse{
		IsStuck: result.IsStuck,
		Pattern: string(result.Pattern),
		Details: result.Details,
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.checkpoints.List(state))
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}

	cp, err := s.checkpoints.Create(state, task.CheckpointManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, ok := s.loadState(w)
	if !ok {
		return
	}

	if !s.checkpoints.RollbackTo(id, state) {
		writeError(w, http.StatusNotFound, "Checkpoint not found or rollback failed")
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{
		RolledBack: true,
		Iteration:  state.Iteration.Current,
	})
}

func (s *Server) handleRollbackLatest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}

	if !s.checkpoints.RollbackToLatest(state) {
		writeError(w, http.StatusConflict, "No checkpoint available to roll back to")
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{
		RolledBack: true,
		Iteration:  state.Iteration.Current,
	})
}

// loadState reads the persisted task, writing a 404 when no task exists.
func (s *Server) loadState(w http.ResponseWriter) (*task.State, bool) {
	state, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusNotFound, "No task state found")
		return nil, false
	}
	return state, true
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
