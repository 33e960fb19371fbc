package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nixfleet/orchestrator/internal/ingest"
	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
)

const defaultReportLimit = 50

// pushPayload is the webhook body for a pushed commit.
type pushPayload struct {
	RepositoryURL   string    `json:"repository_url"`
	CommitSHA       string    `json:"commit_sha"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

func (s *Server) handleWebhookPush(w http.ResponseWriter, r *http.Request) {
	var payload pushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	commit, created, err := s.ingest.IngestCommit(r.Context(), payload.RepositoryURL, payload.CommitSHA, payload.CommitTimestamp)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidPayload) {
			WriteBadRequest(w, err.Error())
			return
		}
		s.logger.Error("commit ingestion failed", "error", err)
		WriteInternalError(w, "failed to ingest commit")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, map[string]any{
		"commit_id":     commit.ID,
		"created":       created,
		"attempt_count": commit.AttemptCount,
	})
}

// graphPayload is the evaluator-supplied derivation graph for a commit.
type graphPayload struct {
	Derivations []ingest.GraphNode `json:"derivations"`
}

func (s *Server) handleRegisterGraph(w http.ResponseWriter, r *http.Request) {
	commitID := chi.URLParam(r, "commitID")

	var payload graphPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	derivations, err := s.ingest.RegisterGraph(r.Context(), commitID, payload.Derivations)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidPayload):
			WriteBadRequest(w, err.Error())
		case errors.Is(err, postgres.ErrNotFound):
			WriteNotFound(w, "commit not found")
		default:
			s.logger.Error("graph registration failed", "commit_id", commitID, "error", err)
			WriteInternalError(w, "failed to register derivation graph")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, derivations)
}

func (s *Server) handleAgentCheckin(w http.ResponseWriter, r *http.Request) {
	var checkin models.AgentCheckin
	if err := json.NewDecoder(r.Body).Decode(&checkin); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.ingest.AgentCheckin(r.Context(), &checkin); err != nil {
		if errors.Is(err, ingest.ErrInvalidPayload) {
			WriteBadRequest(w, err.Error())
			return
		}
		s.logger.Error("agent check-in failed", "hostname", checkin.Hostname, "error", err)
		WriteInternalError(w, "failed to record check-in")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDerivations(w http.ResponseWriter, r *http.Request) {
	commitID := chi.URLParam(r, "commitID")

	derivations, err := s.store.Derivations().ListByCommit(r.Context(), commitID)
	if err != nil {
		s.logger.Error("failed to list derivations", "commit_id", commitID, "error", err)
		WriteInternalError(w, "failed to list derivations")
		return
	}
	WriteJSON(w, http.StatusOK, derivations)
}

func (s *Server) handleListFlakes(w http.ResponseWriter, r *http.Request) {
	flakes, err := s.store.Flakes().List(r.Context())
	if err != nil {
		s.logger.Error("failed to list flakes", "error", err)
		WriteInternalError(w, "failed to list flakes")
		return
	}
	WriteJSON(w, http.StatusOK, flakes)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := s.aggregator.SystemStatus(r.Context())
	if err != nil {
		s.logger.Error("system status report failed", "error", err)
		WriteInternalError(w, "failed to compute system status")
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCommitProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := s.aggregator.CommitProgress(r.Context(), reportLimit(r))
	if err != nil {
		s.logger.Error("commit progress report failed", "error", err)
		WriteInternalError(w, "failed to compute commit progress")
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeploymentTimeline(w http.ResponseWriter, r *http.Request) {
	points, err := s.aggregator.DeploymentTimeline(r.Context(), reportLimit(r))
	if err != nil {
		s.logger.Error("deployment timeline report failed", "error", err)
		WriteInternalError(w, "failed to compute deployment timeline")
		return
	}
	WriteJSON(w, http.StatusOK, points)
}

func (s *Server) handleBuildQueue(w http.ResponseWriter, r *http.Request) {
	rows, err := s.aggregator.BuildQueue(r.Context())
	if err != nil {
		s.logger.Error("build queue report failed", "error", err)
		WriteInternalError(w, "failed to compute build queue")
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRecentCommits(w http.ResponseWriter, r *http.Request) {
	rows, err := s.aggregator.RecentCommits(r.Context(), reportLimit(r))
	if err != nil {
		s.logger.Error("recent commits report failed", "error", err)
		WriteInternalError(w, "failed to compute recent commits")
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func reportLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultReportLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultReportLimit
	}
	return limit
}
