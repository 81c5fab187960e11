// Package handlers implements the HTTP surface of the agent server: a thin
// JSON layer over the definition registry, the instance runtime, access
// tables and the scheduler.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/access"
	"github.com/agentserver/agentserver/internal/api/middleware"
	"github.com/agentserver/agentserver/internal/instance"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/scheduler"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry  *registry.Registry
	Instances *instance.Manager
	Access    *access.Tables
	Scheduler *scheduler.Scheduler
	Version   string
}

// New creates a new Handlers instance with all dependencies.
func New(reg *registry.Registry, m *instance.Manager, tables *access.Tables, sched *scheduler.Scheduler, version string) *Handlers {
	return &Handlers{
		Registry:  reg,
		Instances: m,
		Access:    tables,
		Scheduler: sched,
		Version:   version,
	}
}

// ── Platform ─────────────────────────────────────────────────

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Version   string          `json:"version"`
	Counters  models.Counters `json:"counters"`
	Scheduler scheduler.State `json:"scheduler"`
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Version:   h.Version,
		Counters:  h.Instances.Counters(),
		Scheduler: h.Scheduler.State(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

// userOf returns the caller's namespace, answering 400 when it is missing.
func userOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		respondError(w, http.StatusBadRequest, "user required. Set the X-User header or the user query parameter.")
		return "", false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		parseErr   *script.ParseError
		semErr     *script.SemanticError
		cfgErr     *models.ConfigError
		notFound   *models.NotFoundError
		stateErr   *models.StateError
		budgetErr  *script.BudgetExceededError
		runtimeErr *script.RuntimeError
	)
	switch {
	case errors.As(err, &parseErr), errors.As(err, &semErr), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &budgetErr), errors.As(err, &runtimeErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func yes(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "yes", "true", "1":
		return true
	}
	return false
}
