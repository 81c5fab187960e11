package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentserver/agentserver/internal/access"
	"github.com/agentserver/agentserver/pkg/models"
)

// AccessTableRequest replaces the rules of one access table.
type AccessTableRequest struct {
	Rules []models.AccessRule `json:"rules"`
}

// ── Access Table Handlers ────────────────────────────────────

func (h *Handlers) ListAccessTables(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Access.List(user))
}

func (h *Handlers) GetAccessTable(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	kind, err := access.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Access.Get(user, kind))
}

func (h *Handlers) SetAccessTable(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	kind, err := access.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req AccessTableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	table, err := h.Access.Set(r.Context(), user, kind, req.Rules)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, table)
}

func (h *Handlers) DeleteAccessTable(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	kind, err := access.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if err := h.Access.Delete(r.Context(), user, kind); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "kind": string(kind)})
}
