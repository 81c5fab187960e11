package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentserver/agentserver/internal/api/middleware"
	"github.com/agentserver/agentserver/pkg/models"
)

// UpdateResponse reports the result of a partial update.
type UpdateResponse struct {
	Changed bool `json:"changed"`
	Data    any  `json:"data"`
}

// ══════════════════════════════════════════════════════════════
// ── Definition Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	if yes(r, "all") {
		if !middleware.IsAdmin(r.Context()) {
			respondError(w, http.StatusForbidden, "all=yes requires an admin key")
			return
		}
		respondJSON(w, http.StatusOK, h.Registry.ListAll())
		return
	}
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Registry.List(user))
}

func (h *Handlers) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	var spec models.DefinitionSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	c, err := h.Registry.Create(r.Context(), user, spec)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c.Def)
}

func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	c, err := h.Registry.Get(user, chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Def)
}

func (h *Handlers) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	var spec models.DefinitionSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	c, changed, err := h.Registry.Update(r.Context(), user, chi.URLParam(r, "name"), spec)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, UpdateResponse{Changed: changed, Data: c.Def})
}

func (h *Handlers) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Registry.Delete(r.Context(), user, name); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "definition": name})
}
