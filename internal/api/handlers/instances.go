package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentserver/agentserver/pkg/models"
)

// RunScriptRequest carries the arguments of a public script call.
type RunScriptRequest struct {
	Args []any `json:"args"`
}

// ══════════════════════════════════════════════════════════════
// ── Instance Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Instances.List(user))
}

func (h *Handlers) CreateInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	var spec models.InstanceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	inst, err := h.Instances.Instantiate(r.Context(), user, spec)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	st, err := h.Instances.Status(user, inst.Name(), false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	st, err := h.Instances.Status(user, chi.URLParam(r, "name"), yes(r, "state"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *Handlers) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	var spec models.InstanceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	name := chi.URLParam(r, "name")
	changed, err := h.Instances.Update(r.Context(), user, name, spec)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	st, err := h.Instances.Status(user, name, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, UpdateResponse{Changed: changed, Data: st})
}

func (h *Handlers) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Instances.Delete(r.Context(), user, name); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "instance": name})
}

func (h *Handlers) InstanceOutput(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	v, err := h.Instances.Outputs(user, chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// RunScript calls a public script. The body is either {"args": [...]} or a
// bare JSON array; an empty body means no arguments.
func (h *Handlers) RunScript(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	args, err := scriptArgs(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	ret, err := h.Instances.RunScript(r.Context(), user, chi.URLParam(r, "name"), chi.URLParam(r, "fn"), args)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.RunScriptResult{ReturnValue: ret.Native()})
}

func scriptArgs(body io.Reader) ([]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var args []any
		err := json.Unmarshal(raw, &args)
		return args, err
	}
	var req RunScriptRequest
	err = json.Unmarshal(raw, &req)
	return req.Args, err
}

func (h *Handlers) DismissException(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Instances.DismissException(r.Context(), user, name); err != nil {
		respondErr(w, r, err)
		return
	}
	h.respondStatus(w, r, user, name)
}

func (h *Handlers) ReloadInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.Instances.Reload(r.Context(), user, name); err != nil {
		respondErr(w, r, err)
		return
	}
	h.respondStatus(w, r, user, name)
}

func (h *Handlers) respondStatus(w http.ResponseWriter, r *http.Request, user, name string) {
	st, err := h.Instances.Status(user, name, false)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
