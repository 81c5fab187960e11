package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentserver/agentserver/pkg/models"
)

// ── Notification Handlers ────────────────────────────────────

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	v, err := h.Instances.Notifications(user, chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// GetNotification renders one notification, or answers it when the query
// carries a response parameter.
func (h *Handlers) GetNotification(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query(); q.Has("response") {
		h.respond(w, r, models.NotificationResponse{
			Response:       q.Get("response"),
			ResponseChoice: q.Get("response_choice"),
			Comment:        q.Get("comment"),
		})
		return
	}
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	v, err := h.Instances.Notification(user, chi.URLParam(r, "name"), chi.URLParam(r, "notification"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *Handlers) RespondNotification(w http.ResponseWriter, r *http.Request) {
	var resp models.NotificationResponse
	if !decodeBody(w, r, &resp) {
		return
	}
	h.respond(w, r, resp)
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, resp models.NotificationResponse) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	name, notification := chi.URLParam(r, "name"), chi.URLParam(r, "notification")
	if err := h.Instances.Respond(r.Context(), user, name, notification, resp); err != nil {
		respondErr(w, r, err)
		return
	}
	v, err := h.Instances.Notification(user, name, notification)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// PendingNotifications lists every pending notification of the caller.
func (h *Handlers) PendingNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := userOf(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Instances.PendingNotifications(user))
}
