package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// ── Admin Handlers ───────────────────────────────────────────

func (h *Handlers) SchedulerState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Scheduler.State())
}

func (h *Handlers) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Pause()
	log.Info().Msg("Scheduler paused via API")
	respondJSON(w, http.StatusOK, h.Scheduler.State())
}

func (h *Handlers) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Resume()
	log.Info().Msg("Scheduler resumed via API")
	respondJSON(w, http.StatusOK, h.Scheduler.State())
}
