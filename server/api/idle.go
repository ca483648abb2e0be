package api

import (
	"net/http"

	"github.com/GoCodeAlone/fieldops/idle"
)

type radiusRequest struct {
	Inside *bool  `json:"inside"`
	TaskID string `json:"task_id,omitempty"`
}

type radiusResponse struct {
	Session *idle.Session `json:"session"`
	Changed bool          `json:"changed"`
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	sess, err := h.Idle.StartSession(r.Context(), id.UserID, h.now())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// endSession is a no-op returning 204 when nothing is active.
func (h *Handlers) endSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	sess, err := h.Idle.EndSession(r.Context(), id.UserID, h.now())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) updateRadius(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req radiusRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Inside == nil {
		writeError(w, http.StatusBadRequest, "inside is required")
		return
	}
	sess, changed, err := h.Idle.UpdateRadiusState(r.Context(), id.UserID, *req.Inside, req.TaskID, h.now())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, radiusResponse{Session: sess, Changed: changed})
}

// idleStats reports the caller's day; admins may ask for any user_id.
func (h *Handlers) idleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	now := h.now()

	userID := id.UserID
	if u := q.Get("user_id"); u != "" && u != id.UserID {
		if !id.Admin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		userID = u
	}
	date := q.Get("date")
	if date == "" {
		date = h.Idle.Day(now)
	}

	st, err := h.Idle.Stats(r.Context(), userID, date, now)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) idleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	q := r.URL.Query()
	now := h.now()
	from, to := q.Get("from"), q.Get("to")
	if to == "" {
		to = h.Idle.Day(now)
	}
	if from == "" {
		from = to
	}

	hist, err := h.Idle.History(r.Context(), q.Get("user_id"), from, to, now)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if hist == nil {
		hist = []idle.Stats{}
	}
	writeJSON(w, http.StatusOK, hist)
}
