package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/comms"
	"github.com/GoCodeAlone/fieldops/geofence"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks    *task.Machine
	Idle     *idle.Tracker
	Activity ActivityReader
	Bus      comms.Bus
	Logger   *slog.Logger
	Version  string

	// Now returns the current time for idle accounting. Defaults to time.Now.
	Now func() time.Time
}

// RegisterRoutes registers all authenticated API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.patchTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/accept", h.acceptTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", h.rejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/geofence", h.geofenceSample)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/expire", h.expireTask)

	mux.HandleFunc("POST /api/idle/start", h.startSession)
	mux.HandleFunc("POST /api/idle/end", h.endSession)
	mux.HandleFunc("POST /api/idle/radius", h.updateRadius)
	mux.HandleFunc("GET /api/idle/stats", h.idleStats)
	mux.HandleFunc("GET /api/idle/history", h.idleHistory)

	mux.HandleFunc("GET /api/activity", h.listActivity)
	mux.HandleFunc("GET /api/messages", h.listMessages)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotExpired),
		errors.Is(err, idle.ErrNoActiveSession):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrInvalidStatus), errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, geofence.ErrInvalidCoordinate), errors.Is(err, geofence.ErrInvalidRadius),
		errors.Is(err, idle.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger().Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// identity returns the caller or writes 401.
func identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return id, ok
}

// requireAdmin returns the caller if it is an admin, or writes 401/403.
func requireAdmin(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := identity(w, r)
	if !ok {
		return id, false
	}
	if !id.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return id, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// --- Activity / messages ---

func (h *Handlers) listActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter := activity.Filter{
		UserID: q.Get("user_id"),
		TaskID: q.Get("task_id"),
		Type:   activity.Type(q.Get("type")),
		Limit:  limit,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "invalid activity type")
		return
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
		filter.Since = since
	}

	records, err := h.Activity.List(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if records == nil {
		records = []*activity.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	subscriber := id.UserID
	if id.Admin {
		subscriber = comms.Dispatchers
	}

	msgs, err := h.Bus.History(subscriber, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Version ---

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
