package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/GoCodeAlone/fieldops/geofence"
	"github.com/GoCodeAlone/fieldops/task"
)

// TaskView is a task as returned to clients, with its live countdown and
// the worker actions currently permitted.
type TaskView struct {
	*task.Task
	RemainingMs    *int64   `json:"remaining_ms,omitempty"`
	AllowedActions []string `json:"allowed_actions"`
}

func (h *Handlers) view(t *task.Task) TaskView {
	v := TaskView{Task: t, AllowedActions: task.AllowedOps(t.Status)}
	if timer := task.TimerFor(t); timer.Active() {
		ms := timer.Remaining(h.Tasks.Now()).Milliseconds()
		v.RemainingMs = &ms
	}
	return v
}

type createTaskRequest struct {
	Title            string               `json:"title"`
	Description      string               `json:"description"`
	Location         *geofence.Coordinate `json:"location"`
	RadiusKm         float64              `json:"radius_km"`
	TimeLimitMinutes int                  `json:"time_limit_minutes"`
	AssignedTo       []string             `json:"assigned_to"`
}

// patchRequest distinguishes an absent time_limit_set from an explicit
// null, which clears the countdown.
type patchRequest struct {
	Status       *string         `json:"status"`
	TimeLimitSet json.RawMessage `json:"time_limit_set"`
	Completed    *bool           `json:"completed"`
}

type geofenceRequest struct {
	Inside   *bool                `json:"inside"`
	Location *geofence.Coordinate `json:"location"`
}

type geofenceResponse struct {
	Task     TaskView         `json:"task"`
	Entered  bool             `json:"entered"`
	Geofence *geofence.Result `json:"geofence,omitempty"`
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st, err := task.ParseStatus(s)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		filter.Status = &st
	}
	if a := q.Get("assigned_to"); a != "" && id.Admin {
		filter.AssignedTo = a
	}
	limit, okL := queryInt(r, "limit", 0)
	offset, okO := queryInt(r, "offset", 0)
	if !okL || !okO {
		writeError(w, http.StatusBadRequest, "invalid limit or offset")
		return
	}
	filter.Limit, filter.Offset = limit, offset

	tasks, err := h.Tasks.List(r.Context(), id.Actor(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, h.view(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	t := &task.Task{
		Title:            req.Title,
		Description:      req.Description,
		Location:         *req.Location,
		RadiusKm:         req.RadiusKm,
		TimeLimitMinutes: req.TimeLimitMinutes,
		AssignedTo:       req.AssignedTo,
	}
	if err := h.Tasks.Create(r.Context(), t, id.Actor()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(t))
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"), id.Actor())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) patchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req patchRequest
	if !decode(w, r, &req) {
		return
	}

	var p task.Patch
	if req.Status != nil {
		st, err := task.ParseStatus(*req.Status)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		p.Status = &st
	}
	p.Completed = req.Completed
	if raw := bytes.TrimSpace(req.TimeLimitSet); len(raw) > 0 {
		if bytes.Equal(raw, []byte("null")) {
			p.ClearTimeLimitSet = true
		} else {
			var at time.Time
			if err := json.Unmarshal(raw, &at); err != nil {
				writeError(w, http.StatusBadRequest, "invalid time_limit_set: want RFC 3339 or null")
				return
			}
			p.TimeLimitSet = &at
		}
	}

	t, err := h.Tasks.ApplyPatch(r.Context(), r.PathValue("id"), id.Actor(), p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	if err := h.Tasks.AdminDelete(r.Context(), r.PathValue("id"), id.Actor()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) acceptTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Accept(r.Context(), r.PathValue("id"), id.Actor())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) rejectTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if err := h.Tasks.Reject(r.Context(), r.PathValue("id"), id.Actor()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) geofenceSample(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req geofenceRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		res task.SampleResult
		err error
	)
	taskID := r.PathValue("id")
	switch {
	case req.Location != nil && req.Inside == nil:
		res, err = h.Tasks.OnLocationSample(r.Context(), taskID, id.Actor(), *req.Location)
	case req.Inside != nil && req.Location == nil:
		res, err = h.Tasks.OnGeofenceSample(r.Context(), taskID, id.Actor(), *req.Inside)
	default:
		writeError(w, http.StatusBadRequest, "exactly one of inside or location is required")
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, geofenceResponse{
		Task:     h.view(res.Task),
		Entered:  res.Entered,
		Geofence: res.Fence,
	})
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.EndTask(r.Context(), r.PathValue("id"), id.Actor())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) expireTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	expired, err := h.Tasks.OnTimerExpired(r.Context(), r.PathValue("id"), id.Actor())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}
