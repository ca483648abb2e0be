// Package task defines the field task model, its countdown timer, the
// state machine that drives it from location samples, and its persistence.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/fieldops/geofence"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusWaitingForAcceptance Status = "waiting_for_acceptance"
	StatusOnTheWay             Status = "on_the_way"
	StatusOnSite               Status = "on_site"
	StatusCompleted            Status = "completed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusWaitingForAcceptance,
	StatusOnTheWay,
	StatusOnSite,
	StatusCompleted,
}

// ParseStatus validates s against the closed status set. Unknown values
// are rejected rather than coerced.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !slices.Contains(Statuses, st) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// RemovalReason records why a task left the active set.
type RemovalReason string

const (
	ReasonRejected     RemovalReason = "rejected"
	ReasonExpired      RemovalReason = "expired"
	ReasonAdminDeleted RemovalReason = "admin_deleted"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotExpired        = errors.New("countdown has not expired")
	ErrForbidden         = errors.New("not permitted")
	ErrInvalidTask       = errors.New("invalid task")
)

// Task is a unit of field work at a location.
type Task struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Location         geofence.Coordinate `json:"location"`
	RadiusKm         float64             `json:"radius_km"`
	Status           Status              `json:"status"`
	TimeLimitMinutes int                 `json:"time_limit_minutes,omitempty"` // 0 = no countdown
	TimeLimitSet     *time.Time          `json:"time_limit_set"`
	DeadlineAt       *time.Time          `json:"deadline_at"`
	AcceptedAt       *time.Time          `json:"accepted_at,omitempty"`
	EnteredSiteAt    *time.Time          `json:"entered_site_at,omitempty"`
	AssignedTo       []string            `json:"assigned_to"`
	Completed        bool                `json:"completed"`
	CreatedBy        string              `json:"created_by,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// IsAssigned reports whether userID is one of the task's workers.
func (t *Task) IsAssigned(userID string) bool {
	return slices.Contains(t.AssignedTo, userID)
}

// Owner returns the primary assignee, used as the subject of records
// produced without a worker actor (e.g. server-side expiry).
func (t *Task) Owner() string {
	if len(t.AssignedTo) == 0 {
		return ""
	}
	return t.AssignedTo[0]
}

// Validate checks the dispatcher-supplied fields of a new task.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if err := geofence.ValidateCoordinate(t.Location); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if err := geofence.ValidateRadius(t.RadiusKm); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if t.TimeLimitMinutes < 0 {
		return fmt.Errorf("%w: time limit must not be negative", ErrInvalidTask)
	}
	if len(t.AssignedTo) == 0 {
		return fmt.Errorf("%w: at least one assignee is required", ErrInvalidTask)
	}
	return nil
}

// Actor is the authenticated caller of a state machine operation.
type Actor struct {
	UserID string
	Admin  bool
}

// SystemActor performs server-initiated transitions such as sweeping
// expired countdowns.
var SystemActor = Actor{UserID: "system", Admin: true}

// Countdown is the persisted form of an acceptance deadline.
type Countdown struct {
	Start    time.Time
	Deadline time.Time
}

// Change is a guarded, atomic mutation of a task row. The change applies
// only if the task is not removed and its status is one of From.
type Change struct {
	From           []Status
	Status         Status // empty keeps the current status
	AcceptedAt     *time.Time
	Countdown      *Countdown
	ClearCountdown bool
	EnterSite      *time.Time // also requires entered_site_at to be unset
	Complete       *time.Time
	At             time.Time
}

// Removal is a guarded soft delete.
type Removal struct {
	Reason RemovalReason
	At     time.Time
	From   []Status // empty allows any status
	// RequireCountdown restricts the removal to tasks with a live deadline.
	RequireCountdown bool
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status     *Status `json:"status,omitempty"`
	AssignedTo string  `json:"assigned_to,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Offset     int     `json:"offset,omitempty"`
}

// Store persists and retrieves tasks. Removed tasks are invisible to
// Get and List.
type Store interface {
	// Create persists a new task, assigning ID and timestamps.
	Create(ctx context.Context, t *Task) error

	// Get retrieves an active task by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns active tasks matching the filter.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Apply performs c atomically and reports whether its guards held.
	Apply(ctx context.Context, id string, c Change) (bool, error)

	// Remove soft-deletes the task and reports whether its guards held.
	Remove(ctx context.Context, id string, r Removal) (bool, error)

	// Overdue returns on_the_way tasks whose deadline is at or before now.
	Overdue(ctx context.Context, now time.Time) ([]*Task, error)
}
