package task

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/geofence"
)

// Machine drives task status transitions. Every transition is a guarded
// store update; activity is recorded only after the update succeeds, so a
// failed write leaves nothing to roll back and the next sample retries.
type Machine struct {
	store    Store
	recorder activity.Recorder
	logger   *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewMachine creates a Machine over store. A nil recorder discards activity.
func NewMachine(store Store, recorder activity.Recorder, logger *slog.Logger) *Machine {
	if recorder == nil {
		recorder = activity.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    store,
		recorder: recorder,
		logger:   logger,
		Now:      time.Now,
	}
}

// SampleResult is the outcome of feeding one geofence sample to a task.
type SampleResult struct {
	Task    *Task            `json:"task"`
	Entered bool             `json:"entered"` // this sample moved the task on site
	Fence   *geofence.Result `json:"geofence,omitempty"`
}

func (m *Machine) now() time.Time { return m.Now().UTC() }

// Create validates t and stores it in waiting_for_acceptance.
func (m *Machine) Create(ctx context.Context, t *Task, actor Actor) error {
	if !actor.Admin {
		return fmt.Errorf("create task: %w", ErrForbidden)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := m.now()
	t.Status = StatusWaitingForAcceptance
	t.TimeLimitSet, t.DeadlineAt = nil, nil
	t.AcceptedAt, t.EnteredSiteAt, t.CompletedAt = nil, nil, nil
	t.Completed = false
	t.CreatedBy = actor.UserID
	t.CreatedAt = now

	if err := m.store.Create(ctx, t); err != nil {
		return err
	}
	m.record(ctx, t.Owner(), t, activity.TypeTaskCreated,
		fmt.Sprintf("Task %q assigned", t.Title),
		map[string]string{
			"created_by":  actor.UserID,
			"assigned_to": strings.Join(t.AssignedTo, ","),
		})
	return nil
}

// Get returns a task the actor may see.
func (m *Machine) Get(ctx context.Context, id string, actor Actor) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, actor); err != nil {
		return nil, err
	}
	return t, nil
}

// Accept moves a waiting task on_the_way and starts its countdown when
// the task has a time limit.
func (m *Machine) Accept(ctx context.Context, id string, actor Actor) (*Task, error) {
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !Allowed(t.Status, OpAccept) {
		return nil, transitionError(t.Status, OpAccept)
	}

	now := m.now()
	c := Change{
		From:       []Status{StatusWaitingForAcceptance},
		Status:     StatusOnTheWay,
		AcceptedAt: &now,
		At:         now,
	}
	if t.TimeLimitMinutes > 0 {
		c.Countdown = &Countdown{Start: now, Deadline: DeadlineFrom(now, t.TimeLimitMinutes)}
	}
	updated, err := m.apply(ctx, t, c, OpAccept)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	if updated.DeadlineAt != nil {
		meta["deadline_at"] = updated.DeadlineAt.Format(time.RFC3339)
		meta["time_limit_minutes"] = strconv.Itoa(updated.TimeLimitMinutes)
	}
	m.record(ctx, actor.UserID, updated, activity.TypeTaskAccepted,
		fmt.Sprintf("Task %q accepted", updated.Title), meta)
	return updated, nil
}

// Reject removes a waiting task.
func (m *Machine) Reject(ctx context.Context, id string, actor Actor) error {
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return err
	}
	if !Allowed(t.Status, OpReject) {
		return transitionError(t.Status, OpReject)
	}
	removed, err := m.remove(ctx, t, Removal{
		Reason: ReasonRejected,
		From:   []Status{StatusWaitingForAcceptance},
	})
	if err != nil {
		return err
	}
	if !removed {
		return m.raced(ctx, id, OpReject)
	}
	m.record(ctx, actor.UserID, t, activity.TypeTaskRejected,
		fmt.Sprintf("Task %q rejected", t.Title), nil)
	return nil
}

// OnGeofenceSample feeds a client-evaluated inside/outside sample. Only the
// first inside sample of an on_the_way task moves it on site; repeats and
// samples in other states are reported with Entered=false.
func (m *Machine) OnGeofenceSample(ctx context.Context, id string, actor Actor, inside bool) (SampleResult, error) {
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return SampleResult{}, err
	}
	if !inside {
		return SampleResult{Task: t}, nil
	}
	return m.enterSite(ctx, t, actor, nil)
}

// OnLocationSample evaluates the geofence server-side from a raw
// coordinate, then behaves like OnGeofenceSample.
func (m *Machine) OnLocationSample(ctx context.Context, id string, actor Actor, at geofence.Coordinate) (SampleResult, error) {
	if err := geofence.ValidateCoordinate(at); err != nil {
		return SampleResult{}, err
	}
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return SampleResult{}, err
	}
	fence := geofence.Evaluate(at, t.Location, t.RadiusKm)
	if !fence.Inside {
		return SampleResult{Task: t, Fence: &fence}, nil
	}
	return m.enterSite(ctx, t, actor, &fence)
}

func (m *Machine) enterSite(ctx context.Context, t *Task, actor Actor, fence *geofence.Result) (SampleResult, error) {
	if t.Status != StatusOnTheWay || t.EnteredSiteAt != nil {
		return SampleResult{Task: t, Fence: fence}, nil
	}

	now := m.now()
	applied, err := m.store.Apply(ctx, t.ID, Change{
		From:           []Status{StatusOnTheWay},
		Status:         StatusOnSite,
		EnterSite:      &now,
		ClearCountdown: true,
		At:             now,
	})
	if err != nil {
		return SampleResult{}, fmt.Errorf("enter site %s: %w", t.ID, err)
	}
	current, err := m.store.Get(ctx, t.ID)
	if err != nil {
		return SampleResult{}, err
	}
	if !applied {
		// Another sample got there first.
		return SampleResult{Task: current, Fence: fence}, nil
	}

	meta := map[string]string{}
	if fence != nil {
		meta["distance_m"] = strconv.FormatFloat(fence.DistanceMeters, 'f', 1, 64)
	}
	m.record(ctx, actor.UserID, current, activity.TypeSiteEntered,
		fmt.Sprintf("Arrived on site for %q", current.Title), meta)
	return SampleResult{Task: current, Entered: true, Fence: fence}, nil
}

// EndTask completes a task that is on site or still on the way.
func (m *Machine) EndTask(ctx context.Context, id string, actor Actor) (*Task, error) {
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !Allowed(t.Status, OpComplete) {
		return nil, transitionError(t.Status, OpComplete)
	}

	now := m.now()
	updated, err := m.apply(ctx, t, Change{
		From:           []Status{StatusOnSite, StatusOnTheWay},
		Status:         StatusCompleted,
		Complete:       &now,
		ClearCountdown: true,
		At:             now,
	}, OpComplete)
	if err != nil {
		return nil, err
	}
	m.record(ctx, actor.UserID, updated, activity.TypeTaskCompleted,
		fmt.Sprintf("Task %q completed", updated.Title),
		map[string]string{"from_status": string(t.Status)})
	return updated, nil
}

// OnTimerExpired removes a task whose countdown has run out before the
// worker reached the site. It reports true only for the call that
// performed the removal, so concurrent or repeated reports record once.
func (m *Machine) OnTimerExpired(ctx context.Context, id string, actor Actor) (bool, error) {
	t, err := m.load(ctx, id, actor)
	if err != nil {
		return false, err
	}
	if t.Status == StatusOnSite || t.Status == StatusCompleted {
		return false, transitionError(t.Status, OpExpire)
	}
	if !TimerFor(t).Expired(m.now()) {
		return false, fmt.Errorf("expire task %s: %w", id, ErrNotExpired)
	}

	removed, err := m.remove(ctx, t, Removal{
		Reason:           ReasonExpired,
		From:             []Status{StatusWaitingForAcceptance, StatusOnTheWay},
		RequireCountdown: true,
	})
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	m.record(ctx, t.Owner(), t, activity.TypeTaskExpired,
		fmt.Sprintf("Time limit for %q expired before arrival", t.Title),
		map[string]string{
			"deadline_at": t.DeadlineAt.Format(time.RFC3339),
			"reported_by": actor.UserID,
		})
	return true, nil
}

// AdminDelete removes a task regardless of status.
func (m *Machine) AdminDelete(ctx context.Context, id string, actor Actor) error {
	if !actor.Admin {
		return fmt.Errorf("delete task %s: %w", id, ErrForbidden)
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	removed, err := m.remove(ctx, t, Removal{Reason: ReasonAdminDeleted})
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.record(ctx, t.Owner(), t, activity.TypeTaskDeleted,
		fmt.Sprintf("Task %q deleted by administrator", t.Title),
		map[string]string{"deleted_by": actor.UserID, "status": string(t.Status)})
	return nil
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Status            *Status
	Completed         *bool
	TimeLimitSet      *time.Time
	ClearTimeLimitSet bool
}

// ApplyPatch applies an administrative partial update. Status and
// completion changes go through the same transitions as worker actions.
func (m *Machine) ApplyPatch(ctx context.Context, id string, actor Actor, p Patch) (*Task, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("patch task %s: %w", id, ErrForbidden)
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Status != nil && *p.Status != t.Status {
		switch {
		case t.Status == StatusWaitingForAcceptance && *p.Status == StatusOnTheWay:
			t, err = m.Accept(ctx, id, actor)
		case t.Status == StatusOnTheWay && *p.Status == StatusOnSite:
			var res SampleResult
			res, err = m.enterSite(ctx, t, actor, nil)
			t = res.Task
		case *p.Status == StatusCompleted:
			t, err = m.EndTask(ctx, id, actor)
		default:
			return nil, transitionError(t.Status, "set status "+string(*p.Status))
		}
		if err != nil {
			return nil, err
		}
	}

	if p.Completed != nil {
		switch {
		case *p.Completed && t.Status != StatusCompleted:
			if t, err = m.EndTask(ctx, id, actor); err != nil {
				return nil, err
			}
		case !*p.Completed && t.Status == StatusCompleted:
			return nil, transitionError(t.Status, "reopen")
		}
	}

	switch {
	case p.TimeLimitSet != nil:
		if t.Status != StatusOnTheWay || t.TimeLimitMinutes <= 0 {
			return nil, transitionError(t.Status, "set countdown")
		}
		start := p.TimeLimitSet.UTC()
		t, err = m.apply(ctx, t, Change{
			From:      []Status{StatusOnTheWay},
			Countdown: &Countdown{Start: start, Deadline: DeadlineFrom(start, t.TimeLimitMinutes)},
			At:        m.now(),
		}, "set countdown")
	case p.ClearTimeLimitSet && t.TimeLimitSet != nil:
		t, err = m.apply(ctx, t, Change{
			From:           []Status{t.Status},
			ClearCountdown: true,
			At:             m.now(),
		}, "clear countdown")
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns the actor's tasks; admins see every task.
func (m *Machine) List(ctx context.Context, actor Actor, filter Filter) ([]*Task, error) {
	if !actor.Admin {
		filter.AssignedTo = actor.UserID
	}
	return m.store.List(ctx, filter)
}

func (m *Machine) load(ctx context.Context, id string, actor Actor) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, actor); err != nil {
		return nil, err
	}
	return t, nil
}

// apply performs a guarded change and returns the stored result. A guard
// miss means the task moved under us; the caller sees the fresh state as
// an invalid transition.
func (m *Machine) apply(ctx context.Context, t *Task, c Change, op string) (*Task, error) {
	applied, err := m.store.Apply(ctx, t.ID, c)
	if err != nil {
		return nil, fmt.Errorf("%s task %s: %w", op, t.ID, err)
	}
	if !applied {
		return nil, m.raced(ctx, t.ID, op)
	}
	return m.store.Get(ctx, t.ID)
}

func (m *Machine) remove(ctx context.Context, t *Task, r Removal) (bool, error) {
	r.At = m.now()
	removed, err := m.store.Remove(ctx, t.ID, r)
	if err != nil {
		return false, fmt.Errorf("remove task %s (%s): %w", t.ID, r.Reason, err)
	}
	if removed {
		m.logger.Info("task removed",
			slog.String("task_id", t.ID),
			slog.String("reason", string(r.Reason)))
	}
	return removed, nil
}

func (m *Machine) raced(ctx context.Context, id, op string) error {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(current.Status, op)
}

func (m *Machine) record(ctx context.Context, userID string, t *Task, typ activity.Type, msg string, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["status"] = string(t.Status)
	m.recorder.Record(ctx, activity.Record{
		UserID:    userID,
		TaskID:    t.ID,
		Type:      typ,
		Message:   msg,
		Metadata:  meta,
		Timestamp: m.now(),
	})
}

func authorize(t *Task, actor Actor) error {
	if actor.Admin || t.IsAssigned(actor.UserID) {
		return nil
	}
	return fmt.Errorf("task %s: %w", t.ID, ErrForbidden)
}

func transitionError(from Status, op string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, op, from)
}

// Worker operations, named as they appear in errors and API responses.
const (
	OpAccept    = "accept"
	OpReject    = "reject"
	OpEnterSite = "enter_site"
	OpComplete  = "complete"
	OpExpire    = "expire"
)

// legal lists the worker operations permitted from each status. There is
// no way back from on_site to on_the_way.
var legal = map[Status][]string{
	StatusWaitingForAcceptance: {OpAccept, OpReject},
	StatusOnTheWay:             {OpEnterSite, OpComplete, OpExpire},
	StatusOnSite:               {OpComplete},
	StatusCompleted:            {},
}

// Allowed reports whether op is a legal worker operation from status.
func Allowed(status Status, op string) bool {
	return slices.Contains(legal[status], op)
}

// AllowedOps returns the worker operations permitted from status.
func AllowedOps(status Status) []string {
	return slices.Clone(legal[status])
}
