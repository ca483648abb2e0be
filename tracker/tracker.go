// Package tracker runs the device-side sampling loop: each tick it reads
// the worker's position, evaluates every active task's geofence, reports
// site arrival and radius changes, and reports countdowns that ran out.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/fieldops/geofence"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/task"
)

// Backend is the server of record. Implementations return an error
// wrapping task.ErrNotFound when a task no longer exists, and
// UpdateRadius returns one wrapping idle.ErrNoActiveSession once the
// session was closed elsewhere.
type Backend interface {
	StartSession(ctx context.Context) (*idle.Session, error)
	EndSession(ctx context.Context) error
	UpdateRadius(ctx context.Context, inside bool, taskID string) error
	// ActiveTasks returns the worker's on_the_way and on_site tasks.
	ActiveTasks(ctx context.Context) ([]*task.Task, error)
	ReportGeofence(ctx context.Context, taskID string, inside bool) (*task.Task, error)
	ReportExpired(ctx context.Context, taskID string) (bool, error)
}

// LocationSource yields the device's current position.
type LocationSource interface {
	Current(ctx context.Context) (geofence.Coordinate, error)
}

// Config configures a Loop.
type Config struct {
	Backend        Backend
	Source         LocationSource
	Interval       time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// TaskState is the loop's view of one tracked task.
type TaskState struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Status      task.Status   `json:"status"`
	Remaining   time.Duration `json:"remaining"`
	HasDeadline bool          `json:"has_deadline"`
	Distance    float64       `json:"distance_meters"`
}

// State is a snapshot of the loop.
type State struct {
	Running  bool                 `json:"running"`
	Inside   bool                 `json:"inside"`
	Position *geofence.Coordinate `json:"position,omitempty"`
	Tasks    []TaskState          `json:"tasks"`
	Ticks    int                  `json:"ticks"`
}

// Loop is a single worker's sampling loop. Local state only advances
// after the backend accepted the corresponding write.
type Loop struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	tasks     map[string]*task.Task
	order     []string
	distances map[string]float64
	inside    bool
	position  *geofence.Coordinate
	expired   map[string]bool // expiry already reported
	ticks     int
}

// New creates a Loop. Interval defaults to 5s.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		logger:    logger,
		tasks:     make(map[string]*task.Task),
		distances: make(map[string]float64),
		expired:   make(map[string]bool),
	}
}

// Start opens the time-accounting session and begins sampling.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("tracker already running")
	}
	if err := l.openSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.loop(ctx)
	return nil
}

// Stop halts sampling and then closes the session, so the open idle or
// productive interval is flushed before Stop returns.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	done := l.done
	l.mu.Unlock()

	<-done

	l.mu.Lock()
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	if err := l.call(ctx, l.cfg.Backend.EndSession); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (l *Loop) loop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one sampling pass. Failures are logged and retried on
// the next tick.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks++
	now := l.cfg.Now()

	l.refreshTasks(ctx)

	pos, err := l.cfg.Source.Current(ctx)
	if err == nil {
		err = geofence.ValidateCoordinate(pos)
	}
	if err != nil {
		l.logger.Warn("location sample unavailable", slog.Any("err", err))
	} else {
		l.position = &pos
		l.sampleGeofences(ctx, pos)
	}

	l.checkTimers(ctx, now)
}

func (l *Loop) refreshTasks(ctx context.Context) {
	var tasks []*task.Task
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		tasks, err = l.cfg.Backend.ActiveTasks(ctx)
		return err
	})
	if err != nil {
		l.logger.Warn("refresh tasks", slog.Any("err", err))
		return
	}
	l.tasks = make(map[string]*task.Task, len(tasks))
	l.order = l.order[:0]
	for _, t := range tasks {
		if t.Status != task.StatusOnTheWay && t.Status != task.StatusOnSite {
			continue
		}
		l.tasks[t.ID] = t
		l.order = append(l.order, t.ID)
	}
}

func (l *Loop) sampleGeofences(ctx context.Context, pos geofence.Coordinate) {
	insideTask := ""
	for _, id := range l.order {
		t, ok := l.tasks[id]
		if !ok {
			continue
		}
		fence := geofence.Evaluate(pos, t.Location, t.RadiusKm)
		l.distances[id] = fence.DistanceMeters
		if !fence.Inside {
			continue
		}
		if t.Status != task.StatusOnTheWay {
			if insideTask == "" {
				insideTask = id
			}
			continue
		}

		var updated *task.Task
		err := l.call(ctx, func(ctx context.Context) error {
			var err error
			updated, err = l.cfg.Backend.ReportGeofence(ctx, id, true)
			return err
		})
		switch {
		case errors.Is(err, task.ErrNotFound):
			l.drop(id, "task no longer exists")
			continue
		case err != nil:
			l.logger.Warn("report site arrival", slog.String("task_id", id), slog.Any("err", err))
		default:
			l.tasks[id] = updated
			if updated.Status == task.StatusOnSite {
				l.logger.Info("arrived on site", slog.String("task_id", id))
			}
		}
		if insideTask == "" {
			insideTask = id
		}
	}

	inside := insideTask != ""
	if inside == l.inside {
		return
	}
	err := l.updateRadius(ctx, inside, insideTask)
	if errors.Is(err, idle.ErrNoActiveSession) {
		l.logger.Info("session no longer active, restarting")
		err = l.openSession(ctx)
		if err == nil && inside != l.inside {
			err = l.updateRadius(ctx, inside, insideTask)
		}
	}
	if err != nil {
		l.logger.Warn("update radius state", slog.Bool("inside", inside), slog.Any("err", err))
		return
	}
	l.inside = inside
}

func (l *Loop) checkTimers(ctx context.Context, now time.Time) {
	for _, id := range l.order {
		t, ok := l.tasks[id]
		if !ok || t.Status != task.StatusOnTheWay || l.expired[id] {
			continue
		}
		if !task.TimerFor(t).Expired(now) {
			continue
		}

		var removed bool
		err := l.call(ctx, func(ctx context.Context) error {
			var err error
			removed, err = l.cfg.Backend.ReportExpired(ctx, id)
			return err
		})
		switch {
		case errors.Is(err, task.ErrNotFound):
			l.drop(id, "task no longer exists")
		case errors.Is(err, task.ErrInvalidTransition):
			// The server saw an arrival we have not; trust it.
			l.expired[id] = true
		case err != nil:
			l.logger.Warn("report expiry", slog.String("task_id", id), slog.Any("err", err))
		default:
			l.expired[id] = true
			l.drop(id, "countdown expired")
			if removed {
				l.logger.Info("task expired", slog.String("task_id", id))
			}
		}
	}
}

// openSession starts or resumes the server session and adopts its radius
// state, which may be inside when a suspended session is resumed.
// Callers hold l.mu.
func (l *Loop) openSession(ctx context.Context) error {
	var sess *idle.Session
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		sess, err = l.cfg.Backend.StartSession(ctx)
		return err
	})
	if err != nil {
		return err
	}
	l.inside = sess != nil && sess.InTaskRadius
	return nil
}

func (l *Loop) updateRadius(ctx context.Context, inside bool, taskID string) error {
	return l.call(ctx, func(ctx context.Context) error {
		return l.cfg.Backend.UpdateRadius(ctx, inside, taskID)
	})
}

// drop stops sampling a task until the server lists it again.
func (l *Loop) drop(id, reason string) {
	delete(l.tasks, id)
	delete(l.distances, id)
	l.logger.Info("stopped tracking task", slog.String("task_id", id), slog.String("reason", reason))
}

// call runs fn with the per-request timeout.
func (l *Loop) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

// State returns a snapshot for display.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	st := State{
		Running:  l.running,
		Inside:   l.inside,
		Position: l.position,
		Ticks:    l.ticks,
		Tasks:    []TaskState{},
	}
	for _, id := range l.order {
		t, ok := l.tasks[id]
		if !ok {
			continue
		}
		timer := task.TimerFor(t)
		st.Tasks = append(st.Tasks, TaskState{
			ID:          t.ID,
			Title:       t.Title,
			Status:      t.Status,
			Remaining:   timer.Remaining(now),
			HasDeadline: timer.Active(),
			Distance:    l.distances[id],
		})
	}
	return st
}
