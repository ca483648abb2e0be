package task

import "time"

// Timer is the acceptance countdown derived from a task's persisted
// absolute deadline. Recomputing from the deadline keeps the remaining
// time correct across restarts and backgrounding.
type Timer struct {
	Deadline *time.Time
}

// TimerFor returns the countdown for t. It is inactive unless the task
// has a live deadline.
func TimerFor(t *Task) Timer {
	if t == nil || t.DeadlineAt == nil {
		return Timer{}
	}
	return Timer{Deadline: t.DeadlineAt}
}

// DeadlineFrom computes the absolute deadline for a countdown started at
// start with a limit in minutes.
func DeadlineFrom(start time.Time, limitMinutes int) time.Time {
	return start.Add(time.Duration(limitMinutes) * time.Minute)
}

// Active reports whether a countdown is running.
func (tm Timer) Active() bool { return tm.Deadline != nil }

// Remaining returns the time left before the deadline, clamped to zero.
// It returns zero for an inactive timer.
func (tm Timer) Remaining(now time.Time) time.Duration {
	if tm.Deadline == nil {
		return 0
	}
	d := tm.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether an active countdown has reached zero.
func (tm Timer) Expired(now time.Time) bool {
	return tm.Active() && tm.Remaining(now) == 0
}
