package idle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/GoCodeAlone/fieldops/activity"
)

// Tracker applies session operations. Each operation is one read-modify-
// write inside a store transaction; callers pass the instant explicitly.
type Tracker struct {
	store    Store
	recorder activity.Recorder
	logger   *slog.Logger
	loc      *time.Location
}

// NewTracker creates a Tracker keying days in loc (UTC when nil).
func NewTracker(store Store, recorder activity.Recorder, loc *time.Location, logger *slog.Logger) *Tracker {
	if recorder == nil {
		recorder = activity.Discard{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, recorder: recorder, logger: logger, loc: loc}
}

// Day returns the calendar day of t in the tracker's time zone.
func (tr *Tracker) Day(t time.Time) string {
	return t.In(tr.loc).Format(DateLayout)
}

// ParseDay validates a YYYY-MM-DD date.
func ParseDay(s string) (string, error) {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return s, nil
}

// StartSession returns the user's active session for today, resuming or
// creating one as needed.
func (tr *Tracker) StartSession(ctx context.Context, userID string, now time.Time) (*Session, error) {
	now = now.UTC()
	today := tr.Day(now)

	var (
		sess    *Session
		resumed bool
		created bool
	)
	err := tr.store.Atomic(ctx, func(s Store) error {
		active, err := s.Active(ctx, userID)
		switch {
		case err == nil && active.Date == today:
			sess = active
			return nil
		case err == nil:
			if err := tr.closeStale(ctx, s, active); err != nil {
				return err
			}
		case !errors.Is(err, ErrNoActiveSession):
			return err
		}

		prev, err := s.LatestInactive(ctx, userID, today)
		if err != nil {
			return err
		}
		if prev != nil {
			// The suspended interval counts as neither idle nor productive.
			if prev.InTaskRadius {
				prev.LastUpdated = now
			} else {
				prev.IdleStart = now
			}
			prev.Active = true
			prev.EndedAt = nil
			sess, resumed = prev, true
			return s.Save(ctx, prev)
		}

		sess = &Session{
			UserID:       userID,
			Date:         today,
			SessionStart: now,
			IdleStart:    now,
			LastUpdated:  now,
			Active:       true,
		}
		created = true
		return s.Insert(ctx, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", userID, err)
	}

	if created || resumed {
		tr.record(ctx, sess, activity.TypeSessionStarted, "Tracking started",
			map[string]string{"resumed": strconv.FormatBool(resumed)}, now)
	}
	return sess, nil
}

// closeStale ends an active session left over from an earlier day at the
// last instant already accounted, so the unattended gap accrues nothing.
func (tr *Tracker) closeStale(ctx context.Context, s Store, sess *Session) error {
	end := sess.lastAccounted()
	sess.Active = false
	sess.EndedAt = &end
	if err := s.Save(ctx, sess); err != nil {
		return err
	}
	tr.logger.Info("closed stale session",
		slog.String("user_id", sess.UserID),
		slog.String("session_id", sess.ID),
		slog.String("date", sess.Date))
	return nil
}

// rollover carries a session that is still being tracked past midnight
// into the current day. Each finished day is flushed up to its local
// midnight and closed; accrual continues in a new session that starts at
// that midnight in the same radius state.
func (tr *Tracker) rollover(ctx context.Context, s Store, sess *Session, now time.Time) (*Session, error) {
	today := tr.Day(now)
	for sess.Date < today {
		day, err := time.ParseInLocation(DateLayout, sess.Date, tr.loc)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sess.ID, err)
		}
		midnight := day.AddDate(0, 0, 1).UTC()

		d, productive := sess.openInterval(midnight)
		if productive {
			sess.TotalProductiveMs += d.Milliseconds()
		} else {
			sess.TotalIdleMs += d.Milliseconds()
		}
		sess.IdleStart = midnight
		sess.LastUpdated = midnight
		sess.Active = false
		sess.EndedAt = &midnight
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}

		next := &Session{
			UserID:        sess.UserID,
			Date:          tr.Day(midnight),
			SessionStart:  midnight,
			IdleStart:     midnight,
			LastUpdated:   midnight,
			InTaskRadius:  sess.InTaskRadius,
			CurrentTaskID: sess.CurrentTaskID,
			Active:        true,
		}
		if err := s.Insert(ctx, next); err != nil {
			return nil, err
		}
		tr.logger.Info("session rolled over",
			slog.String("user_id", sess.UserID),
			slog.String("closed", sess.Date),
			slog.String("opened", next.Date))
		sess = next
	}
	return sess, nil
}

// EndSession flushes the open interval and closes the user's active
// session. It returns nil without error when nothing is active.
func (tr *Tracker) EndSession(ctx context.Context, userID string, now time.Time) (*Session, error) {
	now = now.UTC()
	var sess *Session
	err := tr.store.Atomic(ctx, func(s Store) error {
		active, err := s.Active(ctx, userID)
		if errors.Is(err, ErrNoActiveSession) {
			return nil
		}
		if err != nil {
			return err
		}
		if active, err = tr.rollover(ctx, s, active, now); err != nil {
			return err
		}
		sess = active

		d, productive := active.openInterval(now)
		if productive {
			active.TotalProductiveMs += d.Milliseconds()
		} else {
			active.TotalIdleMs += d.Milliseconds()
		}
		active.IdleStart = now
		active.LastUpdated = now
		active.Active = false
		active.EndedAt = &now
		return s.Save(ctx, active)
	})
	if err != nil {
		return nil, fmt.Errorf("end session for %s: %w", userID, err)
	}
	if sess == nil {
		return nil, nil
	}

	tr.record(ctx, sess, activity.TypeSessionEnded, "Tracking stopped", map[string]string{
		"idle_ms":       strconv.FormatInt(sess.TotalIdleMs, 10),
		"productive_ms": strconv.FormatInt(sess.TotalProductiveMs, 10),
	}, now)
	return sess, nil
}

// UpdateRadiusState flips the session between idle and productive
// accrual. Repeating the current state changes nothing. It reports
// whether the state flipped.
func (tr *Tracker) UpdateRadiusState(ctx context.Context, userID string, inside bool, taskID string, now time.Time) (*Session, bool, error) {
	now = now.UTC()
	var (
		sess    *Session
		changed bool
	)
	err := tr.store.Atomic(ctx, func(s Store) error {
		active, err := s.Active(ctx, userID)
		if err != nil {
			return err
		}
		if active, err = tr.rollover(ctx, s, active, now); err != nil {
			return err
		}
		sess = active
		if active.InTaskRadius == inside {
			return nil
		}

		d, _ := active.openInterval(now)
		if inside {
			active.TotalIdleMs += d.Milliseconds()
			active.CurrentTaskID = taskID
		} else {
			active.TotalProductiveMs += d.Milliseconds()
			active.CurrentTaskID = ""
			active.IdleStart = now
		}
		active.InTaskRadius = inside
		active.LastUpdated = now
		changed = true
		return s.Save(ctx, active)
	})
	if err != nil {
		return nil, false, fmt.Errorf("update radius state for %s: %w", userID, err)
	}
	if changed {
		tr.logger.Debug("radius state changed",
			slog.String("user_id", userID),
			slog.Bool("inside", inside),
			slog.String("task_id", taskID))
	}
	return sess, changed, nil
}

// Stats sums the user's sessions for date. Active sessions contribute
// their open interval up to now; nothing is written.
func (tr *Tracker) Stats(ctx context.Context, userID, date string, now time.Time) (Stats, error) {
	if _, err := ParseDay(date); err != nil {
		return Stats{}, err
	}
	sessions, err := tr.store.Range(ctx, userID, date, date)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{UserID: userID, Date: date}
	for _, s := range sessions {
		tr.accumulate(&st, s, now)
	}
	st.finish()
	return st, nil
}

// History returns per-user, per-day stats for dates in [from, to]. An
// empty userID covers every user.
func (tr *Tracker) History(ctx context.Context, userID, from, to string, now time.Time) ([]Stats, error) {
	if _, err := ParseDay(from); err != nil {
		return nil, err
	}
	if _, err := ParseDay(to); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidDate, from, to)
	}

	sessions, err := tr.store.Range(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	var out []Stats
	for _, s := range sessions {
		if n := len(out); n == 0 || out[n-1].UserID != s.UserID || out[n-1].Date != s.Date {
			out = append(out, Stats{UserID: s.UserID, Date: s.Date})
		}
		tr.accumulate(&out[len(out)-1], s, now)
	}
	for i := range out {
		out[i].finish()
	}
	return out, nil
}

func (tr *Tracker) accumulate(st *Stats, s *Session, now time.Time) {
	st.Sessions++
	st.IdleMs += s.TotalIdleMs
	st.ProductiveMs += s.TotalProductiveMs
	if !s.Active {
		return
	}
	st.Active = true
	st.InTaskRadius = s.InTaskRadius
	// Sessions left open from an earlier day are not extrapolated.
	if s.Date != tr.Day(now) {
		return
	}
	d, productive := s.openInterval(now.UTC())
	if productive {
		st.ProductiveMs += d.Milliseconds()
	} else {
		st.IdleMs += d.Milliseconds()
	}
}

func (tr *Tracker) record(ctx context.Context, s *Session, typ activity.Type, msg string, meta map[string]string, at time.Time) {
	meta["session_id"] = s.ID
	meta["date"] = s.Date
	tr.recorder.Record(ctx, activity.Record{
		UserID:    s.UserID,
		Type:      typ,
		Message:   msg,
		Metadata:  meta,
		Timestamp: at,
	})
}
