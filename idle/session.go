// Package idle accounts a worker's tracked time as idle (outside every
// task radius) or productive (inside an assigned task's radius), one
// session per user per calendar day.
package idle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrInvalidDate     = errors.New("invalid date")
)

// DateLayout is the calendar day key for sessions.
const DateLayout = "2006-01-02"

// Session accumulates idle and productive time for one user on one day.
// Totals only grow, and only when the radius state flips or the session
// ends; the open interval is never persisted.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Date              string     `json:"date"`
	SessionStart      time.Time  `json:"session_start"`
	IdleStart         time.Time  `json:"idle_start"`
	LastUpdated       time.Time  `json:"last_updated"`
	InTaskRadius      bool       `json:"is_in_task_radius"`
	CurrentTaskID     string     `json:"current_task_id,omitempty"`
	TotalIdleMs       int64      `json:"total_idle_ms"`
	TotalProductiveMs int64      `json:"total_productive_ms"`
	Active            bool       `json:"session_active"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// openInterval returns the not-yet-flushed time up to now and whether it
// counts as productive.
func (s *Session) openInterval(now time.Time) (time.Duration, bool) {
	if s.InTaskRadius {
		return nonNegative(now.Sub(s.LastUpdated)), true
	}
	return nonNegative(now.Sub(s.IdleStart)), false
}

// lastAccounted is the latest instant already folded into the totals.
func (s *Session) lastAccounted() time.Time {
	if s.InTaskRadius {
		return s.LastUpdated
	}
	return s.IdleStart
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Stats summarizes a user's day. Live intervals of an active session are
// included but never written back.
type Stats struct {
	UserID               string  `json:"user_id"`
	Date                 string  `json:"date"`
	IdleMs               int64   `json:"idle_ms"`
	ProductiveMs         int64   `json:"productive_ms"`
	TotalMs              int64   `json:"total_ms"`
	IdleMinutes          int64   `json:"idle_minutes"`
	ProductiveMinutes    int64   `json:"productive_minutes"`
	IdlePercentage       float64 `json:"idle_percentage"`
	ProductivePercentage float64 `json:"productive_percentage"`
	Sessions             int     `json:"sessions"`
	Active               bool    `json:"active"`
	InTaskRadius         bool    `json:"in_task_radius"`
}

func (st *Stats) finish() {
	st.TotalMs = st.IdleMs + st.ProductiveMs
	st.IdleMinutes = st.IdleMs / int64(time.Minute/time.Millisecond)
	st.ProductiveMinutes = st.ProductiveMs / int64(time.Minute/time.Millisecond)
	if st.TotalMs > 0 {
		st.IdlePercentage = float64(st.IdleMs) / float64(st.TotalMs) * 100
		st.ProductivePercentage = float64(st.ProductiveMs) / float64(st.TotalMs) * 100
	}
}

// Store persists sessions.
type Store interface {
	// Active returns the user's active session on any day, or
	// ErrNoActiveSession.
	Active(ctx context.Context, userID string) (*Session, error)

	// LatestInactive returns the most recently started closed session of
	// the user on date, or nil.
	LatestInactive(ctx context.Context, userID, date string) (*Session, error)

	Insert(ctx context.Context, s *Session) error
	Save(ctx context.Context, s *Session) error

	// Range returns sessions with date in [from, to], ordered by user,
	// date and start. An empty userID matches every user.
	Range(ctx context.Context, userID, from, to string) ([]*Session, error)

	// Atomic runs fn against a Store bound to a single transaction.
	Atomic(ctx context.Context, fn func(Store) error) error
}
