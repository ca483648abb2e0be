package idle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema creates the idle_sessions table. The partial unique index keeps
// at most one active session per user.
const Schema = `
CREATE TABLE IF NOT EXISTS idle_sessions (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	date                TEXT NOT NULL,
	session_start       DATETIME NOT NULL,
	idle_start          DATETIME NOT NULL,
	last_updated        DATETIME NOT NULL,
	is_in_task_radius   INTEGER NOT NULL DEFAULT 0,
	current_task_id     TEXT,
	total_idle_ms       INTEGER NOT NULL DEFAULT 0,
	total_productive_ms INTEGER NOT NULL DEFAULT 0,
	session_active      INTEGER NOT NULL DEFAULT 1,
	ended_at            DATETIME
);
CREATE INDEX IF NOT EXISTS idx_idle_sessions_user_date ON idle_sessions(user_id, date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_idle_sessions_one_active
	ON idle_sessions(user_id) WHERE session_active = 1;
`

const sessionColumns = `id, user_id, date, session_start, idle_start, last_updated,
	is_in_task_radius, current_task_id, total_idle_ms, total_productive_ms,
	session_active, ended_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists sessions in SQLite.
type SQLiteStore struct {
	db *sql.DB
	q  querier
}

// NewSQLiteStore ensures the idle_sessions table exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("create idle schema: %w", err)
	}
	return &SQLiteStore{db: db, q: db}, nil
}

// Atomic runs fn inside a transaction. Nested calls reuse the outer one.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin idle tx: %w", err)
	}
	if err := fn(&SQLiteStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit idle tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Active(ctx context.Context, userID string) (*Session, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM idle_sessions WHERE user_id = ? AND session_active = 1`, userID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w for user %s", ErrNoActiveSession, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) LatestInactive(ctx context.Context, userID, date string) (*Session, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM idle_sessions
		WHERE user_id = ? AND date = ? AND session_active = 0
		ORDER BY session_start DESC LIMIT 1`, userID, date)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return sess, nil
}

// Insert stores a new session, assigning its ID if unset.
func (s *SQLiteStore) Insert(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO idle_sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.Date,
		sess.SessionStart.UTC(), sess.IdleStart.UTC(), sess.LastUpdated.UTC(),
		boolInt(sess.InTaskRadius), nullString(sess.CurrentTaskID),
		sess.TotalIdleMs, sess.TotalProductiveMs,
		boolInt(sess.Active), nullTime(sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Save overwrites the mutable fields of an existing session.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	res, err := s.q.ExecContext(ctx, `UPDATE idle_sessions SET
		idle_start=?, last_updated=?, is_in_task_radius=?, current_task_id=?,
		total_idle_ms=?, total_productive_ms=?, session_active=?, ended_at=?
		WHERE id=?`,
		sess.IdleStart.UTC(), sess.LastUpdated.UTC(),
		boolInt(sess.InTaskRadius), nullString(sess.CurrentTaskID),
		sess.TotalIdleMs, sess.TotalProductiveMs,
		boolInt(sess.Active), nullTime(sess.EndedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save session: %s does not exist", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) Range(ctx context.Context, userID, from, to string) ([]*Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM idle_sessions WHERE date >= ? AND date <= ?`
	args := []any{from, to}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY user_id, date, session_start`

	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	var inRadius, active int
	var taskID sql.NullString
	var endedAt sql.NullTime

	err := sc.Scan(
		&s.ID, &s.UserID, &s.Date, &s.SessionStart, &s.IdleStart, &s.LastUpdated,
		&inRadius, &taskID, &s.TotalIdleMs, &s.TotalProductiveMs,
		&active, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	s.InTaskRadius = inRadius == 1
	s.Active = active == 1
	s.CurrentTaskID = taskID.String
	s.SessionStart = s.SessionStart.UTC()
	s.IdleStart = s.IdleStart.UTC()
	s.LastUpdated = s.LastUpdated.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
