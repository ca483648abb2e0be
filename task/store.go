package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema creates the tasks table. Removed tasks keep their row with
// removed_at and removal_reason set.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	lat                REAL NOT NULL,
	lng                REAL NOT NULL,
	radius_km          REAL NOT NULL,
	status             TEXT NOT NULL,
	time_limit_minutes INTEGER NOT NULL DEFAULT 0,
	time_limit_set     DATETIME,
	deadline_at        DATETIME,
	accepted_at        DATETIME,
	entered_site_at    DATETIME,
	assigned_to        TEXT NOT NULL DEFAULT '[]',
	completed          INTEGER NOT NULL DEFAULT 0,
	created_by         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	completed_at       DATETIME,
	removed_at         DATETIME,
	removal_reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status) WHERE removed_at IS NULL;
`

const taskColumns = `id, title, description, lat, lng, radius_km, status, time_limit_minutes,
	time_limit_set, deadline_at, accepted_at, entered_site_at, assigned_to, completed,
	created_by, created_at, updated_at, completed_at`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the tasks table exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = StatusWaitingForAcceptance
	}

	assigned, _ := json.Marshal(t.AssignedTo)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Location.Lat, t.Location.Lng, t.RadiusKm,
		string(t.Status), t.TimeLimitMinutes,
		nullTime(t.TimeLimitSet), nullTime(t.DeadlineAt), nullTime(t.AcceptedAt), nullTime(t.EnteredSiteAt),
		string(assigned), boolInt(t.Completed), t.CreatedBy,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves an active task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND removed_at IS NULL`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns active tasks matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE removed_at IS NULL")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedTo != "" {
		q.WriteString(" AND EXISTS (SELECT 1 FROM json_each(tasks.assigned_to) WHERE json_each.value = ?)")
		args = append(args, filter.AssignedTo)
	}
	q.WriteString(" ORDER BY created_at ASC, id")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}
	return s.query(ctx, q.String(), args...)
}

// Apply performs a guarded update. It returns false without error when
// the task is missing, removed, or fails the status/site guards.
func (s *SQLiteStore) Apply(ctx context.Context, id string, c Change) (bool, error) {
	if len(c.From) == 0 {
		return false, fmt.Errorf("apply change to %s: no source status", id)
	}

	set := []string{"updated_at=?"}
	args := []any{c.At.UTC()}

	if c.Status != "" {
		set = append(set, "status=?")
		args = append(args, string(c.Status))
	}
	if c.AcceptedAt != nil {
		set = append(set, "accepted_at=?")
		args = append(args, c.AcceptedAt.UTC())
	}
	switch {
	case c.Countdown != nil:
		set = append(set, "time_limit_set=?", "deadline_at=?")
		args = append(args, c.Countdown.Start.UTC(), c.Countdown.Deadline.UTC())
	case c.ClearCountdown:
		set = append(set, "time_limit_set=NULL", "deadline_at=NULL")
	}
	if c.EnterSite != nil {
		set = append(set, "entered_site_at=?")
		args = append(args, c.EnterSite.UTC())
	}
	if c.Complete != nil {
		set = append(set, "completed=1", "completed_at=?")
		args = append(args, c.Complete.UTC())
	}

	q := "UPDATE tasks SET " + strings.Join(set, ", ") +
		" WHERE id=? AND removed_at IS NULL AND status IN (" + placeholders(len(c.From)) + ")"
	args = append(args, id)
	for _, st := range c.From {
		args = append(args, string(st))
	}
	if c.EnterSite != nil {
		q += " AND entered_site_at IS NULL"
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Remove soft-deletes a task. The first successful removal wins; later
// calls report false, so removal_reason doubles as the expiry marker.
func (s *SQLiteStore) Remove(ctx context.Context, id string, r Removal) (bool, error) {
	q := "UPDATE tasks SET removed_at=?, removal_reason=?, updated_at=? WHERE id=? AND removed_at IS NULL"
	args := []any{r.At.UTC(), string(r.Reason), r.At.UTC(), id}
	if len(r.From) > 0 {
		q += " AND status IN (" + placeholders(len(r.From)) + ")"
		for _, st := range r.From {
			args = append(args, string(st))
		}
	}
	if r.RequireCountdown {
		q += " AND deadline_at IS NOT NULL"
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("remove task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Overdue returns on_the_way tasks whose deadline has passed.
func (s *SQLiteStore) Overdue(ctx context.Context, now time.Time) ([]*Task, error) {
	tasks, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE removed_at IS NULL AND status = ? AND deadline_at IS NOT NULL
		ORDER BY deadline_at ASC`, string(StatusOnTheWay))
	if err != nil {
		return nil, err
	}
	overdue := tasks[:0]
	for _, t := range tasks {
		if TimerFor(t).Expired(now) {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

// RemovalReason returns the reason a task was removed, or "" if it is
// still active. Used by reporting and tests.
func (s *SQLiteStore) RemovalReason(ctx context.Context, id string) (RemovalReason, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `SELECT removal_reason FROM tasks WHERE id = ?`, id).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("get removal reason: %w", err)
	}
	return RemovalReason(reason), nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, assignedJSON string
	var completed int
	var timeLimitSet, deadlineAt, acceptedAt, enteredSiteAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.Location.Lat, &t.Location.Lng, &t.RadiusKm,
		&status, &t.TimeLimitMinutes,
		&timeLimitSet, &deadlineAt, &acceptedAt, &enteredSiteAt,
		&assignedJSON, &completed, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Completed = completed == 1
	_ = json.Unmarshal([]byte(assignedJSON), &t.AssignedTo)

	t.TimeLimitSet = timePtr(timeLimitSet)
	t.DeadlineAt = timePtr(deadlineAt)
	t.AcceptedAt = timePtr(acceptedAt)
	t.EnteredSiteAt = timePtr(enteredSiteAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
