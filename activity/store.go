package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Schema creates the activity_records table.
const Schema = `
CREATE TABLE IF NOT EXISTS activity_records (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	task_id    TEXT,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activity_task ON activity_records(task_id);
`

// SQLiteStore is an append-only Sink backed by SQLite. Its read side
// serves reporting only.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the activity schema exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("create activity schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts rec. Records are never updated or deleted.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if !rec.Type.Valid() {
		return fmt.Errorf("unknown activity type %q", rec.Type)
	}
	metadata, _ := json.Marshal(rec.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_records (id, user_id, task_id, type, message, metadata, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, nullString(rec.TaskID), string(rec.Type),
		rec.Message, string(metadata), rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert activity record: %w", err)
	}
	return nil
}

// List returns records matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, user_id, task_id, type, message, metadata, created_at
		FROM activity_records WHERE 1=1`)
	args := []any{}

	if filter.UserID != "" {
		q.WriteString(" AND user_id=?")
		args = append(args, filter.UserID)
	}
	if filter.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		q.WriteString(" AND type=?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		q.WriteString(" AND created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	q.WriteString(" ORDER BY created_at DESC, id")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list activity records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var taskID sql.NullString
		var typ, metadataJSON string
		var createdAt time.Time
		if err := rows.Scan(&rec.ID, &rec.UserID, &taskID, &typ, &rec.Message, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity record: %w", err)
		}
		rec.TaskID = taskID.String
		rec.Type = Type(typ)
		rec.Timestamp = createdAt
		_ = json.Unmarshal([]byte(metadataJSON), &rec.Metadata)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
