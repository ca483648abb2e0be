// Package activity defines the append-only audit records emitted by the
// task workflow and time accounting, and the ledger that persists them.
package activity

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Type identifies the kind of activity record. The set is closed.
type Type string

const (
	TypeTaskCreated    Type = "task_created"
	TypeTaskAccepted   Type = "task_accepted"
	TypeTaskRejected   Type = "task_rejected"
	TypeSiteEntered    Type = "site_entered"
	TypeTaskCompleted  Type = "task_completed"
	TypeTaskExpired    Type = "task_expired"
	TypeTaskDeleted    Type = "task_deleted"
	TypeSessionStarted Type = "session_started"
	TypeSessionEnded   Type = "session_ended"
)

var validTypes = map[Type]bool{
	TypeTaskCreated:    true,
	TypeTaskAccepted:   true,
	TypeTaskRejected:   true,
	TypeSiteEntered:    true,
	TypeTaskCompleted:  true,
	TypeTaskExpired:    true,
	TypeTaskDeleted:    true,
	TypeSessionStarted: true,
	TypeSessionEnded:   true,
}

// Valid reports whether t belongs to the closed set of record types.
func (t Type) Valid() bool { return validTypes[t] }

var titleCaser = cases.Title(language.English)

// Label returns a human-readable form, e.g. "Site Entered".
func (t Type) Label() string {
	return titleCaser.String(strings.ReplaceAll(string(t), "_", " "))
}

// Record is a single immutable audit entry.
type Record struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Type      Type              `json:"type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Recorder accepts records without blocking the caller. Implementations
// must never surface write failures to the caller.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Notifier hands records to the notification dispatcher.
type Notifier interface {
	Notify(ctx context.Context, rec *Record) error
}

// Filter controls which records List returns.
type Filter struct {
	UserID string
	TaskID string
	Type   Type
	Since  time.Time
	Limit  int
}

// DefaultNotifyTypes are the record types handed to the notifier when the
// configuration does not say otherwise.
var DefaultNotifyTypes = []Type{
	TypeTaskCreated,
	TypeTaskAccepted,
	TypeTaskRejected,
	TypeSiteEntered,
	TypeTaskCompleted,
	TypeTaskExpired,
	TypeTaskDeleted,
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(context.Context, Record) {}
