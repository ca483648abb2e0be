// Package api defines the REST API handlers for the fieldops server.
package api

import (
	"context"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/task"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"is_admin"`
}

// Actor converts the identity for the task state machine.
func (i Identity) Actor() task.Actor {
	return task.Actor{UserID: i.UserID, Admin: i.Admin}
}

type contextKey int

const ctxKeyIdentity contextKey = 0

// ContextWithIdentity attaches id to ctx. The auth middleware calls this
// for every authenticated request.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext returns the identity attached by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok && id.UserID != ""
}

// ActivityReader serves the reporting read of the activity ledger.
type ActivityReader interface {
	List(ctx context.Context, filter activity.Filter) ([]*activity.Record, error)
}
