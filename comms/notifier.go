package comms

import (
	"context"
	"maps"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/fieldops/activity"
)

// Notifier publishes activity records on a Bus. It satisfies
// activity.Notifier.
type Notifier struct {
	bus Bus
}

// NewNotifier creates a Notifier over bus.
func NewNotifier(bus Bus) *Notifier {
	return &Notifier{bus: bus}
}

// Notify addresses the record to its user. Records without a user are
// broadcast.
func (n *Notifier) Notify(ctx context.Context, rec *activity.Record) error {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      TypeDirect,
		Topic:     string(rec.Type),
		To:        rec.UserID,
		TaskID:    rec.TaskID,
		Subject:   rec.Type.Label(),
		Content:   rec.Message,
		Metadata:  maps.Clone(rec.Metadata),
		Timestamp: rec.Timestamp,
	}
	if rec.UserID == "" {
		msg.Type = TypeBroadcast
	}
	return n.bus.Publish(ctx, msg)
}
