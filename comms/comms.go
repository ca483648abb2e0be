// Package comms provides the in-process notification bus that fans
// activity out to workers and dispatchers.
package comms

import (
	"context"
	"time"
)

// MessageType identifies how a message is routed.
type MessageType string

const (
	TypeDirect    MessageType = "direct"    // delivered to the subscriber named in To
	TypeBroadcast MessageType = "broadcast" // delivered to every subscriber
)

// Dispatchers subscribes to every message regardless of recipient.
const Dispatchers = "*"

// Message is a notification about a change to a task or session.
type Message struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	Topic     string            `json:"topic"`            // activity type, e.g. "site_entered"
	To        string            `json:"to,omitempty"`     // recipient user ID (empty for broadcast)
	TaskID    string            `json:"task_id,omitempty"`
	Subject   string            `json:"subject"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg *Message) error

// Bus routes notifications to subscribers. A subscriber registered under
// Dispatchers sees every message.
type Bus interface {
	// Publish delivers msg. Direct messages reach subscribers of msg.To
	// and Dispatchers; broadcasts reach everyone.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for messages addressed to userID.
	// Returns an unsubscribe function.
	Subscribe(userID string, handler Handler) (unsubscribe func())

	// History returns recent messages visible to userID, oldest first.
	History(userID string, limit int) ([]*Message, error)
}
