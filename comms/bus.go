package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultHistorySize is how many messages an InMemoryBus retains.
const DefaultHistorySize = 1000

type subscription struct {
	userID  string
	handler Handler
}

// InMemoryBus is a thread-safe in-process Bus. Handlers run synchronously
// on the publisher's goroutine.
type InMemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscription
	lastSub uint64

	// ring buffer of recent messages
	ring  []*Message
	start int
	count int
}

// NewInMemoryBus creates an InMemoryBus retaining DefaultHistorySize
// messages.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[uint64]subscription),
		ring: make([]*Message, DefaultHistorySize),
	}
}

// visible reports whether userID may see msg.
func visible(userID string, msg *Message) bool {
	return userID == Dispatchers || msg.Type == TypeBroadcast || msg.To == userID
}

func (b *InMemoryBus) remember(msg *Message) {
	if b.count < len(b.ring) {
		b.ring[(b.start+b.count)%len(b.ring)] = msg
		b.count++
		return
	}
	b.ring[b.start] = msg
	b.start = (b.start + 1) % len(b.ring)
}

// Publish records msg and delivers it to every subscriber that may see
// it. Every handler runs even if an earlier one fails.
func (b *InMemoryBus) Publish(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	b.remember(msg)
	var targets []Handler
	for _, s := range b.subs {
		if visible(s.userID, msg) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %w", msg.ID, errors.Join(errs...))
	}
	return nil
}

// Subscribe registers handler for messages visible to userID. Calling the
// returned function more than once is harmless.
func (b *InMemoryBus) Subscribe(userID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSub++
	id := b.lastSub
	b.subs[id] = subscription{userID: userID, handler: handler}

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// History returns up to limit of the most recent messages visible to
// userID, oldest first. A limit of zero or less returns all of them.
func (b *InMemoryBus) History(userID string, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Message
	for i := b.count - 1; i >= 0; i-- {
		msg := b.ring[(b.start+i)%len(b.ring)]
		if !visible(userID, msg) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// newest-first scan; flip to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
