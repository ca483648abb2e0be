// Package ws streams task and session notifications to workers and
// dispatchers over Server-Sent Events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/fieldops/comms"
)

// Event is one SSE frame payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Viewer identifies who is on the other end of a stream.
type Viewer struct {
	UserID string
	Admin  bool
}

// sees reports whether an event addressed to userID belongs on this
// viewer's stream. Admins see everything; an empty userID is for everyone.
func (v Viewer) sees(userID string) bool {
	return userID == "" || v.Admin || v.UserID == userID
}

type frame struct {
	seq  uint64
	typ  string
	data []byte
}

type stream struct {
	viewer  Viewer
	frames  chan frame
	dropped atomic.Int64
}

// Hub fans events out to open streams. Slow streams lose events rather
// than block publishers.
type Hub struct {
	mu      sync.RWMutex
	streams map[*stream]struct{}
	seq     atomic.Uint64
	logger  *slog.Logger

	// Heartbeat is the interval between keep-alive comments.
	Heartbeat time.Duration
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		streams:   make(map[*stream]struct{}),
		logger:    logger,
		Heartbeat: 25 * time.Second,
	}
}

// Attach forwards every bus message to the addressee's streams and to
// admin streams. Returns the detach function.
func (h *Hub) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.Dispatchers, func(_ context.Context, msg *comms.Message) error {
		to := msg.To
		if msg.Type == comms.TypeBroadcast {
			to = ""
		}
		h.Send(to, Event{Type: msg.Topic, Payload: msg})
		return nil
	})
}

// Broadcast sends ev to every stream.
func (h *Hub) Broadcast(ev Event) {
	h.Send("", ev)
}

// Send delivers ev to userID's streams and every admin stream. An empty
// userID reaches everyone.
func (h *Hub) Send(userID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode sse event", slog.String("type", ev.Type), slog.Any("err", err))
		return
	}
	f := frame{seq: h.seq.Add(1), typ: ev.Type, data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.streams {
		if !s.viewer.sees(userID) {
			continue
		}
		select {
		case s.frames <- f:
		default:
			s.dropped.Add(1)
		}
	}
}

// Clients returns the number of open streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Hub) open(v Viewer) *stream {
	s := &stream{viewer: v, frames: make(chan frame, 64)}
	h.mu.Lock()
	h.streams[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) close(s *stream) {
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
	if n := s.dropped.Load(); n > 0 {
		h.logger.Warn("sse stream dropped events",
			slog.String("user_id", s.viewer.UserID), slog.Int64("dropped", n))
	}
}

// ServeSSE streams events for viewer until the request ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, viewer Viewer) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := h.open(viewer)
	defer h.close(s)

	fmt.Fprint(w, "event: connected\ndata: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n") //nolint:errcheck
		case f := <-s.frames:
			// json.Marshal output never spans lines
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.seq, f.typ, f.data) //nolint:errcheck
		}
		flusher.Flush()
	}
}
