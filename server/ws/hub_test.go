package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/fieldops/comms"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hub.ServeSSE(w, r, Viewer{UserID: q.Get("user"), Admin: q.Get("admin") == "1"})
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

// openStream opens an SSE connection and returns a channel of data payloads.
func openStream(t *testing.T, srv *httptest.Server, query string) <-chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?"+query, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	out := make(chan string, 16)
	go func() {
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				out <- data
			}
		}
		close(out)
	}()

	select {
	case first := <-out:
		if !strings.Contains(first, "connected") {
			t.Fatalf("first event = %s", first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}
	return out
}

func next(t *testing.T, ch <-chan string) (Event, bool) {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			return Event{}, false
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		return ev, true
	case <-time.After(200 * time.Millisecond):
		return Event{}, false
	}
}

func TestHub_SendRoutesByViewer(t *testing.T) {
	hub, srv := newTestHub(t)
	w1 := openStream(t, srv, "user=w1")
	w2 := openStream(t, srv, "user=w2")
	admin := openStream(t, srv, "user=dispatch&admin=1")

	hub.Send("w1", Event{Type: "site_entered"})

	if ev, ok := next(t, w1); !ok || ev.Type != "site_entered" {
		t.Errorf("w1 got %+v, %v", ev, ok)
	}
	if ev, ok := next(t, admin); !ok || ev.Type != "site_entered" {
		t.Errorf("admin got %+v, %v", ev, ok)
	}
	if ev, ok := next(t, w2); ok {
		t.Errorf("w2 should not receive w1's event, got %+v", ev)
	}
}

func TestHub_AttachForwardsBusMessages(t *testing.T) {
	hub, srv := newTestHub(t)
	bus := comms.NewInMemoryBus()
	unsub := hub.Attach(bus)
	defer unsub()

	w1 := openStream(t, srv, "user=w1")
	msg := &comms.Message{ID: "m1", Type: comms.TypeDirect, Topic: "task_expired", To: "w1"}
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ev, ok := next(t, w1); !ok || ev.Type != "task_expired" {
		t.Errorf("w1 got %+v, %v", ev, ok)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub, srv := newTestHub(t)
	w1 := openStream(t, srv, "user=w1")
	w2 := openStream(t, srv, "user=w2")
	if hub.Clients() != 2 {
		t.Fatalf("Clients = %d, want 2", hub.Clients())
	}

	hub.Broadcast(Event{Type: "maintenance"})
	for _, ch := range []<-chan string{w1, w2} {
		if ev, ok := next(t, ch); !ok || ev.Type != "maintenance" {
			t.Errorf("got %+v, %v", ev, ok)
		}
	}
}
