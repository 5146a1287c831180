package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewHub(log)
}

func drainOne(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case event := <-c.Outbound:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event on outbound channel")
		return Event{}
	}
}

func TestConnectQueuesConnectedAck(t *testing.T) {
	hub := testHub(t)
	client := hub.Connect(uuid.New())
	defer hub.Disconnect(client)

	ack := drainOne(t, client)
	if ack.Type != EventConnected {
		t.Fatalf("first event=%s, want %s", ack.Type, EventConnected)
	}
	if hub.ConnectionCount(client.UserID) != 1 {
		t.Fatalf("connections=%d, want 1", hub.ConnectionCount(client.UserID))
	}
}

func TestBroadcastReachesAllUserConnections(t *testing.T) {
	hub := testHub(t)
	userID := uuid.New()
	first := hub.Connect(userID)
	second := hub.Connect(userID)
	other := hub.Connect(uuid.New())
	defer hub.Disconnect(first)
	defer hub.Disconnect(second)
	defer hub.Disconnect(other)

	// Skip the connected acks.
	drainOne(t, first)
	drainOne(t, second)
	drainOne(t, other)

	jobID := uuid.New()
	hub.Broadcast(userID, Event{Type: EventProgress, JobID: jobID, Stage: "generating", Progress: 45})

	for i, client := range []*Client{first, second} {
		event := drainOne(t, client)
		if event.Type != EventProgress || event.JobID != jobID {
			t.Fatalf("client %d got %+v, want progress for job %s", i, event, jobID)
		}
	}

	select {
	case event := <-other.Outbound:
		t.Fatalf("other user received %+v", event)
	default:
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := testHub(t)
	userID := uuid.New()
	client := hub.Connect(userID)
	defer hub.Disconnect(client)

	// One ack is already queued; fill the rest of the buffer.
	for i := len(client.Outbound); i < cap(client.Outbound); i++ {
		hub.Broadcast(userID, Event{Type: EventProgress, Progress: i})
	}

	// Must not block.
	done := make(chan struct{})
	go func() {
		hub.Broadcast(userID, Event{Type: EventProgress, Progress: 99})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full outbound buffer")
	}
	if len(client.Outbound) != cap(client.Outbound) {
		t.Fatalf("buffer len=%d, want full %d", len(client.Outbound), cap(client.Outbound))
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	hub := testHub(t)
	client := hub.Connect(uuid.New())

	hub.Disconnect(client)
	// A second call must not panic on the closed done channel.
	hub.Disconnect(client)

	if hub.ConnectionCount(client.UserID) != 0 {
		t.Fatalf("connections=%d after disconnect, want 0", hub.ConnectionCount(client.UserID))
	}
}

func TestServeHTTPWritesQueuedEvents(t *testing.T) {
	hub := testHub(t)
	userID := uuid.New()
	client := hub.Connect(userID)

	jobID := uuid.New()
	hub.Broadcast(userID, Event{Type: EventCompleted, JobID: jobID, Status: "completed", Progress: 100})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream", nil)

	served := make(chan struct{})
	go func() {
		hub.ServeHTTP(rec, req, client)
		close(served)
	}()

	// Wait for the write loop to drain both queued events, then tear down.
	// The body is only read after the serving goroutine has exited.
	deadline := time.After(2 * time.Second)
	for len(client.Outbound) > 0 {
		select {
		case <-deadline:
			t.Fatal("write loop never drained the outbound buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	hub.Disconnect(client)
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after disconnect")
	}

	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type=%q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, "event: connected") {
		t.Fatalf("missing connected frame:\n%s", body)
	}
	if !strings.Contains(body, "event: completed") || !strings.Contains(body, jobID.String()) {
		t.Fatalf("missing completed frame:\n%s", body)
	}
}
