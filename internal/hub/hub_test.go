package hub

import (
	"encoding/json"
	"testing"
	"time"
)

func drain(t *testing.T, c *Conn) []Event {
	t.Helper()

	var events []Event
	for {
		select {
		case payload := <-c.Outbound():
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				t.Fatalf("Failed to decode event: %v", err)
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestHub_PublishToSubscribers(t *testing.T) {
	h := New()

	sub, err := h.Register("sub")
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	other, err := h.Register("other")
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err = h.Subscribe("sub", DroneTopic("DRN-001")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.Publish(DroneTopic("DRN-001"), NewEvent(EventTelemetry, map[string]string{"droneId": "DRN-001"}))
	h.Publish(DroneTopic("DRN-002"), NewEvent(EventTelemetry, map[string]string{"droneId": "DRN-002"}))

	got := drain(t, sub)
	if len(got) != 1 {
		t.Fatalf("Expected 1 event for subscriber, got %d", len(got))
	}
	if got[0].Type != EventTelemetry {
		t.Errorf("Expected telemetry event, got %s", got[0].Type)
	}

	if got := drain(t, other); len(got) != 0 {
		t.Errorf("Unsubscribed connection received %d events", len(got))
	}
}

func TestHub_PerTopicOrdering(t *testing.T) {
	h := New()

	c, _ := h.Register("c")
	_ = h.Subscribe("c", TopicFleet)

	for i := 0; i < 5; i++ {
		h.Publish(TopicFleet, NewEvent(EventFleetStatus, i))
	}

	got := drain(t, c)
	if len(got) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if int(ev.Data.(float64)) != i {
			t.Errorf("Event %d out of order: got %v", i, ev.Data)
		}
	}
}

func TestHub_DropOldestWhenFull(t *testing.T) {
	h := New(WithQueueSize(2))

	c, _ := h.Register("slow")
	_ = h.Subscribe("slow", TopicFleet)

	for i := 0; i < 4; i++ {
		h.Publish(TopicFleet, NewEvent(EventFleetStatus, i))
	}

	got := drain(t, c)
	if len(got) != 2 {
		t.Fatalf("Expected queue capped at 2 events, got %d", len(got))
	}

	// The two oldest payloads were dropped; the newest survive in order.
	if int(got[0].Data.(float64)) != 2 || int(got[1].Data.(float64)) != 3 {
		t.Errorf("Expected events 2 and 3 to survive, got %v and %v", got[0].Data, got[1].Data)
	}
	if c.Dropped() != 2 {
		t.Errorf("Expected 2 drops recorded, got %d", c.Dropped())
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New()

	c, _ := h.Register("c")
	_ = h.Subscribe("c", TopicAlerts)
	_ = h.Unsubscribe("c", TopicAlerts)

	h.Publish(TopicAlerts, NewEvent(EventAlert, "boom"))

	if got := drain(t, c); len(got) != 0 {
		t.Errorf("Expected no events after unsubscribe, got %d", len(got))
	}
}

func TestHub_UnregisterClosesConn(t *testing.T) {
	h := New()

	c, _ := h.Register("c")
	h.Unregister("c")

	select {
	case <-c.Done():
	default:
		t.Error("Done channel should be closed after unregister")
	}
	if h.Size() != 0 {
		t.Errorf("Expected empty hub, got %d connections", h.Size())
	}

	// Unknown IDs are a no-op.
	h.Unregister("c")
}

func TestHub_CloseStale(t *testing.T) {
	h := New(WithHeartbeat(30*time.Second, 90*time.Second))

	fresh, _ := h.Register("fresh")
	stale, _ := h.Register("stale")

	stale.seenMu.Lock()
	stale.lastSeen = time.Now().Add(-2 * time.Minute)
	stale.seenMu.Unlock()

	removed := h.CloseStale(time.Now())
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("Expected only the stale connection removed, got %v", removed)
	}

	select {
	case <-stale.Done():
	default:
		t.Error("Stale connection should be closed")
	}
	select {
	case <-fresh.Done():
		t.Error("Fresh connection should stay open")
	default:
	}
	if h.Size() != 1 {
		t.Errorf("Expected 1 connection left, got %d", h.Size())
	}
}

func TestHub_RegisterDuplicate(t *testing.T) {
	h := New()

	first, err := h.Register("c")
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	second, err := h.Register("c")
	if err == nil {
		t.Error("Expected error registering duplicate connection ID")
	}
	if second != first {
		t.Error("Duplicate registration should return the existing connection")
	}
}
