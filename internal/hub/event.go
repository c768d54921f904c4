// Package hub implements the many-producer/many-consumer broadcast
// fan-out between the core subsystems and dashboard connections.
package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates every event variant the core can broadcast.
// Producers must use one of these; there is no free-form event name.
type EventType string

const (
	EventTelemetry              EventType = "telemetry"
	EventFleetStatus            EventType = "fleet_status"
	EventAlert                  EventType = "alert"
	EventMissionStatusChanged   EventType = "mission_status_changed"
	EventMissionProgressUpdated EventType = "mission_progress_updated"
	EventMissionAssigned        EventType = "mission_assigned"
)

// Event is the wire envelope delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// Encode marshals the event to its JSON wire form.
func (e Event) Encode() ([]byte, error) {
	p, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	return p, nil
}

// Well-known topics. Drone-scoped topics are built with DroneTopic.
const (
	TopicFleet  = "fleet:all"
	TopicAlerts = "alerts:all"
)

// DroneTopic returns the topic scoped to a single drone.
func DroneTopic(droneID string) string {
	return "drone:" + droneID
}

// Publisher is the narrow interface subsystems use to emit events.
type Publisher interface {
	Publish(topic string, event Event)
}
