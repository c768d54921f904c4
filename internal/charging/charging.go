// Package charging arbitrates the shared pool of charging stations with
// a priority queue of drone charging requests.
package charging

import (
	"context"
	"time"
)

// StationStatus is the state of one charging station.
type StationStatus string

const (
	StationAvailable   StationStatus = "available"
	StationOccupied    StationStatus = "occupied"
	StationMaintenance StationStatus = "maintenance"
	StationReserved    StationStatus = "reserved"
)

// Station is a long-lived charging resource, mutated only by the
// scheduler.
type Station struct {
	ID           string        `json:"id"`
	Status       StationStatus `json:"status"`
	ChargingRate float64       `json:"chargingRate"` // percent per minute

	CurrentDrone           string        `json:"currentDrone,omitempty"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining,omitempty"`

	sessionStartedAt   time.Time
	sessionStartLevel  float64
	sessionLastUpdated time.Time
}

// Reason classifies why a drone requested charging.
type Reason string

const (
	ReasonEmergency  Reason = "emergency"
	ReasonLowBattery Reason = "low_battery"
	ReasonPreMission Reason = "pre_mission"
	ReasonManual     Reason = "manual"
)

// QueueItem is one pending charging request. QueuePosition is kept as a
// dense 1..N ranking consistent with the queue's total order.
type QueueItem struct {
	ID                   string        `json:"id"`
	DroneID              string        `json:"droneId"`
	Priority             int           `json:"priority"` // 1..5, higher is more urgent
	BatteryLevel         float64       `json:"batteryLevel"`
	QueuePosition        int           `json:"queuePosition"`
	RequestedAt          time.Time     `json:"requestedAt"`
	ExpectedChargingTime time.Duration `json:"expectedChargingTime"`
	Reason               Reason        `json:"reason"`
}

// Assignment is the outcome of AssignNext.
type Assignment struct {
	Assigned  bool   `json:"assigned"`
	StationID string `json:"stationId,omitempty"`
	DroneID   string `json:"droneId,omitempty"`
}

// HistoryRecord captures one completed charging session.
type HistoryRecord struct {
	DroneID    string
	StationID  string
	StartedAt  time.Time
	EndedAt    time.Time
	StartLevel float64
	EndLevel   float64
}

// HistoryStore persists completed sessions.
type HistoryStore interface {
	AppendChargingHistory(ctx context.Context, rec HistoryRecord) error
}

// MissionInfo is what the scheduler needs to know about a drone's
// mission when scoring its request.
type MissionInfo struct {
	Name    string
	Pending bool
}

// MissionDirectory resolves a drone's current mission, if any. The
// mission subsystem implements it; a nil directory disables mission
// urgency scoring.
type MissionDirectory interface {
	MissionForDrone(droneID string) (MissionInfo, bool)
}

// StationSelector picks a station for the head of the queue from the
// currently available ones. Returning false defers the assignment.
// The selection rule is a replaceable strategy; the default greedy rule
// is FastestAvailable.
type StationSelector func(available []Station) (stationID string, ok bool)

// FastestAvailable selects the available station with the highest
// charging rate, breaking rate ties by station ID for determinism.
func FastestAvailable(available []Station) (string, bool) {
	var best *Station
	for i := range available {
		s := &available[i]
		if best == nil || s.ChargingRate > best.ChargingRate ||
			(s.ChargingRate == best.ChargingRate && s.ID < best.ID) {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}
