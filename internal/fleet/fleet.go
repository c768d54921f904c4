package fleet

import (
	"fmt"
	"sync"
	"time"
)

// Status is the operational state of a drone.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusInFlight    Status = "in_flight"
	StatusCharging    Status = "charging"
	StatusMaintenance Status = "maintenance"
	StatusEmergency   Status = "emergency"
)

// ConnectionQuality is derived from radio signal strength.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// Position is a WGS84 coordinate with altitude in meters AGL.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Alt float64 `json:"alt"`
}

// Valid reports whether the position carries usable coordinates.
func (p Position) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// AlertSeverity ranks a drone alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a per-drone condition surfaced to operators.
type Alert struct {
	Severity  AlertSeverity `json:"severity"`
	Category  string        `json:"category"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// DroneState is the live state of a single drone. It is owned by the
// ingestion pipeline; other subsystems mutate it through Fleet.Update
// under the snapshot-and-commit discipline.
type DroneState struct {
	ID string `json:"id"`

	Position Position `json:"position"`
	Heading  float64  `json:"heading"` // degrees, 0..360
	Speed    float64  `json:"speed"`   // m/s ground speed

	BatteryLevel   float64 `json:"batteryLevel"` // percent
	BatteryVoltage float64 `json:"batteryVoltage"`

	SignalStrength    float64           `json:"signalStrength"` // dBm
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`

	Status Status  `json:"status"`
	Alerts []Alert `json:"alerts,omitempty"`

	CurrentMission string `json:"currentMission,omitempty"`
	EmergencyState string `json:"emergencyState,omitempty"`

	// ManeuverExpiresAt is set while a system-imposed avoidance maneuver
	// overrides autonomous control. Zero when no maneuver is active.
	ManeuverExpiresAt time.Time `json:"maneuverExpiresAt"`

	LastSeen        time.Time     `json:"lastSeen"`
	SamplesReceived int64         `json:"samplesReceived"`
	TotalFlightTime time.Duration `json:"totalFlightTime"`
}

// ManeuverActive reports whether an avoidance maneuver still overrides
// autonomous control at the given instant.
func (d *DroneState) ManeuverActive(now time.Time) bool {
	return !d.ManeuverExpiresAt.IsZero() && now.Before(d.ManeuverExpiresAt)
}

// Airborne reports whether the drone participates in separation checks.
func (d *DroneState) Airborne() bool {
	return d.Status == StatusInFlight || d.Status == StatusEmergency
}

// QualityFromSignal derives a connection quality bucket from RSSI in dBm.
func QualityFromSignal(dbm float64) ConnectionQuality {
	switch {
	case dbm >= -60:
		return QualityExcellent
	case dbm >= -75:
		return QualityGood
	case dbm >= -90:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Fleet is the registry of all drone states. A single mutex guards the
// whole registry; the fleet is small and decision cycles read it once
// per cycle via Snapshot.
type Fleet struct {
	mu     sync.Mutex
	drones map[string]*DroneState
}

// New creates an empty fleet registry.
func New() *Fleet {
	return &Fleet{drones: make(map[string]*DroneState)}
}

// Add registers a drone. Registering an existing ID is a contract
// violation and leaves the current state untouched.
func (f *Fleet) Add(d *DroneState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.drones[d.ID]; ok {
		return fmt.Errorf("drone %s already registered", d.ID)
	}

	f.drones[d.ID] = d
	return nil
}

// Get returns a copy of the drone state, or false if unknown.
func (f *Fleet) Get(id string) (DroneState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.drones[id]
	if !ok {
		return DroneState{}, false
	}
	return copyState(d), true
}

// Update applies fn to the drone state under the fleet lock. It is the
// single commit point for mutations. Returns false if the drone is unknown.
func (f *Fleet) Update(id string, fn func(*DroneState)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.drones[id]
	if !ok {
		return false
	}

	fn(d)
	return true
}

// Snapshot returns a consistent copy of every drone state, taken under a
// single lock acquisition. Decision cycles read the snapshot, decide,
// then commit mutations through Update.
func (f *Fleet) Snapshot() []DroneState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DroneState, 0, len(f.drones))
	for _, d := range f.drones {
		out = append(out, copyState(d))
	}
	return out
}

// Airborne returns a snapshot filtered to drones that participate in
// separation checks and carry a usable position.
func (f *Fleet) Airborne() []DroneState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DroneState, 0, len(f.drones))
	for _, d := range f.drones {
		if d.Airborne() && d.Position.Valid() {
			out = append(out, copyState(d))
		}
	}
	return out
}

// Size returns the number of registered drones.
func (f *Fleet) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drones)
}

func copyState(d *DroneState) DroneState {
	c := *d
	if len(d.Alerts) > 0 {
		c.Alerts = make([]Alert, len(d.Alerts))
		copy(c.Alerts, d.Alerts)
	}
	return c
}
