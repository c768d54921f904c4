// Package telemetry defines the per-drone telemetry sample model, the
// sources that produce samples, and the ingestion pipeline that batches
// them into the cache and the durable store.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/TejasSiv/fleetcore/internal/fleet"
)

// FlightMode is the mode reported by the flight controller.
type FlightMode string

const (
	ModeIdle    FlightMode = "idle"
	ModeMission FlightMode = "mission"
	ModeReturn  FlightMode = "return_to_launch"
	ModeLand    FlightMode = "land"
)

var errMissingDroneID = errors.New("missing drone id")

// Sample is one normalized telemetry reading. Samples are immutable:
// created per incoming raw message, consumed by batching, then discarded.
type Sample struct {
	DroneID string `json:"droneId"`

	Position fleet.Position `json:"position"`

	// NED velocity components in m/s.
	VelocityN float64 `json:"velocityN"`
	VelocityE float64 `json:"velocityE"`
	VelocityD float64 `json:"velocityD"`

	BatteryLevel   float64 `json:"batteryLevel"` // percent
	BatteryVoltage float64 `json:"batteryVoltage"`

	GPSFix        bool    `json:"gpsFix"`
	NumSatellites int     `json:"numSatellites"`
	HDOP          float64 `json:"hdop"`

	SignalStrength float64    `json:"signalStrength"` // dBm
	FlightMode     FlightMode `json:"flightMode"`

	Temperature float64 `json:"temperature"` // °C
	WindSpeed   float64 `json:"windSpeed"`   // m/s

	ReceivedAt time.Time `json:"receivedAt"`
}

// GroundSpeed returns horizontal speed in m/s derived from the NED
// velocity components.
func (s *Sample) GroundSpeed() float64 {
	return math.Hypot(s.VelocityN, s.VelocityE)
}

// Heading returns the course over ground in degrees [0, 360) derived
// from the NED velocity components. Returns 0 when stationary.
func (s *Sample) Heading() float64 {
	if s.VelocityN == 0 && s.VelocityE == 0 {
		return 0
	}
	deg := math.Atan2(s.VelocityE, s.VelocityN) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Validate reports whether the sample is well-formed enough to enter
// the pipeline. Malformed samples are dropped, never fatal.
func (s *Sample) Validate() error {
	if s.DroneID == "" {
		return errMissingDroneID
	}
	if !s.Position.Valid() {
		return fmt.Errorf("position out of range: lat=%f lng=%f", s.Position.Lat, s.Position.Lng)
	}
	if s.BatteryLevel < 0 || s.BatteryLevel > 100 {
		return fmt.Errorf("battery level out of range: %f", s.BatteryLevel)
	}
	return nil
}
