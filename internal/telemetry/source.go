package telemetry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/TejasSiv/fleetcore/internal/fleet"
)

// Source produces telemetry samples for one drone. The pipeline is
// protocol-agnostic: a real MAVLink parser and the synthetic generator
// below both satisfy this interface.
type Source interface {
	// DroneID identifies the drone this source reports for.
	DroneID() string

	// Run emits samples until the context is cancelled. It must not
	// close the samples channel; the channel is shared between sources.
	Run(ctx context.Context, samples chan<- Sample) error
}

// WithInterval sets the sample cadence of a synthetic source.
func WithInterval(interval time.Duration) func(*SyntheticSource) {
	return func(s *SyntheticSource) {
		s.interval = interval
	}
}

// WithSeed seeds the source's random walk for reproducible runs.
func WithSeed(seed int64) func(*SyntheticSource) {
	return func(s *SyntheticSource) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// SyntheticSource generates plausible telemetry with a seeded random
// walk: the drone cruises along a slowly wandering heading, drains its
// battery, and reports environment and link noise. It stands in for
// real radio parsing, which is outside this core.
type SyntheticSource struct {
	droneID  string
	interval time.Duration
	rng      *rand.Rand

	pos     fleet.Position
	heading float64
	speed   float64
	battery float64
	voltage float64
}

// NewSyntheticSource creates a generator starting at the given position
// with a full battery.
func NewSyntheticSource(droneID string, start fleet.Position, options ...func(*SyntheticSource)) *SyntheticSource {
	s := SyntheticSource{
		droneID:  droneID,
		interval: time.Second,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		pos:      start,
		speed:    8,
		battery:  100,
		voltage:  16.8,
	}

	for _, option := range options {
		option(&s)
	}

	s.heading = s.rng.Float64() * 360
	return &s
}

func (s *SyntheticSource) DroneID() string { return s.droneID }

// Run emits one sample per interval until ctx is cancelled.
func (s *SyntheticSource) Run(ctx context.Context, samples chan<- Sample) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			sample := s.next()
			select {
			case samples <- sample:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// next advances the random walk by one interval and returns the reading.
func (s *SyntheticSource) next() Sample {
	dt := s.interval.Seconds()

	s.heading = math.Mod(s.heading+s.rng.NormFloat64()*4+360, 360)
	s.speed = clamp(s.speed+s.rng.NormFloat64()*0.5, 2, 15)

	rad := s.heading * math.Pi / 180
	velN := s.speed * math.Cos(rad)
	velE := s.speed * math.Sin(rad)
	velD := s.rng.NormFloat64() * 0.3

	// ~111,111 m per degree of latitude; longitude shrinks with cos(lat).
	s.pos.Lat += velN * dt / 111_111
	s.pos.Lng += velE * dt / (111_111 * math.Cos(s.pos.Lat*math.Pi/180))
	s.pos.Alt = clamp(s.pos.Alt-velD*dt, 10, 200)

	s.battery = clamp(s.battery-0.02*dt*(1+s.speed/15), 0, 100)
	s.voltage = 13.2 + s.battery/100*3.6

	mode := ModeMission
	if s.battery < 10 {
		mode = ModeReturn
	}

	return Sample{
		DroneID:        s.droneID,
		Position:       s.pos,
		VelocityN:      velN,
		VelocityE:      velE,
		VelocityD:      velD,
		BatteryLevel:   s.battery,
		BatteryVoltage: s.voltage,
		GPSFix:         true,
		NumSatellites:  9 + s.rng.Intn(6),
		HDOP:           0.7 + s.rng.Float64()*0.8,
		SignalStrength: -55 - s.rng.Float64()*40,
		FlightMode:     mode,
		Temperature:    18 + s.rng.Float64()*8,
		WindSpeed:      s.rng.Float64() * 9,
		ReceivedAt:     time.Now().UTC(),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
