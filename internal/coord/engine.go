package coord

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

const (
	// DefaultSeparation is the minimum tolerated 3D distance in meters
	// between two airborne drones before a critical alert fires.
	DefaultSeparation = 50.0

	// DefaultWarningFactor scales the separation distance to the warning
	// threshold.
	DefaultWarningFactor = 1.5

	// DefaultPredictionWindow is how far ahead positions are extrapolated.
	DefaultPredictionWindow = 10 * time.Second

	// DefaultManeuverDuration is how long an avoidance maneuver overrides
	// autonomous control.
	DefaultManeuverDuration = 15 * time.Second

	altitudeFloor   = 10.0
	altitudeCeiling = 200.0
	minTurnDegrees  = 30.0
	verticalSplit   = 10.0 // altitude delta that selects vertical avoidance
)

// AlertType classifies a coordination alert.
type AlertType string

const (
	AlertCollisionWarning    AlertType = "collision_warning"
	AlertSeparationViolation AlertType = "separation_violation"
)

// Action is an avoidance maneuver kind.
type Action string

const (
	ActionClimb     Action = "climb"
	ActionDescend   Action = "descend"
	ActionTurnLeft  Action = "turn_left"
	ActionTurnRight Action = "turn_right"
	ActionSlowDown  Action = "slow_down"
	ActionHover     Action = "hover"
)

// Maneuver is a time-bounded, system-imposed change to one drone's
// heading or altitude.
type Maneuver struct {
	DroneID   string    `json:"droneId"`
	Action    Action    `json:"action"`
	Magnitude float64   `json:"magnitude"` // degrees or meters, per action
	ExpiresAt time.Time `json:"expiresAt"`
}

// Alert is a live separation concern for one unordered drone pair.
// At most one alert exists per pair at a time.
type Alert struct {
	ID        string              `json:"id"`
	Type      AlertType           `json:"type"`
	Severity  fleet.AlertSeverity `json:"severity"`
	DroneIDs  []string            `json:"droneIds"`
	Distance  float64             `json:"distance"`
	Avoidance *Maneuver           `json:"avoidanceAction,omitempty"`
	Resolved  bool                `json:"resolved"`
	CreatedAt time.Time           `json:"createdAt"`
}

// TieBreaker picks which drone of a conflicting pair maneuvers. It must
// be deterministic: identical inputs must select the same drone.
type TieBreaker func(a, b fleet.DroneState) fleet.DroneState

// LowerIDActs is the default tie-break: the lexicographically lower
// drone identifier acts. Both drones evaluating the same pair therefore
// never maneuver toward each other.
func LowerIDActs(a, b fleet.DroneState) fleet.DroneState {
	if a.ID < b.ID {
		return a
	}
	return b
}

// WithSeparation sets the critical separation distance in meters.
// The warning threshold scales with it.
func WithSeparation(meters float64) func(*Engine) {
	return func(e *Engine) {
		e.separation = meters
		e.warning = meters * DefaultWarningFactor
	}
}

// WithPredictionWindow sets the extrapolation horizon.
func WithPredictionWindow(window time.Duration) func(*Engine) {
	return func(e *Engine) {
		e.predictionWindow = window
	}
}

// WithManeuverDuration sets how long maneuvers stay in force.
func WithManeuverDuration(d time.Duration) func(*Engine) {
	return func(e *Engine) {
		e.maneuverDuration = d
	}
}

// WithTieBreaker replaces the pair tie-break strategy.
func WithTieBreaker(tb TieBreaker) func(*Engine) {
	return func(e *Engine) {
		e.tieBreak = tb
	}
}

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger *slog.Logger) func(*Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "coord"))
	}
}

// Engine runs the per-cycle collision check over a fleet snapshot and
// applies avoidance maneuvers back onto the live state.
type Engine struct {
	fleet  *fleet.Fleet
	pub    hub.Publisher
	logger *slog.Logger

	separation       float64
	warning          float64
	predictionWindow time.Duration
	maneuverDuration time.Duration
	tieBreak         TieBreaker

	now func() time.Time

	mu     sync.Mutex
	alerts map[string]*Alert // keyed by unordered pair
}

// NewEngine creates a coordination engine over the given fleet.
func NewEngine(f *fleet.Fleet, pub hub.Publisher, options ...func(*Engine)) *Engine {
	e := Engine{
		fleet:            f,
		pub:              pub,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		separation:       DefaultSeparation,
		warning:          DefaultSeparation * DefaultWarningFactor,
		predictionWindow: DefaultPredictionWindow,
		maneuverDuration: DefaultManeuverDuration,
		tieBreak:         LowerIDActs,
		now:              time.Now,
		alerts:           make(map[string]*Alert),
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// CheckCollisionRisks evaluates every unordered pair of airborne drones
// in the snapshot and returns the live alerts after this cycle. Critical
// pairs get avoidance maneuvers committed onto the fleet state; pairs
// whose separation recovered have their alert resolved and dropped.
func (e *Engine) CheckCollisionRisks(snapshot []fleet.DroneState) []Alert {
	airborne := make([]fleet.DroneState, 0, len(snapshot))
	for _, d := range snapshot {
		if !d.Airborne() {
			continue
		}
		if !d.Position.Valid() {
			e.logger.Warn("skipping drone with invalid position", slog.String("droneID", d.ID))
			continue
		}
		airborne = append(airborne, d)
	}

	// Identifier order makes pair iteration and tie-breaks reproducible.
	sort.Slice(airborne, func(i, j int) bool { return airborne[i].ID < airborne[j].ID })

	seen := make(map[string]struct{})
	for i := 0; i < len(airborne); i++ {
		for j := i + 1; j < len(airborne); j++ {
			key := pairKey(airborne[i].ID, airborne[j].ID)
			seen[key] = struct{}{}
			e.evaluatePair(airborne[i], airborne[j], key)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Alerts whose pair left the airborne set resolve implicitly.
	out := make([]Alert, 0, len(e.alerts))
	for key, a := range e.alerts {
		if _, ok := seen[key]; !ok {
			e.resolveLocked(key, a)
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) evaluatePair(a, b fleet.DroneState, key string) {
	current := Separation3D(a.Position, b.Position)

	horizon := e.predictionWindow.Seconds()
	futureA := Project(a.Position, a.Heading, a.Speed*horizon)
	futureB := Project(b.Position, b.Heading, b.Speed*horizon)
	predicted := Separation3D(futureA, futureB)

	minDistance := math.Min(current, predicted)

	e.mu.Lock()
	existing := e.alerts[key]

	switch {
	case minDistance < e.separation:
		alert := e.upsertLocked(existing, key, a, b, AlertSeparationViolation, fleet.SeverityCritical, minDistance)
		needManeuver := alert.Avoidance == nil
		e.mu.Unlock()

		if needManeuver {
			m := e.avoid(a, b, minDistance)
			e.mu.Lock()
			if cur := e.alerts[key]; cur != nil {
				cur.Avoidance = m
			}
			e.mu.Unlock()
		}

	case minDistance < e.warning:
		e.upsertLocked(existing, key, a, b, AlertCollisionWarning, fleet.SeverityWarning, minDistance)
		e.mu.Unlock()

	default:
		if existing != nil {
			e.resolveLocked(key, existing)
		}
		e.mu.Unlock()
	}
}

// upsertLocked creates or updates the pair's alert. Caller holds e.mu.
func (e *Engine) upsertLocked(existing *Alert, key string, a, b fleet.DroneState, t AlertType, sev fleet.AlertSeverity, distance float64) *Alert {
	if existing != nil {
		existing.Distance = distance
		if existing.Type != t {
			existing.Type = t
			existing.Severity = sev
			e.publish(*existing)
		}
		return existing
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		DroneIDs:  []string{a.ID, b.ID},
		Distance:  distance,
		CreatedAt: e.now().UTC(),
	}
	e.alerts[key] = alert

	e.logger.Warn("separation alert raised",
		slog.String("type", string(t)),
		slog.String("pair", key),
		slog.Float64("distance", distance))
	e.publish(*alert)

	return alert
}

// resolveLocked marks the alert resolved and drops it. Caller holds e.mu.
func (e *Engine) resolveLocked(key string, a *Alert) {
	a.Resolved = true
	delete(e.alerts, key)

	e.logger.Info("separation alert resolved", slog.String("pair", key))
	e.publish(*a)
}

// avoid computes and commits the avoidance maneuver for a critical pair,
// returning the maneuver assigned to the acting drone.
func (e *Engine) avoid(a, b fleet.DroneState, minDistance float64) *Maneuver {
	expiry := e.now().Add(e.maneuverDuration)
	altDelta := math.Abs(a.Position.Alt - b.Position.Alt)

	if altDelta < verticalSplit {
		// Same layer: the tie-break drone turns away.
		actor := e.tieBreak(a, b)
		other := a
		if actor.ID == a.ID {
			other = b
		}

		action := ActionTurnLeft
		relative := normalizeHeading(Bearing(actor.Position, other.Position) - actor.Heading)
		if relative < 180 {
			action = ActionTurnRight
		}

		magnitude := math.Max(minTurnDegrees, (e.separation-minDistance)/e.separation*90)

		m := &Maneuver{DroneID: actor.ID, Action: action, Magnitude: magnitude, ExpiresAt: expiry}
		e.apply(m)
		return m
	}

	// Split layers: the lower drone climbs, the higher one descends.
	lower, higher := a, b
	if lower.Position.Alt > higher.Position.Alt {
		lower, higher = higher, lower
	}

	magnitude := math.Max(20, e.separation-minDistance+10)

	climb := &Maneuver{DroneID: lower.ID, Action: ActionClimb, Magnitude: magnitude, ExpiresAt: expiry}
	descend := &Maneuver{DroneID: higher.ID, Action: ActionDescend, Magnitude: magnitude, ExpiresAt: expiry}
	e.apply(climb)
	e.apply(descend)

	if e.tieBreak(a, b).ID == lower.ID {
		return climb
	}
	return descend
}

// apply commits a maneuver onto the target drone immediately and records
// its expiry. Autonomy resumes once the expiry sweep clears it.
func (e *Engine) apply(m *Maneuver) {
	e.fleet.Update(m.DroneID, func(d *fleet.DroneState) {
		switch m.Action {
		case ActionTurnLeft:
			d.Heading = normalizeHeading(d.Heading - m.Magnitude)
		case ActionTurnRight:
			d.Heading = normalizeHeading(d.Heading + m.Magnitude)
		case ActionClimb:
			d.Position.Alt = math.Min(d.Position.Alt+m.Magnitude, altitudeCeiling)
		case ActionDescend:
			d.Position.Alt = math.Max(d.Position.Alt-m.Magnitude, altitudeFloor)
		case ActionSlowDown:
			d.Speed = math.Max(d.Speed-m.Magnitude, 0)
		case ActionHover:
			d.Speed = 0
		}

		d.ManeuverExpiresAt = m.ExpiresAt
		d.Alerts = appendAlert(d.Alerts, fleet.Alert{
			Severity:  fleet.SeverityCritical,
			Category:  "avoidance",
			Message:   string(m.Action),
			Timestamp: e.now().UTC(),
		})
	})

	e.logger.Info("avoidance maneuver applied",
		slog.String("droneID", m.DroneID),
		slog.String("action", string(m.Action)),
		slog.Float64("magnitude", m.Magnitude))
}

// ExpireManeuvers clears every maneuver whose expiry has passed,
// restoring autonomous control. The revert is unconditional even if the
// originating alert is gone.
func (e *Engine) ExpireManeuvers(now time.Time) int {
	var expired int
	for _, d := range e.fleet.Snapshot() {
		if d.ManeuverExpiresAt.IsZero() || now.Before(d.ManeuverExpiresAt) {
			continue
		}
		e.fleet.Update(d.ID, func(ds *fleet.DroneState) {
			ds.ManeuverExpiresAt = time.Time{}
		})
		expired++
	}
	return expired
}

// ResolveAlert marks an alert resolved by ID, for the external control
// surface. Returns false if no live alert carries the ID.
func (e *Engine) ResolveAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, a := range e.alerts {
		if a.ID == id {
			e.resolveLocked(key, a)
			return true
		}
	}
	return false
}

// ActiveAlerts returns a copy of all live alerts.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) publish(a Alert) {
	e.pub.Publish(hub.TopicAlerts, hub.NewEvent(hub.EventAlert, a))
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func appendAlert(alerts []fleet.Alert, a fleet.Alert) []fleet.Alert {
	const maxAlerts = 20
	alerts = append(alerts, a)
	if len(alerts) > maxAlerts {
		alerts = alerts[len(alerts)-maxAlerts:]
	}
	return alerts
}
