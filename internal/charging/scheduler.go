package charging

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

const (
	// Battery thresholds for the auto-enqueue policy.
	emergencyBattery  = 15.0
	lowBattery        = 25.0
	preMissionBattery = 80.0

	// DefaultTargetLevel is the battery level a session charges to.
	DefaultTargetLevel = 90.0

	// DefaultFlightTimeBonus is the cumulative flight time beyond which a
	// request earns an extra priority point.
	DefaultFlightTimeBonus = 2 * time.Hour

	maxPriority = 5
	minPriority = 1
)

var criticalKeywords = []string{"critical", "emergency", "medical"}
var highKeywords = []string{"priority", "express", "urgent"}

// WithSelector replaces the station selection strategy.
func WithSelector(sel StationSelector) func(*Scheduler) {
	return func(s *Scheduler) {
		s.selector = sel
	}
}

// WithMissions wires the mission directory used for urgency scoring and
// the pre-mission auto-enqueue rule.
func WithMissions(dir MissionDirectory) func(*Scheduler) {
	return func(s *Scheduler) {
		s.missions = dir
	}
}

// WithHistory wires the durable charging history sink.
func WithHistory(store HistoryStore) func(*Scheduler) {
	return func(s *Scheduler) {
		s.history = store
	}
}

// WithTargetLevel sets the battery level sessions charge to.
func WithTargetLevel(level float64) func(*Scheduler) {
	return func(s *Scheduler) {
		s.targetLevel = level
	}
}

// WithSchedulerLogger sets the logger for the scheduler.
func WithSchedulerLogger(logger *slog.Logger) func(*Scheduler) {
	return func(s *Scheduler) {
		s.logger = logger.With(slog.String("component", "charging"))
	}
}

// Scheduler owns the charging queue and the station pool. All queue and
// station state lives behind one mutex; correctness of the dense
// queue-position invariant matters more than asymptotic cost at fleet
// scale.
type Scheduler struct {
	fleet    *fleet.Fleet
	pub      hub.Publisher
	logger   *slog.Logger
	selector StationSelector
	missions MissionDirectory
	history  HistoryStore

	targetLevel     float64
	flightTimeBonus time.Duration
	now             func() time.Time

	mu       sync.Mutex
	queue    []*QueueItem
	stations map[string]*Station
}

// NewScheduler creates a scheduler over the given station pool.
func NewScheduler(f *fleet.Fleet, pub hub.Publisher, stations []Station, options ...func(*Scheduler)) *Scheduler {
	s := Scheduler{
		fleet:           f,
		pub:             pub,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		selector:        FastestAvailable,
		targetLevel:     DefaultTargetLevel,
		flightTimeBonus: DefaultFlightTimeBonus,
		now:             time.Now,
		stations:        make(map[string]*Station, len(stations)),
	}

	for i := range stations {
		st := stations[i]
		if st.Status == "" {
			st.Status = StationAvailable
		}
		s.stations[st.ID] = &st
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Enqueue adds a charging request for the drone. A drone already queued
// is a contract violation: the existing item is returned unchanged.
func (s *Scheduler) Enqueue(d fleet.DroneState, reason Reason) *QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.queue {
		if item.DroneID == d.ID {
			return item
		}
	}

	item := &QueueItem{
		ID:                   uuid.NewString(),
		DroneID:              d.ID,
		Priority:             s.score(d, reason),
		BatteryLevel:         d.BatteryLevel,
		RequestedAt:          s.now().UTC(),
		ExpectedChargingTime: s.expectedTime(d.BatteryLevel),
		Reason:               reason,
	}
	s.queue = append(s.queue, item)
	s.resortLocked()

	s.logger.Info("charging request queued",
		slog.String("droneID", d.ID),
		slog.String("reason", string(reason)),
		slog.Int("priority", item.Priority),
		slog.Int("position", item.QueuePosition))

	return item
}

// Dequeue removes a drone's pending request. Returns false if the drone
// is not queued.
func (s *Scheduler) Dequeue(droneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.queue {
		if item.DroneID == droneID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.resortLocked()
			return true
		}
	}
	return false
}

// AssignNext pairs the head of the queue with a station chosen by the
// selection strategy. Returns Assigned=false when the queue is empty or
// no station is available.
func (s *Scheduler) AssignNext() Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignNextLocked()
}

func (s *Scheduler) assignNextLocked() Assignment {
	if len(s.queue) == 0 {
		return Assignment{}
	}

	available := make([]Station, 0, len(s.stations))
	for _, st := range s.stations {
		if st.Status == StationAvailable {
			available = append(available, *st)
		}
	}

	stationID, ok := s.selector(available)
	if !ok {
		return Assignment{}
	}

	st := s.stations[stationID]
	if st == nil || st.Status != StationAvailable {
		// Selector returned a station outside the offered set; treat as
		// a contract violation and leave all state untouched.
		s.logger.Error("selector picked unavailable station", slog.String("stationID", stationID))
		return Assignment{}
	}

	item := s.queue[0]
	s.queue = s.queue[1:]
	s.resortLocked()

	now := s.now()
	st.Status = StationOccupied
	st.CurrentDrone = item.DroneID
	st.sessionStartedAt = now
	st.sessionStartLevel = item.BatteryLevel
	st.sessionLastUpdated = now
	st.EstimatedTimeRemaining = s.estimate(item.BatteryLevel, st.ChargingRate)

	s.fleet.Update(item.DroneID, func(d *fleet.DroneState) {
		d.Status = fleet.StatusCharging
	})

	s.logger.Info("charging session started",
		slog.String("droneID", item.DroneID),
		slog.String("stationID", st.ID),
		slog.Duration("estimated", st.EstimatedTimeRemaining))

	s.pub.Publish(hub.TopicFleet, hub.NewEvent(hub.EventFleetStatus, map[string]any{
		"event":     "charging_started",
		"droneId":   item.DroneID,
		"stationId": st.ID,
	}))

	return Assignment{Assigned: true, StationID: st.ID, DroneID: item.DroneID}
}

// CompleteSession ends the session on the station, records history, and
// eagerly chains the next assignment onto the freed station. Completing
// a station that is not occupied is a no-op returning false.
func (s *Scheduler) CompleteSession(ctx context.Context, stationID string, endBatteryLevel float64) bool {
	s.mu.Lock()

	st, ok := s.stations[stationID]
	if !ok || st.Status != StationOccupied || st.CurrentDrone == "" {
		s.mu.Unlock()
		return false
	}

	rec := HistoryRecord{
		DroneID:    st.CurrentDrone,
		StationID:  st.ID,
		StartedAt:  st.sessionStartedAt,
		EndedAt:    s.now().UTC(),
		StartLevel: st.sessionStartLevel,
		EndLevel:   endBatteryLevel,
	}

	droneID := st.CurrentDrone
	st.Status = StationAvailable
	st.CurrentDrone = ""
	st.EstimatedTimeRemaining = 0
	st.sessionStartedAt = time.Time{}

	s.fleet.Update(droneID, func(d *fleet.DroneState) {
		d.BatteryLevel = endBatteryLevel
		d.Status = fleet.StatusIdle
	})

	// Chain eagerly: pull queued drones onto free stations until the
	// queue is empty or no stations remain.
	for {
		if a := s.assignNextLocked(); !a.Assigned {
			break
		}
	}
	s.mu.Unlock()

	if s.history != nil {
		if err := s.history.AppendChargingHistory(ctx, rec); err != nil {
			s.logger.Warn("recording charging history failed",
				slog.String("droneID", rec.DroneID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("charging session completed",
		slog.String("droneID", droneID),
		slog.String("stationID", stationID),
		slog.Float64("endLevel", endBatteryLevel))

	s.pub.Publish(hub.TopicFleet, hub.NewEvent(hub.EventFleetStatus, map[string]any{
		"event":     "charging_completed",
		"droneId":   droneID,
		"stationId": stationID,
	}))

	return true
}

// Cycle runs one scheduling pass: advance in-progress sessions,
// auto-enqueue needy drones from the snapshot, and assign as many queued
// drones as stations allow.
func (s *Scheduler) Cycle(ctx context.Context, snapshot []fleet.DroneState) {
	s.progressSessions(ctx)
	s.autoEnqueue(snapshot)

	for {
		if a := s.AssignNext(); !a.Assigned {
			break
		}
	}
}

// progressSessions advances battery levels for occupied stations and
// auto-completes sessions that reached the target level.
func (s *Scheduler) progressSessions(ctx context.Context) {
	s.mu.Lock()
	var done []string
	now := s.now()
	for _, st := range s.stations {
		if st.Status != StationOccupied {
			continue
		}

		elapsed := now.Sub(st.sessionLastUpdated)
		st.sessionLastUpdated = now
		gain := st.ChargingRate * elapsed.Minutes()

		var level float64
		s.fleet.Update(st.CurrentDrone, func(d *fleet.DroneState) {
			d.BatteryLevel = min(d.BatteryLevel+gain, 100)
			level = d.BatteryLevel
		})

		if level >= s.targetLevel {
			done = append(done, st.ID)
		} else if st.ChargingRate > 0 {
			st.EstimatedTimeRemaining = time.Duration((s.targetLevel - level) / st.ChargingRate * float64(time.Minute))
		}
	}
	s.mu.Unlock()

	for _, stationID := range done {
		st, _ := s.Station(stationID)
		var level float64
		if d, ok := s.fleet.Get(st.CurrentDrone); ok {
			level = d.BatteryLevel
		}
		s.CompleteSession(ctx, stationID, level)
	}
}

// autoEnqueue applies the fleet-wide enqueue policy. Drones already
// queued or charging are skipped.
func (s *Scheduler) autoEnqueue(snapshot []fleet.DroneState) {
	for _, d := range snapshot {
		if d.Status == fleet.StatusCharging || d.Status == fleet.StatusMaintenance {
			continue
		}
		if s.queued(d.ID) {
			continue
		}

		switch {
		case d.BatteryLevel < emergencyBattery:
			s.Enqueue(d, ReasonEmergency)

		case d.BatteryLevel < lowBattery && d.Status == fleet.StatusIdle && d.CurrentMission == "":
			s.Enqueue(d, ReasonLowBattery)

		case d.BatteryLevel < preMissionBattery && s.pendingMission(d.ID):
			s.Enqueue(d, ReasonPreMission)
		}
	}
}

// score computes the 1..5 request priority.
func (s *Scheduler) score(d fleet.DroneState, reason Reason) int {
	var p int

	switch {
	case d.BatteryLevel < 10:
		p += 3
	case d.BatteryLevel < 20:
		p += 2
	case d.BatteryLevel < 30:
		p += 1
	}

	if s.missions != nil {
		if info, ok := s.missions.MissionForDrone(d.ID); ok {
			name := strings.ToLower(info.Name)
			if containsAny(name, criticalKeywords) {
				p += 2
			} else if containsAny(name, highKeywords) {
				p += 1
			}
		}
	}

	switch reason {
	case ReasonEmergency:
		p += 2
	case ReasonLowBattery, ReasonPreMission:
		p += 1
	}

	if d.TotalFlightTime > s.flightTimeBonus {
		p++
	}

	if p > maxPriority {
		p = maxPriority
	}
	if p < minPriority {
		p = minPriority
	}
	return p
}

// resortLocked re-establishes the queue's total order and reassigns
// dense 1..N positions. Caller holds s.mu.
//
// Order: priority descending, battery ascending, request time ascending.
func (s *Scheduler) resortLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.BatteryLevel != b.BatteryLevel {
			return a.BatteryLevel < b.BatteryLevel
		}
		return a.RequestedAt.Before(b.RequestedAt)
	})

	for i, item := range s.queue {
		item.QueuePosition = i + 1
	}
}

// Queue returns a copy of the queue in order.
func (s *Scheduler) Queue() []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueueItem, len(s.queue))
	for i, item := range s.queue {
		out[i] = *item
	}
	return out
}

// Stations returns a copy of the station pool, ordered by ID.
func (s *Scheduler) Stations() []Station {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Station returns a copy of one station.
func (s *Scheduler) Station(id string) (Station, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stations[id]
	if !ok {
		return Station{}, false
	}
	return *st, true
}

func (s *Scheduler) queued(droneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.queue {
		if item.DroneID == droneID {
			return true
		}
	}
	for _, st := range s.stations {
		if st.CurrentDrone == droneID {
			return true
		}
	}
	return false
}

func (s *Scheduler) pendingMission(droneID string) bool {
	if s.missions == nil {
		return false
	}
	info, ok := s.missions.MissionForDrone(droneID)
	return ok && info.Pending
}

// expectedTime estimates charge duration from the battery deficit and
// the best rate in the pool.
func (s *Scheduler) expectedTime(level float64) time.Duration {
	var best float64
	for _, st := range s.stations {
		if st.ChargingRate > best {
			best = st.ChargingRate
		}
	}
	return s.estimate(level, best)
}

func (s *Scheduler) estimate(level, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	deficit := s.targetLevel - level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / rate * float64(time.Minute))
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
