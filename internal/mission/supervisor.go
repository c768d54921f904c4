package mission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/TejasSiv/fleetcore/internal/charging"
	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

const (
	// DefaultMaxDuration is the hard ceiling on mission runtime before
	// the auto-fail rule applies.
	DefaultMaxDuration = time.Hour

	// DefaultFailFloor is the progress percentage at or above which a
	// long-running mission is spared from auto-failure.
	DefaultFailFloor = 50.0

	// progressNoise is the minimum progress movement worth persisting.
	progressNoise = 5.0

	// etaNoise is the minimum ETA movement worth persisting.
	etaNoise = 5 * time.Minute

	// staleAfter marks a cached mission record for refresh from the store.
	staleAfter = 5 * time.Minute

	// untouchedAfter flags a mission for operator attention in the sweep.
	untouchedAfter = 10 * time.Minute

	// attentionPriority flags unassigned missions at or above this
	// priority during the sweep.
	attentionPriority = 4
)

// WithMaxDuration sets the auto-fail runtime ceiling.
func WithMaxDuration(d time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.maxDuration = d
	}
}

// WithSupervisorLogger sets the logger for the supervisor.
func WithSupervisorLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		s.logger = logger.With(slog.String("component", "mission"))
	}
}

// Supervisor watches active missions, recomputes progress and ETA from
// waypoint completion, and drives the two supervisor-owned transitions:
// completion at 100% progress and timeout failure.
type Supervisor struct {
	store  Store
	fleet  *fleet.Fleet
	pub    hub.Publisher
	logger *slog.Logger

	maxDuration time.Duration
	failFloor   float64
	now         func() time.Time

	mu        sync.Mutex
	refreshed map[string]time.Time    // last refresh from the durable store
	byDrone   map[string]MissionBrief // index rebuilt every cycle
}

// MissionBrief is the per-drone mission summary kept for other
// subsystems (charging urgency scoring).
type MissionBrief struct {
	ID      string
	Name    string
	Status  Status
	Pending bool
}

// NewSupervisor creates a supervisor over the given mission store.
func NewSupervisor(store Store, f *fleet.Fleet, pub hub.Publisher, options ...func(*Supervisor)) *Supervisor {
	s := Supervisor{
		store:       store,
		fleet:       f,
		pub:         pub,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxDuration: DefaultMaxDuration,
		failFloor:   DefaultFailFloor,
		now:         time.Now,
		refreshed:   make(map[string]time.Time),
		byDrone:     make(map[string]MissionBrief),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// MissionForDrone implements charging.MissionDirectory from the index
// built on the last supervision cycle.
func (s *Supervisor) MissionForDrone(droneID string) (charging.MissionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	brief, ok := s.byDrone[droneID]
	if !ok {
		return charging.MissionInfo{}, false
	}
	return charging.MissionInfo{Name: brief.Name, Pending: brief.Pending}, true
}

// Supervise runs one supervision cycle over all active missions.
func (s *Supervisor) Supervise(ctx context.Context) error {
	active, err := s.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active missions: %w", err)
	}
	pending, err := s.store.FindByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("loading pending missions: %w", err)
	}

	s.rebuildIndex(active, pending)

	now := s.now()
	for _, m := range active {
		m, err := s.maybeRefresh(ctx, m, now)
		if err != nil {
			s.logger.Warn("refreshing stale mission failed",
				slog.String("missionID", m.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.superviseOne(ctx, m, now); err != nil {
			// One mission's failure never stops the cycle for the rest.
			s.logger.Warn("supervision failed",
				slog.String("missionID", m.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// maybeRefresh re-reads a mission from the durable store when its record
// has not been updated within the staleness window.
func (s *Supervisor) maybeRefresh(ctx context.Context, m Mission, now time.Time) (Mission, error) {
	if now.Sub(m.UpdatedAt) <= staleAfter {
		return m, nil
	}

	s.mu.Lock()
	last, ok := s.refreshed[m.ID]
	s.mu.Unlock()
	if ok && now.Sub(last) <= staleAfter {
		return m, nil
	}

	s.logger.Warn("mission record stale, refreshing",
		slog.String("missionID", m.ID),
		slog.Duration("sinceUpdate", now.Sub(m.UpdatedAt)))

	fresh, err := s.store.FindByID(ctx, m.ID)
	if err != nil {
		return m, err
	}

	s.mu.Lock()
	s.refreshed[m.ID] = now
	s.mu.Unlock()
	return fresh, nil
}

func (s *Supervisor) superviseOne(ctx context.Context, m Mission, now time.Time) error {
	waypoints, err := s.store.FindWaypointsByMission(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("loading waypoints: %w", err)
	}

	var completed, current int
	for _, wp := range waypoints {
		if wp.Completed {
			completed++
		} else if current == 0 || wp.Sequence < current {
			current = wp.Sequence
		}
	}

	var progress float64
	if len(waypoints) > 0 {
		progress = float64(completed) / float64(len(waypoints)) * 100
	}

	dirty := false

	// Sub-threshold jitter is not worth the cache and broadcast churn.
	if math.Abs(progress-m.Progress) > progressNoise || progress >= 100 {
		m.Progress = progress
		m.CurrentWaypoint = current
		dirty = true

		s.pub.Publish(hub.TopicFleet, hub.NewEvent(hub.EventMissionProgressUpdated, map[string]any{
			"missionId": m.ID,
			"droneId":   m.DroneID,
			"progress":  progress,
		}))
	}

	if eta, ok := s.estimateCompletion(m, progress, now); ok {
		if m.EstimatedCompletion.IsZero() || absDuration(eta.Sub(m.EstimatedCompletion)) > etaNoise {
			m.EstimatedCompletion = eta
			dirty = true
		}
	}

	elapsed := now.Sub(m.StartedAt)
	switch {
	case progress >= 100:
		return s.transition(ctx, m, StatusCompleted, "")

	case !m.StartedAt.IsZero() && elapsed > s.maxDuration && progress < s.failFloor:
		reason := fmt.Sprintf("exceeded %s with %.0f%% progress", s.maxDuration, progress)
		return s.transition(ctx, m, StatusFailed, reason)
	}

	if dirty {
		m.UpdatedAt = now.UTC()
		if err := s.store.Save(ctx, m); err != nil {
			return fmt.Errorf("saving mission: %w", err)
		}
	}
	return nil
}

// estimateCompletion extrapolates the ETA linearly from progress rate.
func (s *Supervisor) estimateCompletion(m Mission, progress float64, now time.Time) (time.Time, bool) {
	if m.StartedAt.IsZero() || progress <= 0 || progress >= 100 {
		return time.Time{}, false
	}
	elapsed := now.Sub(m.StartedAt)
	remaining := time.Duration(float64(elapsed) * (100 - progress) / progress)
	return now.Add(remaining).UTC(), true
}

// Sweep is the secondary pass: it flags, but never auto-fails, missions
// that look abandoned, and unassigned missions that need an operator.
func (s *Supervisor) Sweep(ctx context.Context) error {
	now := s.now()

	active, err := s.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active missions: %w", err)
	}
	for _, m := range active {
		if now.Sub(m.UpdatedAt) > untouchedAfter {
			s.logger.Warn("mission untouched, flagging for attention",
				slog.String("missionID", m.ID),
				slog.Duration("sinceUpdate", now.Sub(m.UpdatedAt)))

			s.pub.Publish(hub.TopicAlerts, hub.NewEvent(hub.EventAlert, map[string]any{
				"severity":  fleet.SeverityWarning,
				"category":  "mission_untouched",
				"missionId": m.ID,
			}))
		}
	}

	pending, err := s.store.FindByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("loading pending missions: %w", err)
	}
	for _, m := range pending {
		if m.DroneID == "" && m.Priority >= attentionPriority {
			s.logger.Warn("high-priority mission unassigned",
				slog.String("missionID", m.ID),
				slog.Int("priority", m.Priority))

			s.pub.Publish(hub.TopicAlerts, hub.NewEvent(hub.EventAlert, map[string]any{
				"severity":  fleet.SeverityWarning,
				"category":  "mission_unassigned",
				"missionId": m.ID,
			}))
		}
	}
	return nil
}

// transition moves the mission to a new status through the state
// machine, persists it, and broadcasts the change. Timeout failure is a
// first-class transition, not an error.
func (s *Supervisor) transition(ctx context.Context, m Mission, to Status, reason string) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for mission %s", m.Status, to, m.ID)
	}

	from := m.Status
	m.Status = to
	m.FailureReason = reason
	m.UpdatedAt = s.now().UTC()

	if err := s.store.Save(ctx, m); err != nil {
		return fmt.Errorf("saving mission: %w", err)
	}

	if to == StatusCompleted || to == StatusFailed || to == StatusCancelled {
		if m.DroneID != "" {
			s.fleet.Update(m.DroneID, func(d *fleet.DroneState) {
				if d.CurrentMission == m.ID {
					d.CurrentMission = ""
				}
			})
		}
	}

	s.logger.Info("mission status changed",
		slog.String("missionID", m.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))

	s.pub.Publish(hub.TopicFleet, hub.NewEvent(hub.EventMissionStatusChanged, map[string]any{
		"missionId": m.ID,
		"droneId":   m.DroneID,
		"from":      from,
		"to":        to,
		"reason":    reason,
	}))
	return nil
}

// Start, Pause, Resume and Cancel are the externally driven transitions,
// exposed for the API layer outside this core.

func (s *Supervisor) Start(ctx context.Context, id string) error {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	m.StartedAt = s.now().UTC()
	return s.transition(ctx, m, StatusActive, "")
}

func (s *Supervisor) Pause(ctx context.Context, id string) error {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, m, StatusPaused, "")
}

func (s *Supervisor) Resume(ctx context.Context, id string) error {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, m, StatusActive, "")
}

func (s *Supervisor) Cancel(ctx context.Context, id, reason string) error {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, m, StatusCancelled, reason)
}

// Assign binds a pending mission to a drone and broadcasts the pairing.
func (s *Supervisor) Assign(ctx context.Context, missionID, droneID string) error {
	m, err := s.store.FindByID(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return fmt.Errorf("mission %s is %s, expected pending", missionID, m.Status)
	}

	m.DroneID = droneID
	m.UpdatedAt = s.now().UTC()
	if err := s.store.Save(ctx, m); err != nil {
		return fmt.Errorf("saving mission: %w", err)
	}

	s.fleet.Update(droneID, func(d *fleet.DroneState) {
		d.CurrentMission = missionID
	})

	s.pub.Publish(hub.TopicFleet, hub.NewEvent(hub.EventMissionAssigned, map[string]any{
		"missionId": missionID,
		"droneId":   droneID,
	}))
	return nil
}

func (s *Supervisor) rebuildIndex(active, pending []Mission) {
	byDrone := make(map[string]MissionBrief, len(active)+len(pending))
	for _, m := range pending {
		if m.DroneID != "" {
			byDrone[m.DroneID] = MissionBrief{ID: m.ID, Name: m.Name, Status: m.Status, Pending: true}
		}
	}
	for _, m := range active {
		if m.DroneID != "" {
			byDrone[m.DroneID] = MissionBrief{ID: m.ID, Name: m.Name, Status: m.Status}
		}
	}

	s.mu.Lock()
	s.byDrone = byDrone
	s.mu.Unlock()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
