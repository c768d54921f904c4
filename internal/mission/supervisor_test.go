package mission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

type fakeStore struct {
	mu        sync.Mutex
	missions  map[string]Mission
	waypoints map[string][]Waypoint
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		missions:  make(map[string]Mission),
		waypoints: make(map[string][]Waypoint),
	}
}

func (s *fakeStore) put(m Mission, waypoints ...Waypoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[m.ID] = m
	s.waypoints[m.ID] = waypoints
}

func (s *fakeStore) get(id string) Mission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missions[id]
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) FindActive(ctx context.Context) ([]Mission, error) {
	return s.FindByStatus(ctx, StatusActive)
}

func (s *fakeStore) FindByStatus(_ context.Context, status Status) ([]Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Mission
	for _, m := range s.missions {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByID(_ context.Context, id string) (Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.missions[id]
	if !ok {
		return Mission{}, ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) Save(_ context.Context, m Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[m.ID] = m
	s.saves++
	return nil
}

func (s *fakeStore) FindWaypointsByMission(_ context.Context, missionID string) ([]Waypoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waypoints[missionID], nil
}

type recordingPub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPub) Publish(_ string, event hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPub) ofType(t hub.EventType) []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []hub.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waypointRun(missionID string, total, completed int) []Waypoint {
	out := make([]Waypoint, 0, total)
	for i := 1; i <= total; i++ {
		out = append(out, Waypoint{
			ID:        fmt.Sprintf("WP-%d", i),
			MissionID: missionID,
			Sequence:  i,
			Completed: i <= completed,
		})
	}
	return out
}

func newTestSupervisor(t *testing.T, store Store) (*Supervisor, *fleet.Fleet, *recordingPub, time.Time) {
	t.Helper()

	f := fleet.New()
	if err := f.Add(&fleet.DroneState{ID: "DRN-001", Status: fleet.StatusInFlight}); err != nil {
		t.Fatalf("Failed to add drone: %v", err)
	}

	pub := &recordingPub{}
	s := NewSupervisor(store, f, pub)

	now := time.Now().UTC()
	s.now = func() time.Time { return now }
	return s, f, pub, now
}

func TestSupervisor_ProgressRecompute(t *testing.T) {
	store := newFakeStore()
	s, _, pub, now := newTestSupervisor(t, store)

	store.put(Mission{
		ID:        "M-1",
		DroneID:   "DRN-001",
		Name:      "Resupply",
		Status:    StatusActive,
		StartedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now,
	}, waypointRun("M-1", 4, 2)...)

	if err := s.Supervise(context.Background()); err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}

	m := store.get("M-1")
	if m.Progress != 50 {
		t.Errorf("Expected progress 50, got %v", m.Progress)
	}
	if m.CurrentWaypoint != 3 {
		t.Errorf("Expected current waypoint 3, got %d", m.CurrentWaypoint)
	}
	if m.EstimatedCompletion.IsZero() {
		t.Error("Expected an ETA")
	}

	if got := pub.ofType(hub.EventMissionProgressUpdated); len(got) != 1 {
		t.Errorf("Expected 1 progress event, got %d", len(got))
	}
}

func TestSupervisor_ProgressNoiseIgnored(t *testing.T) {
	store := newFakeStore()
	s, _, pub, now := newTestSupervisor(t, store)

	// Stored progress 52, recomputed 50: inside the 5-point noise band.
	// The ETA is pre-seeded close to the extrapolated value so neither
	// field marks the record dirty.
	store.put(Mission{
		ID:                  "M-1",
		DroneID:             "DRN-001",
		Status:              StatusActive,
		Progress:            52,
		StartedAt:           now.Add(-30 * time.Minute),
		UpdatedAt:           now,
		EstimatedCompletion: now.Add(28 * time.Minute),
	}, waypointRun("M-1", 4, 2)...)

	if err := s.Supervise(context.Background()); err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}

	if store.saveCount() != 0 {
		t.Errorf("Sub-threshold jitter should not be persisted, got %d saves", store.saveCount())
	}
	if got := pub.ofType(hub.EventMissionProgressUpdated); len(got) != 0 {
		t.Errorf("Expected no progress events, got %d", len(got))
	}
}

func TestSupervisor_CompletesAtFullProgress(t *testing.T) {
	store := newFakeStore()
	s, f, pub, now := newTestSupervisor(t, store)

	f.Update("DRN-001", func(d *fleet.DroneState) { d.CurrentMission = "M-1" })
	store.put(Mission{
		ID:        "M-1",
		DroneID:   "DRN-001",
		Status:    StatusActive,
		StartedAt: now.Add(-20 * time.Minute),
		UpdatedAt: now,
	}, waypointRun("M-1", 3, 3)...)

	if err := s.Supervise(context.Background()); err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}

	m := store.get("M-1")
	if m.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", m.Status)
	}

	d, _ := f.Get("DRN-001")
	if d.CurrentMission != "" {
		t.Error("Completed mission should be cleared from the drone")
	}

	if got := pub.ofType(hub.EventMissionStatusChanged); len(got) != 1 {
		t.Errorf("Expected 1 status change event, got %d", len(got))
	}
}

func TestSupervisor_TimeoutFailure(t *testing.T) {
	testCases := []struct {
		name      string
		completed int // of 10 waypoints
		want      Status
	}{
		{"over time under floor", 4, StatusFailed},
		{"over time at floor", 5, StatusActive},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			s, _, _, now := newTestSupervisor(t, store)

			store.put(Mission{
				ID:        "M-1",
				DroneID:   "DRN-001",
				Status:    StatusActive,
				StartedAt: now.Add(-61 * time.Minute),
				UpdatedAt: now,
			}, waypointRun("M-1", 10, tc.completed)...)

			if err := s.Supervise(context.Background()); err != nil {
				t.Fatalf("Supervise failed: %v", err)
			}

			m := store.get("M-1")
			if m.Status != tc.want {
				t.Errorf("Expected status %s, got %s", tc.want, m.Status)
			}
			if tc.want == StatusFailed && m.FailureReason == "" {
				t.Error("Failed mission must carry a failure reason")
			}
		})
	}
}

func TestSupervisor_ExternalTransitions(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s, _, _, _ := newTestSupervisor(t, store)

	store.put(Mission{ID: "M-1", DroneID: "DRN-001", Status: StatusPending, UpdatedAt: time.Now()})

	if err := s.Start(ctx, "M-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m := store.get("M-1"); m.Status != StatusActive || m.StartedAt.IsZero() {
		t.Errorf("Start did not activate: %+v", m)
	}

	if err := s.Pause(ctx, "M-1"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := s.Resume(ctx, "M-1"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := s.Cancel(ctx, "M-1", "operator abort"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	m := store.get("M-1")
	if m.Status != StatusCancelled || m.FailureReason != "operator abort" {
		t.Errorf("Cancel did not apply: %+v", m)
	}

	// Terminal states accept no further transitions.
	if err := s.Start(ctx, "M-1"); err == nil {
		t.Error("Expected error restarting a cancelled mission")
	}
}

func TestSupervisor_Assign(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s, f, pub, _ := newTestSupervisor(t, store)

	store.put(Mission{ID: "M-1", Status: StatusPending, UpdatedAt: time.Now()})

	if err := s.Assign(ctx, "M-1", "DRN-001"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if m := store.get("M-1"); m.DroneID != "DRN-001" {
		t.Errorf("Mission not bound to drone: %+v", m)
	}
	d, _ := f.Get("DRN-001")
	if d.CurrentMission != "M-1" {
		t.Errorf("Drone not bound to mission: %q", d.CurrentMission)
	}
	if got := pub.ofType(hub.EventMissionAssigned); len(got) != 1 {
		t.Errorf("Expected 1 assignment event, got %d", len(got))
	}

	// Only pending missions may be assigned.
	store.put(Mission{ID: "M-2", Status: StatusActive, UpdatedAt: time.Now()})
	if err := s.Assign(ctx, "M-2", "DRN-001"); err == nil {
		t.Error("Expected error assigning an active mission")
	}
}

func TestSupervisor_MissionForDrone(t *testing.T) {
	store := newFakeStore()
	s, _, _, now := newTestSupervisor(t, store)

	store.put(Mission{ID: "M-1", DroneID: "DRN-001", Name: "Resupply", Status: StatusActive, StartedAt: now, UpdatedAt: now},
		waypointRun("M-1", 2, 0)...)
	store.put(Mission{ID: "M-2", DroneID: "DRN-002", Name: "Survey", Status: StatusPending, UpdatedAt: now})

	if err := s.Supervise(context.Background()); err != nil {
		t.Fatalf("Supervise failed: %v", err)
	}

	info, ok := s.MissionForDrone("DRN-001")
	if !ok || info.Name != "Resupply" || info.Pending {
		t.Errorf("Active mission lookup wrong: %+v ok=%v", info, ok)
	}

	info, ok = s.MissionForDrone("DRN-002")
	if !ok || !info.Pending {
		t.Errorf("Pending mission lookup wrong: %+v ok=%v", info, ok)
	}

	if _, ok = s.MissionForDrone("DRN-404"); ok {
		t.Error("Unknown drone should have no mission")
	}
}

func TestSupervisor_Sweep(t *testing.T) {
	store := newFakeStore()
	s, _, pub, now := newTestSupervisor(t, store)

	store.put(Mission{ID: "M-1", DroneID: "DRN-001", Status: StatusActive, StartedAt: now, UpdatedAt: now.Add(-11 * time.Minute)})
	store.put(Mission{ID: "M-2", Status: StatusPending, Priority: 4, UpdatedAt: now})
	store.put(Mission{ID: "M-3", Status: StatusPending, Priority: 2, UpdatedAt: now})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	alerts := pub.ofType(hub.EventAlert)
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 attention alerts, got %d", len(alerts))
	}

	// The sweep only flags; nothing is failed or reassigned.
	if m := store.get("M-1"); m.Status != StatusActive {
		t.Errorf("Sweep must not change mission status, got %s", m.Status)
	}
	if store.saveCount() != 0 {
		t.Errorf("Sweep must not persist changes, got %d saves", store.saveCount())
	}
}
