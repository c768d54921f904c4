package charging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

type nopPub struct{}

func (nopPub) Publish(string, hub.Event) {}

type historyRecorder struct {
	mu      sync.Mutex
	records []HistoryRecord
}

func (h *historyRecorder) AppendChargingHistory(_ context.Context, rec HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

type missionDir map[string]MissionInfo

func (d missionDir) MissionForDrone(droneID string) (MissionInfo, bool) {
	info, ok := d[droneID]
	return info, ok
}

func droneState(id string, battery float64, status fleet.Status) fleet.DroneState {
	return fleet.DroneState{ID: id, BatteryLevel: battery, Status: status}
}

func testFleet(t *testing.T, drones ...fleet.DroneState) *fleet.Fleet {
	t.Helper()

	f := fleet.New()
	for _, d := range drones {
		d := d
		if err := f.Add(&d); err != nil {
			t.Fatalf("Failed to add drone %s: %v", d.ID, err)
		}
	}
	return f
}

func TestScheduler_QueueOrder(t *testing.T) {
	f := testFleet(t,
		droneState("DRN-001", 22, fleet.StatusIdle),
		droneState("DRN-002", 8, fleet.StatusInFlight),
	)
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 1.5}})

	// Low-battery request first, emergency second. The emergency request
	// must still land at the head of the queue.
	low, _ := f.Get("DRN-001")
	s.Enqueue(low, ReasonLowBattery)
	urgent, _ := f.Get("DRN-002")
	s.Enqueue(urgent, ReasonEmergency)

	queue := s.Queue()
	if len(queue) != 2 {
		t.Fatalf("Expected 2 queued requests, got %d", len(queue))
	}
	if queue[0].DroneID != "DRN-002" {
		t.Errorf("Expected emergency request at the head, got %s", queue[0].DroneID)
	}
	if queue[0].Priority <= queue[1].Priority {
		t.Errorf("Expected emergency priority above low-battery: %d vs %d", queue[0].Priority, queue[1].Priority)
	}

	// Positions are dense 1..N.
	for i, item := range queue {
		if item.QueuePosition != i+1 {
			t.Errorf("Item %d has position %d, want %d", i, item.QueuePosition, i+1)
		}
	}
}

func TestScheduler_QueueTieBreaks(t *testing.T) {
	f := testFleet(t,
		droneState("DRN-001", 28, fleet.StatusIdle),
		droneState("DRN-002", 24, fleet.StatusIdle),
		droneState("DRN-003", 24, fleet.StatusIdle),
	)
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 1.5}})

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	for _, id := range []string{"DRN-001", "DRN-002", "DRN-003"} {
		d, _ := f.Get(id)
		s.Enqueue(d, ReasonManual)
		clock = clock.Add(time.Second)
	}

	queue := s.Queue()
	// Equal priority: lower battery wins; equal battery: earlier request wins.
	want := []string{"DRN-002", "DRN-003", "DRN-001"}
	for i, id := range want {
		if queue[i].DroneID != id {
			t.Errorf("Position %d: expected %s, got %s", i+1, id, queue[i].DroneID)
		}
	}
}

func TestScheduler_EnqueueDuplicate(t *testing.T) {
	f := testFleet(t, droneState("DRN-001", 20, fleet.StatusIdle))
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 1.5}})

	d, _ := f.Get("DRN-001")
	first := s.Enqueue(d, ReasonLowBattery)
	second := s.Enqueue(d, ReasonEmergency)

	if second.ID != first.ID {
		t.Error("Duplicate enqueue should return the existing request")
	}
	if len(s.Queue()) != 1 {
		t.Errorf("Expected 1 queued request, got %d", len(s.Queue()))
	}
}

func TestScheduler_Dequeue(t *testing.T) {
	f := testFleet(t,
		droneState("DRN-001", 20, fleet.StatusIdle),
		droneState("DRN-002", 25, fleet.StatusIdle),
	)
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 1.5}})

	for _, id := range []string{"DRN-001", "DRN-002"} {
		d, _ := f.Get(id)
		s.Enqueue(d, ReasonManual)
	}

	if !s.Dequeue("DRN-001") {
		t.Error("Dequeue of a queued drone should return true")
	}
	if s.Dequeue("DRN-001") {
		t.Error("Dequeue of an absent drone should return false")
	}

	queue := s.Queue()
	if len(queue) != 1 || queue[0].QueuePosition != 1 {
		t.Errorf("Positions not re-densified after removal: %+v", queue)
	}
}

func TestScheduler_AssignNextPicksFastestStation(t *testing.T) {
	f := testFleet(t, droneState("DRN-001", 20, fleet.StatusIdle))
	s := NewScheduler(f, nopPub{}, []Station{
		{ID: "ST-1", ChargingRate: 1.2},
		{ID: "ST-2", ChargingRate: 2.0},
	})

	d, _ := f.Get("DRN-001")
	s.Enqueue(d, ReasonLowBattery)

	a := s.AssignNext()
	if !a.Assigned {
		t.Fatal("Expected an assignment")
	}
	if a.StationID != "ST-2" {
		t.Errorf("Expected the fastest station, got %s", a.StationID)
	}

	st, _ := s.Station("ST-2")
	if st.Status != StationOccupied || st.CurrentDrone != "DRN-001" {
		t.Errorf("Station not occupied by the drone: %+v", st)
	}
	if len(s.Queue()) != 0 {
		t.Errorf("Queue should be empty after assignment, got %d", len(s.Queue()))
	}

	got, _ := f.Get("DRN-001")
	if got.Status != fleet.StatusCharging {
		t.Errorf("Drone status should be charging, got %s", got.Status)
	}
}

func TestScheduler_AssignNextNoStation(t *testing.T) {
	f := testFleet(t, droneState("DRN-001", 20, fleet.StatusIdle))
	s := NewScheduler(f, nopPub{}, nil)

	d, _ := f.Get("DRN-001")
	s.Enqueue(d, ReasonLowBattery)

	if a := s.AssignNext(); a.Assigned {
		t.Error("Assignment without stations should fail")
	}
	if len(s.Queue()) != 1 {
		t.Error("Failed assignment must leave the queue untouched")
	}
}

func TestScheduler_CompleteSessionChains(t *testing.T) {
	ctx := context.Background()
	f := testFleet(t,
		droneState("DRN-001", 20, fleet.StatusIdle),
		droneState("DRN-002", 18, fleet.StatusIdle),
	)
	history := &historyRecorder{}
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 2.0}},
		WithHistory(history))

	for _, id := range []string{"DRN-001", "DRN-002"} {
		d, _ := f.Get(id)
		s.Enqueue(d, ReasonLowBattery)
	}

	first := s.AssignNext()
	if !first.Assigned {
		t.Fatal("Expected first assignment")
	}

	if !s.CompleteSession(ctx, "ST-1", 92) {
		t.Fatal("CompleteSession returned false for an occupied station")
	}

	done, _ := f.Get(first.DroneID)
	if done.BatteryLevel != 92 || done.Status != fleet.StatusIdle {
		t.Errorf("Completed drone state wrong: battery=%v status=%s", done.BatteryLevel, done.Status)
	}

	if len(history.records) != 1 {
		t.Fatalf("Expected 1 history record, got %d", len(history.records))
	}
	if history.records[0].EndLevel != 92 {
		t.Errorf("History end level = %v, want 92", history.records[0].EndLevel)
	}

	// The freed station is immediately handed to the next queued drone.
	st, _ := s.Station("ST-1")
	if st.Status != StationOccupied {
		t.Errorf("Expected eager chaining to occupy the station, got %s", st.Status)
	}
	if st.CurrentDrone == first.DroneID {
		t.Error("Station still assigned to the completed drone")
	}
	if len(s.Queue()) != 0 {
		t.Errorf("Expected empty queue after chaining, got %d", len(s.Queue()))
	}
}

func TestScheduler_CompleteSessionNotOccupied(t *testing.T) {
	f := testFleet(t)
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 2.0}})

	if s.CompleteSession(context.Background(), "ST-1", 90) {
		t.Error("Completing an idle station should return false")
	}
	if s.CompleteSession(context.Background(), "ST-404", 90) {
		t.Error("Completing an unknown station should return false")
	}
}

func TestScheduler_AutoEnqueuePolicy(t *testing.T) {
	f := testFleet(t,
		droneState("DRN-001", 8, fleet.StatusInFlight), // emergency
		droneState("DRN-002", 22, fleet.StatusIdle),    // low battery, idle
		droneState("DRN-003", 70, fleet.StatusIdle),    // pending mission
		droneState("DRN-004", 90, fleet.StatusIdle),    // healthy
		droneState("DRN-005", 22, fleet.StatusInFlight), // low battery but busy
	)

	// No stations, so queued requests stay observable.
	s := NewScheduler(f, nopPub{}, nil,
		WithMissions(missionDir{"DRN-003": {Name: "Resupply", Pending: true}}))

	s.Cycle(context.Background(), f.Snapshot())

	reasons := make(map[string]Reason)
	for _, item := range s.Queue() {
		reasons[item.DroneID] = item.Reason
	}

	if reasons["DRN-001"] != ReasonEmergency {
		t.Errorf("DRN-001 should be queued as emergency, got %q", reasons["DRN-001"])
	}
	if reasons["DRN-002"] != ReasonLowBattery {
		t.Errorf("DRN-002 should be queued as low_battery, got %q", reasons["DRN-002"])
	}
	if reasons["DRN-003"] != ReasonPreMission {
		t.Errorf("DRN-003 should be queued as pre_mission, got %q", reasons["DRN-003"])
	}
	if _, ok := reasons["DRN-004"]; ok {
		t.Error("Healthy drone should not be queued")
	}
	if _, ok := reasons["DRN-005"]; ok {
		t.Error("In-flight drone above the emergency floor should not be queued")
	}
}

func TestScheduler_MissionKeywordScoring(t *testing.T) {
	f := testFleet(t,
		droneState("DRN-001", 50, fleet.StatusIdle),
		droneState("DRN-002", 50, fleet.StatusIdle),
	)
	s := NewScheduler(f, nopPub{}, nil,
		WithMissions(missionDir{
			"DRN-001": {Name: "Critical medical delivery"},
			"DRN-002": {Name: "Standard delivery"},
		}))

	a, _ := f.Get("DRN-001")
	b, _ := f.Get("DRN-002")
	critical := s.Enqueue(a, ReasonManual)
	standard := s.Enqueue(b, ReasonManual)

	if critical.Priority <= standard.Priority {
		t.Errorf("Critical mission should outrank standard: %d vs %d", critical.Priority, standard.Priority)
	}
}

func TestScheduler_ProgressSessions(t *testing.T) {
	ctx := context.Background()
	f := testFleet(t, droneState("DRN-001", 80, fleet.StatusIdle))
	history := &historyRecorder{}
	s := NewScheduler(f, nopPub{}, []Station{{ID: "ST-1", ChargingRate: 2.0}},
		WithHistory(history))

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	d, _ := f.Get("DRN-001")
	s.Enqueue(d, ReasonManual)
	if a := s.AssignNext(); !a.Assigned {
		t.Fatal("Expected assignment")
	}

	// Five minutes at 2 %/min lands the drone at the 90 % target.
	clock = base.Add(5 * time.Minute)
	s.Cycle(ctx, f.Snapshot())

	got, _ := f.Get("DRN-001")
	if got.Status != fleet.StatusIdle {
		t.Errorf("Expected session auto-completed, drone status %s", got.Status)
	}
	if got.BatteryLevel < 90 {
		t.Errorf("Expected battery at target, got %v", got.BatteryLevel)
	}
	if len(history.records) != 1 {
		t.Errorf("Expected 1 history record, got %d", len(history.records))
	}

	st, _ := s.Station("ST-1")
	if st.Status != StationAvailable {
		t.Errorf("Station should be freed, got %s", st.Status)
	}
}
