// Package storage persists telemetry batches, charging history, and
// mission data in SQLite. It implements the durable-store collaborator
// interfaces declared by the telemetry, charging, and mission packages.
package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TejasSiv/fleetcore/internal/charging"
	"github.com/TejasSiv/fleetcore/internal/mission"
	"github.com/TejasSiv/fleetcore/internal/telemetry"
)

// Store is the durable storage surface of the core. All writes are
// atomic; batch inserts are idempotent so the pipeline may retry a
// partially persisted batch.
type Store interface {
	// InsertSamples writes a telemetry batch in a single transaction.
	// Duplicate samples (same drone and receive time) are ignored.
	InsertSamples(ctx context.Context, samples []telemetry.Sample) error

	// RecentSamples returns up to n samples for a drone, newest first.
	RecentSamples(ctx context.Context, droneID string, n int) ([]telemetry.Sample, error)

	// AppendChargingHistory records one completed charging session.
	AppendChargingHistory(ctx context.Context, rec charging.HistoryRecord) error

	// CreateMission inserts a mission and its waypoints.
	CreateMission(ctx context.Context, m mission.Mission, waypoints []mission.Waypoint) error

	// Mission store surface used by the supervisor.
	FindActive(ctx context.Context) ([]mission.Mission, error)
	FindByStatus(ctx context.Context, status mission.Status) ([]mission.Mission, error)
	FindByID(ctx context.Context, id string) (mission.Mission, error)
	Save(ctx context.Context, m mission.Mission) error
	FindWaypointsByMission(ctx context.Context, missionID string) ([]mission.Waypoint, error)

	// Close releases all database connections. Safe to call twice.
	Close() error
}
