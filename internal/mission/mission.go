// Package mission supervises mission lifecycle: progress and ETA
// recomputation, staleness detection, and timeout-driven failure.
package mission

import (
	"context"
	"errors"
	"time"

	"github.com/TejasSiv/fleetcore/internal/fleet"
)

// Status is a mission lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when a mission does not exist in the store.
var ErrNotFound = errors.New("mission: not found")

// Mission is owned by the external CRUD layer; the supervisor reads it
// and writes back only progress, status, ETA and failure metadata.
type Mission struct {
	ID       string `json:"id"`
	DroneID  string `json:"droneId,omitempty"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"` // 1..5, higher is more urgent

	Progress        float64 `json:"progress"` // percent
	CurrentWaypoint int     `json:"currentWaypoint"`

	StartedAt           time.Time `json:"startedAt,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
	EstimatedCompletion time.Time `json:"estimatedCompletion,omitempty"`
	FailureReason       string    `json:"failureReason,omitempty"`
}

// Waypoint is one leg of a mission's route.
type Waypoint struct {
	ID        string         `json:"id"`
	MissionID string         `json:"missionId"`
	Sequence  int            `json:"sequence"`
	Position  fleet.Position `json:"position"`
	Action    string         `json:"action"` // e.g. "pickup", "dropoff", "waypoint"
	Completed bool           `json:"completed"`
}

// Store is the mission/waypoint collaborator. It is the source of truth;
// the supervisor refreshes from it and writes back supervised fields.
type Store interface {
	FindActive(ctx context.Context) ([]Mission, error)
	FindByStatus(ctx context.Context, status Status) ([]Mission, error)
	FindByID(ctx context.Context, id string) (Mission, error)
	Save(ctx context.Context, m Mission) error
	FindWaypointsByMission(ctx context.Context, missionID string) ([]Waypoint, error)
}

// validTransitions is the mission state machine. Supervisor-driven
// transitions (completed, failed) and external ones share the same table.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
