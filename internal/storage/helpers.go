package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/TejasSiv/fleetcore/internal/mission"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func fromNullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func scanMission(scan func(dest ...any) error) (mission.Mission, error) {
	var m mission.Mission
	var droneID, failureReason sql.NullString
	var startedAt, estimatedCompletion sql.NullTime

	err := scan(
		&m.ID,
		&droneID,
		&m.Name,
		&m.Status,
		&m.Priority,
		&m.Progress,
		&m.CurrentWaypoint,
		&startedAt,
		&m.UpdatedAt,
		&estimatedCompletion,
		&failureReason,
	)
	if err != nil {
		return mission.Mission{}, err
	}

	m.DroneID = fromNullString(droneID)
	m.FailureReason = fromNullString(failureReason)
	m.StartedAt = fromNullTime(startedAt)
	m.EstimatedCompletion = fromNullTime(estimatedCompletion)
	return m, nil
}
