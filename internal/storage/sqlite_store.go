package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/TejasSiv/fleetcore/internal/charging"
	"github.com/TejasSiv/fleetcore/internal/mission"
	"github.com/TejasSiv/fleetcore/internal/telemetry"
)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a new database connection and initializes the
// schema using the Sqlite database
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		// The write connection creates the schema before any read.
		if _, err := s.getWriteDB(); err != nil {
			s.readDBErr = err
			return
		}

		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// InsertSamples writes the whole batch in one transaction. Rows are
// deduplicated on (drone_id, received_at), so a retried batch that was
// partially persisted inserts only the missing rows.
func (s *SqliteStore) InsertSamples(ctx context.Context, samples []telemetry.Sample) (err error) {
	if len(samples) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]any, 0, len(samples)*17)
	valuesPlaceholder := "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	var sb strings.Builder
	sb.WriteString(insertSampleSQL)

	for i, sample := range samples {
		values = append(values,
			sample.DroneID,
			sample.ReceivedAt.UTC(),
			sample.Position.Lat,
			sample.Position.Lng,
			sample.Position.Alt,
			sample.VelocityN,
			sample.VelocityE,
			sample.VelocityD,
			sample.BatteryLevel,
			sample.BatteryVoltage,
			sample.GPSFix,
			sample.NumSatellites,
			sample.HDOP,
			sample.SignalStrength,
			string(sample.FlightMode),
			sample.Temperature,
			sample.WindSpeed,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting samples: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// RecentSamples returns up to n samples for the drone, newest first.
func (s *SqliteStore) RecentSamples(ctx context.Context, droneID string, n int) (samples []telemetry.Sample, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectRecentSamplesSQL, droneID, n)
	if err != nil {
		err = fmt.Errorf("querying samples: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sample telemetry.Sample
		var mode string
		if err = rows.Scan(
			&sample.DroneID,
			&sample.ReceivedAt,
			&sample.Position.Lat,
			&sample.Position.Lng,
			&sample.Position.Alt,
			&sample.VelocityN,
			&sample.VelocityE,
			&sample.VelocityD,
			&sample.BatteryLevel,
			&sample.BatteryVoltage,
			&sample.GPSFix,
			&sample.NumSatellites,
			&sample.HDOP,
			&sample.SignalStrength,
			&mode,
			&sample.Temperature,
			&sample.WindSpeed,
		); err != nil {
			err = fmt.Errorf("scanning sample: %w", err)
			return
		}
		sample.FlightMode = telemetry.FlightMode(mode)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// AppendChargingHistory records one completed charging session.
func (s *SqliteStore) AppendChargingHistory(ctx context.Context, rec charging.HistoryRecord) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertChargingHistorySQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	_, err = stmt.ExecContext(ctx,
		rec.DroneID,
		rec.StationID,
		rec.StartedAt.UTC(),
		rec.EndedAt.UTC(),
		rec.StartLevel,
		rec.EndLevel,
	)
	if err != nil {
		return fmt.Errorf("inserting charging history: %w", err)
	}
	return nil
}

// CreateMission inserts a mission and its waypoints in one transaction.
func (s *SqliteStore) CreateMission(ctx context.Context, m mission.Mission, waypoints []mission.Waypoint) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	_, err = tx.ExecContext(ctx, insertMissionSQL,
		m.ID,
		nullString(m.DroneID),
		m.Name,
		string(m.Status),
		m.Priority,
		m.Progress,
		m.CurrentWaypoint,
		nullTime(m.StartedAt),
		m.UpdatedAt.UTC(),
		nullTime(m.EstimatedCompletion),
		nullString(m.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("inserting mission: %w", err)
	}

	for _, wp := range waypoints {
		_, err = tx.ExecContext(ctx, insertWaypointSQL,
			wp.ID,
			wp.MissionID,
			wp.Sequence,
			wp.Position.Lat,
			wp.Position.Lng,
			wp.Position.Alt,
			wp.Action,
			wp.Completed,
		)
		if err != nil {
			return fmt.Errorf("inserting waypoint: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// FindActive returns all missions currently in the active state.
func (s *SqliteStore) FindActive(ctx context.Context) ([]mission.Mission, error) {
	return s.FindByStatus(ctx, mission.StatusActive)
}

// FindByStatus returns all missions in the given state.
func (s *SqliteStore) FindByStatus(ctx context.Context, status mission.Status) (missions []mission.Mission, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectMissionsByStatusSQL, string(status))
	if err != nil {
		err = fmt.Errorf("querying missions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		m, sErr := scanMission(rows.Scan)
		if sErr != nil {
			err = fmt.Errorf("scanning mission: %w", sErr)
			return
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// FindByID returns one mission, or mission.ErrNotFound.
func (s *SqliteStore) FindByID(ctx context.Context, id string) (m mission.Mission, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	m, err = scanMission(db.QueryRowContext(ctx, selectMissionByIDSQL, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Mission{}, mission.ErrNotFound
	}
	if err != nil {
		return mission.Mission{}, fmt.Errorf("scanning mission: %w", err)
	}
	return m, nil
}

// Save writes back the supervised mission fields.
func (s *SqliteStore) Save(ctx context.Context, m mission.Mission) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	_, err = db.ExecContext(ctx, updateMissionSQL,
		nullString(m.DroneID),
		string(m.Status),
		m.Progress,
		m.CurrentWaypoint,
		nullTime(m.StartedAt),
		m.UpdatedAt.UTC(),
		nullTime(m.EstimatedCompletion),
		nullString(m.FailureReason),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating mission: %w", err)
	}
	return nil
}

// FindWaypointsByMission returns the mission's waypoints in sequence order.
func (s *SqliteStore) FindWaypointsByMission(ctx context.Context, missionID string) (waypoints []mission.Waypoint, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectWaypointsSQL, missionID)
	if err != nil {
		err = fmt.Errorf("querying waypoints: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var wp mission.Waypoint
		if err = rows.Scan(
			&wp.ID,
			&wp.MissionID,
			&wp.Sequence,
			&wp.Position.Lat,
			&wp.Position.Lng,
			&wp.Position.Alt,
			&wp.Action,
			&wp.Completed,
		); err != nil {
			err = fmt.Errorf("scanning waypoint: %w", err)
			return
		}
		waypoints = append(waypoints, wp)
	}
	return waypoints, rows.Err()
}

// Close closes the database connections.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

// The sqlite store must keep satisfying every collaborator interface.
var (
	_ Store                = (*SqliteStore)(nil)
	_ telemetry.Store      = (*SqliteStore)(nil)
	_ charging.HistoryStore = (*SqliteStore)(nil)
	_ mission.Store        = (*SqliteStore)(nil)
)
