package storage

// The schema is created on first write-connection open. Sample rows are
// deduplicated on (drone_id, received_at) so retried batches are safe to
// resubmit.
const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS samples (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    drone_id        TEXT NOT NULL,
    received_at     TIMESTAMP NOT NULL,
    latitude        REAL NOT NULL,
    longitude       REAL NOT NULL,
    altitude        REAL NOT NULL,
    velocity_n      REAL NOT NULL,
    velocity_e      REAL NOT NULL,
    velocity_d      REAL NOT NULL,
    battery_level   REAL NOT NULL,
    battery_voltage REAL NOT NULL,
    gps_fix         INTEGER NOT NULL,
    num_satellites  INTEGER NOT NULL,
    hdop            REAL NOT NULL,
    signal_strength REAL NOT NULL,
    flight_mode     TEXT NOT NULL,
    temperature     REAL,
    wind_speed      REAL,
    UNIQUE (drone_id, received_at)
);

CREATE TABLE IF NOT EXISTS charging_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    drone_id    TEXT NOT NULL,
    station_id  TEXT NOT NULL,
    started_at  TIMESTAMP NOT NULL,
    ended_at    TIMESTAMP NOT NULL,
    start_level REAL NOT NULL,
    end_level   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS missions (
    id                   TEXT PRIMARY KEY,
    drone_id             TEXT,
    name                 TEXT NOT NULL,
    status               TEXT NOT NULL,
    priority             INTEGER NOT NULL DEFAULT 1,
    progress             REAL NOT NULL DEFAULT 0,
    current_waypoint     INTEGER NOT NULL DEFAULT 0,
    started_at           TIMESTAMP,
    updated_at           TIMESTAMP NOT NULL,
    estimated_completion TIMESTAMP,
    failure_reason       TEXT
);

CREATE TABLE IF NOT EXISTS waypoints (
    id         TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions (id),
    sequence   INTEGER NOT NULL,
    latitude   REAL NOT NULL,
    longitude  REAL NOT NULL,
    altitude   REAL NOT NULL,
    action     TEXT NOT NULL,
    completed  INTEGER NOT NULL DEFAULT 0
);`

const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_samples_drone_time ON samples (drone_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions (status);
CREATE INDEX IF NOT EXISTS idx_waypoints_mission ON waypoints (mission_id, sequence);`

const (
	insertSampleSQL = `
    INSERT OR IGNORE INTO samples (
        drone_id,
        received_at,
        latitude,
        longitude,
        altitude,
        velocity_n,
        velocity_e,
        velocity_d,
        battery_level,
        battery_voltage,
        gps_fix,
        num_satellites,
        hdop,
        signal_strength,
        flight_mode,
        temperature,
        wind_speed
    )
    VALUES `

	selectRecentSamplesSQL = `
SELECT
    drone_id,
    received_at,
    latitude,
    longitude,
    altitude,
    velocity_n,
    velocity_e,
    velocity_d,
    battery_level,
    battery_voltage,
    gps_fix,
    num_satellites,
    hdop,
    signal_strength,
    flight_mode,
    temperature,
    wind_speed
FROM samples
WHERE
    drone_id = ?
ORDER BY received_at DESC
LIMIT ?`

	insertChargingHistorySQL = `
INSERT INTO charging_history (drone_id,
                              station_id,
                              started_at,
                              ended_at,
                              start_level,
                              end_level)
VALUES (?, ?, ?, ?, ?, ?)`

	insertMissionSQL = `
INSERT INTO missions (id,
                      drone_id,
                      name,
                      status,
                      priority,
                      progress,
                      current_waypoint,
                      started_at,
                      updated_at,
                      estimated_completion,
                      failure_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertWaypointSQL = `
INSERT INTO waypoints (id,
                       mission_id,
                       sequence,
                       latitude,
                       longitude,
                       altitude,
                       action,
                       completed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectMissionColumns = `
SELECT
    id,
    drone_id,
    name,
    status,
    priority,
    progress,
    current_waypoint,
    started_at,
    updated_at,
    estimated_completion,
    failure_reason
FROM missions`

	selectMissionsByStatusSQL = selectMissionColumns + `
WHERE
    status = ?
ORDER BY updated_at`

	selectMissionByIDSQL = selectMissionColumns + `
WHERE
    id = ?`

	updateMissionSQL = `
UPDATE missions
SET drone_id             = ?,
    status               = ?,
    progress             = ?,
    current_waypoint     = ?,
    started_at           = ?,
    updated_at           = ?,
    estimated_completion = ?,
    failure_reason       = ?
WHERE id = ?`

	selectWaypointsSQL = `
SELECT
    id,
    mission_id,
    sequence,
    latitude,
    longitude,
    altitude,
    action,
    completed
FROM waypoints
WHERE
    mission_id = ?
ORDER BY sequence`
)
