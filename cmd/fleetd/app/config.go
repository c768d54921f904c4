package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values like "5s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration, or fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config is the main application configuration.
type Config struct {
	Settings     Settings           `yaml:"settings"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Ingestion    IngestionConfig    `yaml:"ingestion"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Charging     ChargingConfig     `yaml:"charging"`
	Missions     MissionConfig      `yaml:"missions"`
	Hub          HubConfig          `yaml:"hub"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Cache        CacheConfig        `yaml:"cache"`
}

// Settings represents global application settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// SlogLevel maps the configured level name onto a slog level.
func (s Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DroneConfig bootstraps one simulated drone.
type DroneConfig struct {
	ID   string  `yaml:"id"`
	Lat  float64 `yaml:"lat"`
	Lng  float64 `yaml:"lng"`
	Alt  float64 `yaml:"alt"`
	Seed int64   `yaml:"seed"` // 0 picks a time-based seed
}

// FleetConfig describes the simulated fleet.
type FleetConfig struct {
	Drones         []DroneConfig `yaml:"drones"`
	SampleInterval Duration      `yaml:"sampleInterval"`
}

// IngestionConfig tunes the telemetry pipeline.
type IngestionConfig struct {
	BatchSize     int      `yaml:"batchSize"`
	FlushInterval Duration `yaml:"flushInterval"`
	MaxRetries    int      `yaml:"maxRetries"`
	StreamMaxLen  int      `yaml:"streamMaxLen"`
}

// CoordinationConfig tunes the collision engine.
type CoordinationConfig struct {
	Separation       float64  `yaml:"separation"` // meters
	PredictionWindow Duration `yaml:"predictionWindow"`
	ManeuverDuration Duration `yaml:"maneuverDuration"`
	MinCycleInterval Duration `yaml:"minCycleInterval"`
}

// StationConfig bootstraps one charging station.
type StationConfig struct {
	ID           string  `yaml:"id"`
	ChargingRate float64 `yaml:"chargingRate"` // percent per minute
}

// ChargingConfig describes the station pool and scheduling cadence.
type ChargingConfig struct {
	Stations      []StationConfig `yaml:"stations"`
	TargetLevel   float64         `yaml:"targetLevel"`
	CycleInterval Duration        `yaml:"cycleInterval"`
}

// WaypointSeed is one leg of a seeded demo mission.
type WaypointSeed struct {
	Lat    float64 `yaml:"lat"`
	Lng    float64 `yaml:"lng"`
	Alt    float64 `yaml:"alt"`
	Action string  `yaml:"action"`
}

// MissionSeed bootstraps one demo mission into the store.
type MissionSeed struct {
	Name      string         `yaml:"name"`
	Priority  int            `yaml:"priority"`
	DroneID   string         `yaml:"droneId"`
	AutoStart bool           `yaml:"autoStart"`
	Waypoints []WaypointSeed `yaml:"waypoints"`
}

// MissionConfig tunes the supervisor and seeds demo missions.
type MissionConfig struct {
	SuperviseInterval Duration      `yaml:"superviseInterval"`
	SweepInterval     Duration      `yaml:"sweepInterval"`
	MaxDuration       Duration      `yaml:"maxDuration"`
	Seed              []MissionSeed `yaml:"seed"`
}

// HubConfig tunes the broadcast hub.
type HubConfig struct {
	QueueSize    int      `yaml:"queueSize"`
	PingInterval Duration `yaml:"pingInterval"`
	PongTimeout  Duration `yaml:"pongTimeout"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig represents storage settings.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// CacheConfig selects the cache backend. An empty address selects the
// in-process cache.
type CacheConfig struct {
	RedisAddress string `yaml:"redisAddress"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(p, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(config.Fleet.Drones) == 0 {
		return nil, fmt.Errorf("no drones configured")
	}
	seen := make(map[string]struct{}, len(config.Fleet.Drones))
	for _, d := range config.Fleet.Drones {
		if d.ID == "" {
			return nil, fmt.Errorf("drone with empty id")
		}
		if _, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("duplicate drone id %s", d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	if len(config.Charging.Stations) == 0 {
		return nil, fmt.Errorf("no charging stations configured")
	}
	for _, st := range config.Charging.Stations {
		if st.ID == "" || st.ChargingRate <= 0 {
			return nil, fmt.Errorf("invalid station config: id=%q rate=%f", st.ID, st.ChargingRate)
		}
	}

	if config.Server.Address == "" {
		config.Server.Address = ":8080"
	}

	return &config, nil
}
