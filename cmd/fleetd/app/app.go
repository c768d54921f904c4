package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TejasSiv/fleetcore/internal/cache"
	"github.com/TejasSiv/fleetcore/internal/charging"
	"github.com/TejasSiv/fleetcore/internal/coord"
	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
	"github.com/TejasSiv/fleetcore/internal/mission"
	"github.com/TejasSiv/fleetcore/internal/storage"
	"github.com/TejasSiv/fleetcore/internal/telemetry"
)

const (
	storageDir = "data"

	defaultSampleInterval    = time.Second
	defaultChargingInterval  = 2 * time.Second
	defaultSuperviseInterval = 10 * time.Second
	defaultSweepInterval     = 30 * time.Second
	defaultMinCycleInterval  = time.Second
)

// Run wires the subsystems together and blocks until ctx is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	c := createCache(&config.Cache)
	defer c.Close()

	broadcast := hub.New(hubOptions(&config.Hub, logger)...)

	flt := fleet.New()
	for _, d := range config.Fleet.Drones {
		err = flt.Add(&fleet.DroneState{
			ID:           d.ID,
			Position:     fleet.Position{Lat: d.Lat, Lng: d.Lng, Alt: d.Alt},
			Status:       fleet.StatusIdle,
			BatteryLevel: 100,
		})
		if err != nil {
			return fmt.Errorf("registering drone: %w", err)
		}
	}

	supervisor := mission.NewSupervisor(store, flt, broadcast,
		mission.WithMaxDuration(config.Missions.MaxDuration.Std(mission.DefaultMaxDuration)),
		mission.WithSupervisorLogger(logger))

	stations := make([]charging.Station, 0, len(config.Charging.Stations))
	for _, st := range config.Charging.Stations {
		stations = append(stations, charging.Station{ID: st.ID, ChargingRate: st.ChargingRate})
	}

	scheduler := charging.NewScheduler(flt, broadcast, stations,
		charging.WithMissions(supervisor),
		charging.WithHistory(store),
		charging.WithTargetLevel(targetLevel(config.Charging.TargetLevel)),
		charging.WithSchedulerLogger(logger))

	engine := coord.NewEngine(flt, broadcast, engineOptions(&config.Coordination, logger)...)

	pipeline := telemetry.NewPipeline(flt, store, c, broadcast, pipelineOptions(&config.Ingestion, logger)...)

	if err = seedMissions(ctx, store, supervisor, config.Missions.Seed, logger); err != nil {
		return fmt.Errorf("seeding missions: %w", err)
	}

	// A server or source failure tears the whole process down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := startServer(cancel, config.Server.Address, broadcast, flt, logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}()

	samples := make(chan telemetry.Sample, len(config.Fleet.Drones))
	startGate := make(chan struct{})

	var wg sync.WaitGroup

	for _, d := range config.Fleet.Drones {
		options := []func(*telemetry.SyntheticSource){
			telemetry.WithInterval(config.Fleet.SampleInterval.Std(defaultSampleInterval)),
		}
		if d.Seed != 0 {
			options = append(options, telemetry.WithSeed(d.Seed))
		}
		source := telemetry.NewSyntheticSource(d.ID, fleet.Position{Lat: d.Lat, Lng: d.Lng, Alt: d.Alt}, options...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			if err := source.Run(ctx, samples); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telemetry source failed",
					slog.String("droneID", source.DroneID()),
					slog.String("error", err.Error()))
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-startGate
		pipeline.Run(ctx, samples)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-startGate
		coordinationLoop(ctx, engine, flt, pipeline.Ticks(), config.Coordination.MinCycleInterval.Std(defaultMinCycleInterval))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-startGate
		chargingLoop(ctx, scheduler, flt, config.Charging.CycleInterval.Std(defaultChargingInterval))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-startGate
		missionLoop(ctx, supervisor, logger,
			config.Missions.SuperviseInterval.Std(defaultSuperviseInterval),
			config.Missions.SweepInterval.Std(defaultSweepInterval))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-startGate
		staleConnLoop(ctx, broadcast)
	}()

	logger.Info("fleet core started",
		slog.Int("drones", flt.Size()),
		slog.Int("stations", len(stations)),
		slog.String("address", config.Server.Address))

	close(startGate)
	wg.Wait()

	logger.Info("fleet core stopped")
	return nil
}

// coordinationLoop runs a collision check per telemetry tick, coalesced
// to at most one cycle per minInterval. Expired maneuvers are cleared at
// the top of every cycle so autonomy resumes before new checks run.
func coordinationLoop(ctx context.Context, engine *coord.Engine, flt *fleet.Fleet, ticks <-chan struct{}, minInterval time.Duration) {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticks:
			now := time.Now()
			if now.Sub(last) < minInterval {
				continue
			}
			last = now

			engine.ExpireManeuvers(now)
			engine.CheckCollisionRisks(flt.Snapshot())
		}
	}
}

func chargingLoop(ctx context.Context, scheduler *charging.Scheduler, flt *fleet.Fleet, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.Cycle(ctx, flt.Snapshot())
		}
	}
}

func missionLoop(ctx context.Context, supervisor *mission.Supervisor, logger *slog.Logger, superviseInterval, sweepInterval time.Duration) {
	supervise := time.NewTicker(superviseInterval)
	defer supervise.Stop()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-supervise.C:
			if err := supervisor.Supervise(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("supervision cycle failed", slog.String("error", err.Error()))
			}

		case <-sweep.C:
			if err := supervisor.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func staleConnLoop(ctx context.Context, broadcast *hub.Hub) {
	ticker := time.NewTicker(broadcast.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broadcast.CloseStale(time.Now())
		}
	}
}

// startServer exposes the websocket endpoint and a health probe. A
// listener failure cancels the run context.
func startServer(cancel context.CancelFunc, address string, broadcast *hub.Hub, flt *fleet.Fleet, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.NewWSHandler(broadcast, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","drones":%d,"connections":%d}`, flt.Size(), broadcast.Size())
	})

	srv := &http.Server{Addr: address, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	return srv
}

// seedMissions loads the configured demo missions into the store, binds
// those with a drone, and starts those marked autoStart.
func seedMissions(ctx context.Context, store *storage.SqliteStore, supervisor *mission.Supervisor, seeds []MissionSeed, logger *slog.Logger) error {
	now := time.Now().UTC()

	for _, seed := range seeds {
		m := mission.Mission{
			ID:        uuid.NewString(),
			Name:      seed.Name,
			Status:    mission.StatusPending,
			Priority:  seed.Priority,
			UpdatedAt: now,
		}

		waypoints := make([]mission.Waypoint, 0, len(seed.Waypoints))
		for i, wp := range seed.Waypoints {
			action := wp.Action
			if action == "" {
				action = "waypoint"
			}
			waypoints = append(waypoints, mission.Waypoint{
				ID:        uuid.NewString(),
				MissionID: m.ID,
				Sequence:  i + 1,
				Position:  fleet.Position{Lat: wp.Lat, Lng: wp.Lng, Alt: wp.Alt},
				Action:    action,
			})
		}

		if err := store.CreateMission(ctx, m, waypoints); err != nil {
			return fmt.Errorf("creating mission %s: %w", seed.Name, err)
		}

		if seed.DroneID != "" {
			if err := supervisor.Assign(ctx, m.ID, seed.DroneID); err != nil {
				return fmt.Errorf("assigning mission %s: %w", seed.Name, err)
			}
			if seed.AutoStart {
				if err := supervisor.Start(ctx, m.ID); err != nil {
					return fmt.Errorf("starting mission %s: %w", seed.Name, err)
				}
			}
		}

		logger.Info("mission seeded",
			slog.String("missionID", m.ID),
			slog.String("name", seed.Name),
			slog.Int("waypoints", len(waypoints)))
	}
	return nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	var dbPath string
	if config.DataDirectory != "" {
		dbPath = filepath.Join(wd, config.DataDirectory)
	} else {
		dbPath = filepath.Join(wd, storageDir)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("invalid storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("fleet_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}

func createCache(config *CacheConfig) cache.Cache {
	if config.RedisAddress != "" {
		return cache.NewRedis(config.RedisAddress)
	}
	return cache.NewMemory()
}

func hubOptions(config *HubConfig, logger *slog.Logger) []func(*hub.Hub) {
	options := []func(*hub.Hub){hub.WithLogger(logger)}
	if config.QueueSize > 0 {
		options = append(options, hub.WithQueueSize(config.QueueSize))
	}
	if config.PingInterval > 0 || config.PongTimeout > 0 {
		options = append(options, hub.WithHeartbeat(
			config.PingInterval.Std(hub.DefaultPingInterval),
			config.PongTimeout.Std(hub.DefaultPongTimeout)))
	}
	return options
}

func engineOptions(config *CoordinationConfig, logger *slog.Logger) []func(*coord.Engine) {
	options := []func(*coord.Engine){coord.WithEngineLogger(logger)}
	if config.Separation > 0 {
		options = append(options, coord.WithSeparation(config.Separation))
	}
	if config.PredictionWindow > 0 {
		options = append(options, coord.WithPredictionWindow(time.Duration(config.PredictionWindow)))
	}
	if config.ManeuverDuration > 0 {
		options = append(options, coord.WithManeuverDuration(time.Duration(config.ManeuverDuration)))
	}
	return options
}

func pipelineOptions(config *IngestionConfig, logger *slog.Logger) []func(*telemetry.Pipeline) {
	options := []func(*telemetry.Pipeline){telemetry.WithPipelineLogger(logger)}
	if config.BatchSize > 0 {
		options = append(options, telemetry.WithBatchSize(config.BatchSize))
	}
	if config.FlushInterval > 0 {
		options = append(options, telemetry.WithFlushInterval(time.Duration(config.FlushInterval)))
	}
	if config.MaxRetries > 0 {
		options = append(options, telemetry.WithMaxRetries(config.MaxRetries))
	}
	if config.StreamMaxLen > 0 {
		options = append(options, telemetry.WithStreamMaxLen(config.StreamMaxLen))
	}
	return options
}

func targetLevel(level float64) float64 {
	if level <= 0 {
		return charging.DefaultTargetLevel
	}
	return level
}
