package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/TejasSiv/fleetcore/internal/cache"
	"github.com/TejasSiv/fleetcore/internal/fleet"
	"github.com/TejasSiv/fleetcore/internal/hub"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultStreamMaxLen  = 500
	defaultLatestTTL     = 30 * time.Second
)

// Store is the durable sink for telemetry batches. Inserts must be
// idempotent: the pipeline retries failed batches and may resubmit
// samples that were already written.
type Store interface {
	InsertSamples(ctx context.Context, samples []Sample) error
}

// WithBatchSize sets the buffer size that triggers a flush.
func WithBatchSize(size int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.batchSize = size
	}
}

// WithFlushInterval sets the wall-clock flush interval.
func WithFlushInterval(interval time.Duration) func(*Pipeline) {
	return func(p *Pipeline) {
		p.flushInterval = interval
	}
}

// WithMaxRetries bounds how many flush cycles a failed batch is retried
// before it is dead-lettered.
func WithMaxRetries(n int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.maxRetries = n
	}
}

// WithStreamMaxLen caps the per-drone cache stream length.
func WithStreamMaxLen(n int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.streamMaxLen = n
	}
}

// WithPipelineLogger sets the logger for the pipeline.
func WithPipelineLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "pipeline"))
	}
}

// Pipeline ingests raw samples from all sources, maintains the live
// fleet state, and batches samples for the cache and the durable store.
// A batch is committed only when both sinks have accepted it; on partial
// failure only the failed sink's share is retried, with a bounded retry
// count and a dead-letter drop beyond it.
type Pipeline struct {
	fleet  *fleet.Fleet
	store  Store
	cache  cache.Cache
	pub    hub.Publisher
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	streamMaxLen  int
	latestTTL     time.Duration

	mu     sync.Mutex
	buffer []Sample

	storeRetry    []Sample
	storeAttempts int
	cacheRetry    []Sample
	cacheAttempts int

	flushNow chan struct{}
	ticks    chan struct{}

	accepted int64
	rejected int64
}

// NewPipeline creates an ingestion pipeline over the given collaborators.
func NewPipeline(f *fleet.Fleet, store Store, c cache.Cache, pub hub.Publisher, options ...func(*Pipeline)) *Pipeline {
	p := Pipeline{
		fleet:         f,
		store:         store,
		cache:         c,
		pub:           pub,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		maxRetries:    defaultMaxRetries,
		streamMaxLen:  defaultStreamMaxLen,
		latestTTL:     defaultLatestTTL,
		flushNow:      make(chan struct{}, 1),
		ticks:         make(chan struct{}, 1),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Ticks signals once per accepted sample, coalesced. Downstream decision
// loops key their cycles off this channel.
func (p *Pipeline) Ticks() <-chan struct{} { return p.ticks }

// Run consumes samples until ctx is cancelled, flushing on batch size or
// interval, whichever comes first. A final flush runs on shutdown.
func (p *Pipeline) Run(ctx context.Context, samples <-chan Sample) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	p.logger.Info("ingestion pipeline started",
		slog.Int("batchSize", p.batchSize),
		slog.Duration("flushInterval", p.flushInterval))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.flush(flushCtx)
			cancel()

			p.logger.Info("ingestion pipeline stopped",
				slog.String("accepted", humanize.Comma(p.accepted)),
				slog.String("rejected", humanize.Comma(p.rejected)))
			return

		case s, ok := <-samples:
			if !ok {
				return
			}
			p.Ingest(s)

		case <-ticker.C:
			p.flush(ctx)

		case <-p.flushNow:
			p.flush(ctx)
			ticker.Reset(p.flushInterval)
		}
	}
}

// Ingest validates and normalizes one sample, commits it to the live
// fleet state, publishes the telemetry event, and buffers it for the
// next flush. Malformed input is dropped with a warning; a bad sample
// never takes the pipeline down.
func (p *Pipeline) Ingest(s Sample) {
	if err := s.Validate(); err != nil {
		p.rejected++
		p.logger.Warn("dropping malformed sample",
			slog.String("droneID", s.DroneID),
			slog.String("error", err.Error()))
		return
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}

	if !p.commit(s) {
		p.rejected++
		p.logger.Warn("dropping sample for unknown drone", slog.String("droneID", s.DroneID))
		return
	}
	p.accepted++

	p.mu.Lock()
	p.buffer = append(p.buffer, s)
	full := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}

	ev := hub.NewEvent(hub.EventTelemetry, s)
	p.pub.Publish(hub.DroneTopic(s.DroneID), ev)
	p.pub.Publish(hub.TopicFleet, ev)

	select {
	case p.ticks <- struct{}{}:
	default:
	}
}

// commit applies the sample onto the drone's live state.
func (p *Pipeline) commit(s Sample) bool {
	return p.fleet.Update(s.DroneID, func(d *fleet.DroneState) {
		if d.Airborne() && !d.LastSeen.IsZero() {
			if gap := s.ReceivedAt.Sub(d.LastSeen); gap > 0 && gap < time.Minute {
				d.TotalFlightTime += gap
			}
		}

		d.Position = s.Position
		d.Heading = s.Heading()
		d.Speed = s.GroundSpeed()
		d.BatteryLevel = s.BatteryLevel
		d.BatteryVoltage = s.BatteryVoltage
		d.SignalStrength = s.SignalStrength
		d.ConnectionQuality = fleet.QualityFromSignal(s.SignalStrength)
		d.LastSeen = s.ReceivedAt
		d.SamplesReceived++

		// Charging and maintenance are owned by their schedulers; flight
		// mode only moves a drone between idle and airborne states.
		if d.Status == fleet.StatusCharging || d.Status == fleet.StatusMaintenance || d.Status == fleet.StatusEmergency {
			return
		}
		switch s.FlightMode {
		case ModeIdle:
			d.Status = fleet.StatusIdle
		case ModeMission, ModeReturn, ModeLand:
			d.Status = fleet.StatusInFlight
		}
	})
}

// flush drains the buffer and writes it to both sinks concurrently.
// The batch counts as committed only when both sinks succeed; a failed
// sink keeps its share queued at the front for the next cycle.
func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil

	storeBatch := append(p.storeRetry, batch...)
	cacheBatch := append(p.cacheRetry, batch...)
	p.storeRetry, p.cacheRetry = nil, nil
	p.mu.Unlock()

	if len(storeBatch) == 0 && len(cacheBatch) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	var storeErr, cacheErr error

	if len(storeBatch) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			storeErr = p.store.InsertSamples(ctx, storeBatch)
		}()
	}
	if len(cacheBatch) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cacheErr = p.writeCache(ctx, cacheBatch)
		}()
	}
	wg.Wait()

	p.settle(&p.storeRetry, &p.storeAttempts, storeBatch, storeErr, "store")
	p.settle(&p.cacheRetry, &p.cacheAttempts, cacheBatch, cacheErr, "cache")

	if storeErr == nil && cacheErr == nil {
		p.logger.Debug("flushed batch",
			slog.String("samples", humanize.Comma(int64(len(storeBatch)))),
			slog.Duration("took", time.Since(start)))
	}
}

// settle requeues a failed sink's batch for retry, or dead-letters it
// once the retry budget is spent. Dead-lettered batches are dropped with
// an operator alert rather than retried forever.
func (p *Pipeline) settle(retry *[]Sample, attempts *int, batch []Sample, err error, sink string) {
	if err == nil {
		p.mu.Lock()
		*attempts = 0
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	*attempts++
	exhausted := *attempts > p.maxRetries
	if !exhausted {
		*retry = batch
	}
	p.mu.Unlock()

	if !exhausted {
		p.logger.Warn("flush failed, batch requeued",
			slog.String("sink", sink),
			slog.Int("samples", len(batch)),
			slog.String("error", err.Error()))
		return
	}

	p.logger.Error("retry budget exhausted, dead-lettering batch",
		slog.String("sink", sink),
		slog.Int("samples", len(batch)),
		slog.String("error", err.Error()))

	p.pub.Publish(hub.TopicAlerts, hub.NewEvent(hub.EventAlert, map[string]any{
		"severity": fleet.SeverityCritical,
		"category": "telemetry_dead_letter",
		"message":  fmt.Sprintf("%s sink dropped %d samples after %d attempts", sink, len(batch), p.maxRetries),
	}))

	p.mu.Lock()
	*attempts = 0
	p.mu.Unlock()
}

// writeCache publishes the latest sample per drone under a short TTL key
// and appends every sample to the drone's capped stream.
func (p *Pipeline) writeCache(ctx context.Context, batch []Sample) error {
	latest := make(map[string]Sample, 8)
	for _, s := range batch {
		if prev, ok := latest[s.DroneID]; !ok || s.ReceivedAt.After(prev.ReceivedAt) {
			latest[s.DroneID] = s
		}
	}

	for _, s := range batch {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encoding sample: %w", err)
		}
		if err = p.cache.Append(ctx, StreamKey(s.DroneID), payload, p.streamMaxLen); err != nil {
			return fmt.Errorf("appending to stream: %w", err)
		}
	}

	for id, s := range latest {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encoding sample: %w", err)
		}
		if err = p.cache.Set(ctx, LatestKey(id), payload, p.latestTTL); err != nil {
			return fmt.Errorf("setting latest: %w", err)
		}
	}
	return nil
}

// LatestKey is the cache key holding a drone's most recent sample.
func LatestKey(droneID string) string { return "drone:" + droneID + ":latest" }

// StreamKey is the cache key of a drone's capped telemetry stream.
func StreamKey(droneID string) string { return "drone:" + droneID + ":stream" }
