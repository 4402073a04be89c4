package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
	"github.com/banshee-data/vehicle.report/internal/timeutil"
)

// DefaultFlushInterval is the flush cadence when none is configured.
const DefaultFlushInterval = time.Second

// FlushResult describes one flush cycle.
type FlushResult struct {
	// BatchID correlates the log lines of one cycle; empty when nothing was
	// drained.
	BatchID   string
	Drained   int
	Written   int64
	InsertErr error
	// UpsertErrs holds one error per vehicle whose summary upsert failed.
	UpsertErrs map[string]error
}

// Flusher periodically drains a Buffer into a Store. Ticks are consumed by a
// single goroutine, so one cycle always runs to completion before the next
// drain starts.
type Flusher struct {
	buffer   *Buffer
	store    Store
	interval time.Duration
	clock    timeutil.Clock
	logger   *log.Logger
	metrics  *monitoring.Metrics
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// FlusherConfig contains configuration for Flusher.
type FlusherConfig struct {
	Buffer *Buffer
	Store  Store
	// Interval defaults to DefaultFlushInterval.
	Interval time.Duration
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// NewFlusher creates a new Flusher.
func NewFlusher(cfg FlusherConfig) *Flusher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Flusher{
		buffer:   cfg.Buffer,
		store:    cfg.Store,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Interval returns the configured flush cadence.
func (f *Flusher) Interval() time.Duration {
	return f.interval
}

// Run starts the periodic flushing loop. It blocks until the context is
// cancelled or Stop() is called, then performs a final flush of whatever is
// still buffered. Returns nil on clean shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil // already running
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	defer func() {
		close(f.doneCh)
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Printf("Flusher started: interval=%v", f.interval)

	for {
		select {
		case <-ctx.Done():
			f.logger.Printf("Flusher stopping due to context cancellation")
			f.FlushNow(ctx)
			return nil
		case <-f.stopCh:
			f.logger.Printf("Flusher stopping due to Stop() call")
			f.FlushNow(ctx)
			return nil
		case <-ticker.C():
			f.FlushNow(ctx)
		}
	}
}

// Stop requests the flusher to stop and waits for the final flush. It is safe
// to call multiple times.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	select {
	case <-f.stopCh:
		// already closed
	default:
		close(f.stopCh)
	}
	done := f.doneCh
	f.mu.Unlock()

	<-done
}

// IsRunning returns whether the flusher loop is active.
func (f *Flusher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// FlushNow drains the buffer and writes the batch immediately. A failed write
// is logged and the batch is discarded; it is never re-buffered. Store calls
// ignore ctx cancellation so a shutdown cannot abort a write in flight.
func (f *Flusher) FlushNow(ctx context.Context) FlushResult {
	batch := f.buffer.DrainAll()
	if len(batch) == 0 {
		return FlushResult{}
	}

	start := f.clock.Now()
	res := FlushResult{
		BatchID: uuid.NewString(),
		Drained: len(batch),
	}
	writeCtx := context.WithoutCancel(ctx)

	n, err := f.store.InsertTelemetry(writeCtx, batch)
	if err != nil {
		res.InsertErr = err
		f.metrics.ObserveFlushFailure(monitoring.StageInsert)
		f.logger.Printf("Flusher: batch %s: failed to insert %d samples, discarding: %v", res.BatchID, len(batch), err)
		f.metrics.ObserveFlush(0, f.buffer.Len(), f.clock.Since(start))
		return res
	}
	res.Written = n

	for _, s := range latestPerVehicle(batch) {
		summary := Summary{
			VehicleID:  s.VehicleID,
			TotalOdoKm: s.TotalOdoKm,
			UpdatedAt:  s.ReceivedAt,
		}
		if err := f.store.UpsertOdometer(writeCtx, summary); err != nil {
			if res.UpsertErrs == nil {
				res.UpsertErrs = make(map[string]error)
			}
			res.UpsertErrs[s.VehicleID] = err
			f.metrics.ObserveFlushFailure(monitoring.StageUpsert)
			f.logger.Printf("Flusher: batch %s: failed to upsert odometer for %s: %v", res.BatchID, s.VehicleID, err)
		}
	}

	f.metrics.ObserveFlush(int(n), f.buffer.Len(), f.clock.Since(start))
	f.logger.Printf("Flusher: batch %s: inserted %d telemetry records", res.BatchID, n)
	return res
}

// latestPerVehicle keeps the last sample of each vehicle in batch order.
// Upserting only these leaves the same summaries as upserting every sample.
func latestPerVehicle(batch []telemetry.EnrichedSample) []telemetry.EnrichedSample {
	idx := make(map[string]int)
	var out []telemetry.EnrichedSample
	for _, s := range batch {
		if i, ok := idx[s.VehicleID]; ok {
			out[i] = s
			continue
		}
		idx[s.VehicleID] = len(out)
		out = append(out, s)
	}
	return out
}
