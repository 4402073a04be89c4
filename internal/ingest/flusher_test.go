package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
	"github.com/banshee-data/vehicle.report/internal/timeutil"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// fakeStore records writes and can be told to fail.
type fakeStore struct {
	mu        sync.Mutex
	batches   [][]telemetry.EnrichedSample
	summaries []Summary
	insertErr error
	upsertErr map[string]error
	inserted  chan int
	// block, when set, holds InsertTelemetry until closed.
	block chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: make(chan int, 16)}
}

func (s *fakeStore) InsertTelemetry(ctx context.Context, batch []telemetry.EnrichedSample) (int64, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		s.inserted <- 0
		return 0, s.insertErr
	}
	s.batches = append(s.batches, batch)
	s.inserted <- len(batch)
	return int64(len(batch)), nil
}

func (s *fakeStore) UpsertOdometer(ctx context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErr[sum.VehicleID]; err != nil {
		return err
	}
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *fakeStore) snapshot() ([][]telemetry.EnrichedSample, []Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]telemetry.EnrichedSample(nil), s.batches...), append([]Summary(nil), s.summaries...)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestFlushNow_EmptyBufferWritesNothing(t *testing.T) {
	store := newFakeStore()
	f := NewFlusher(FlusherConfig{Buffer: NewBuffer(), Store: store, Logger: quietLogger()})

	res := f.FlushNow(context.Background())
	assert.Equal(t, FlushResult{}, res)

	batches, summaries := store.snapshot()
	assert.Empty(t, batches)
	assert.Empty(t, summaries)
}

func TestFlushNow_InsertsBatchAndUpsertsLatestPerVehicle(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Logger: quietLogger()})

	a1 := sample("a", 10, 0)
	b1 := sample("b", 20, 0)
	a2 := sample("a", 15, 0.05)
	a2.ReceivedAt = t0.Add(time.Second)
	buf.Append(a1)
	buf.Append(b1)
	buf.Append(a2)

	res := f.FlushNow(context.Background())
	require.NoError(t, res.InsertErr)
	assert.Equal(t, 3, res.Drained)
	assert.EqualValues(t, 3, res.Written)
	assert.NotEmpty(t, res.BatchID)
	assert.Empty(t, res.UpsertErrs)
	assert.Equal(t, 0, buf.Len())

	batches, summaries := store.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []telemetry.EnrichedSample{a1, b1, a2}, batches[0])
	assert.Equal(t, []Summary{
		{VehicleID: "a", TotalOdoKm: 0.05, UpdatedAt: t0.Add(time.Second)},
		{VehicleID: "b", TotalOdoKm: 0, UpdatedAt: t0},
	}, summaries)
}

func TestFlushNow_InsertFailureDiscardsBatch(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	store.insertErr = errors.New("disk I/O error")
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Logger: quietLogger(), Metrics: metrics})

	buf.Append(sample("a", 1, 0))
	buf.Append(sample("a", 2, 0.01))

	res := f.FlushNow(context.Background())
	require.Error(t, res.InsertErr)
	assert.Equal(t, 2, res.Drained)
	assert.Zero(t, res.Written)

	// not re-buffered, and no summary written for a failed batch
	assert.Equal(t, 0, buf.Len())
	_, summaries := store.snapshot()
	assert.Empty(t, summaries)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FlushFailures.WithLabelValues(monitoring.StageInsert)))

	// the next cycle starts from an empty buffer
	store.mu.Lock()
	store.insertErr = nil
	store.mu.Unlock()
	buf.Append(sample("a", 3, 0.02))
	res = f.FlushNow(context.Background())
	require.NoError(t, res.InsertErr)
	assert.Equal(t, 1, res.Drained)
}

func TestFlushNow_UpsertFailureIsPerVehicle(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	store.upsertErr = map[string]error{"a": errors.New("database is locked")}
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Logger: quietLogger()})

	buf.Append(sample("a", 1, 0))
	buf.Append(sample("b", 1, 0))

	res := f.FlushNow(context.Background())
	require.NoError(t, res.InsertErr)
	require.Len(t, res.UpsertErrs, 1)
	assert.Contains(t, res.UpsertErrs, "a")

	_, summaries := store.snapshot()
	require.Len(t, summaries, 1)
	assert.Equal(t, "b", summaries[0].VehicleID)
}

func TestFlushNow_WritesSurviveCancelledContext(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Logger: quietLogger()})
	buf.Append(sample("a", 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.FlushNow(ctx)
	require.NoError(t, res.InsertErr)
	assert.EqualValues(t, 1, res.Written)
}

func TestFlusher_RunFlushesOnTick(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	clock := timeutil.NewMockClock(t0)
	f := NewFlusher(FlusherConfig{
		Buffer:   buf,
		Store:    store,
		Interval: time.Second,
		Clock:    clock,
		Logger:   quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	buf.Append(sample("a", 1, 0))
	buf.Append(sample("a", 2, 0.01))

	// half an interval is not enough
	clock.Advance(500 * time.Millisecond)
	select {
	case <-store.inserted:
		t.Fatal("flushed before the interval elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case n := <-store.inserted:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("no flush after one interval")
	}

	// an empty tick writes nothing
	clock.Advance(time.Second)
	select {
	case <-store.inserted:
		t.Fatal("empty buffer should not be written")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
	assert.False(t, f.IsRunning())
}

func TestFlusher_FinalFlushOnStop(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	clock := timeutil.NewMockClock(t0)
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Clock: clock, Logger: quietLogger()})
	assert.Equal(t, DefaultFlushInterval, f.Interval())

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	require.Eventually(t, f.IsRunning, time.Second, time.Millisecond)

	buf.Append(sample("a", 1, 0))
	f.Stop()
	require.NoError(t, <-done)

	batches, _ := store.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)

	// stopping twice is harmless
	f.Stop()
}

func TestFlusher_IngestionContinuesDuringSlowWrite(t *testing.T) {
	buf := NewBuffer()
	store := newFakeStore()
	store.block = make(chan struct{})
	f := NewFlusher(FlusherConfig{Buffer: buf, Store: store, Logger: quietLogger()})

	buf.Append(sample("a", 1, 0))
	flushed := make(chan FlushResult, 1)
	go func() { flushed <- f.FlushNow(context.Background()) }()

	// drain happens before the write, so the buffer is free while it blocks
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, time.Millisecond)
	buf.Append(sample("a", 2, 0.01))
	assert.Equal(t, 1, buf.Len())

	close(store.block)
	res := <-flushed
	assert.Equal(t, 1, res.Drained)
	assert.Equal(t, 1, buf.Len())
}
