// Package ingest turns validated telemetry into durable batched writes: the
// telemetry handler enriches samples into an in-memory buffer and the flusher
// drains that buffer into the store on a fixed cadence.
package ingest

import (
	"sync"

	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

// Buffer is an unbounded FIFO of enriched samples awaiting the next flush.
// There is deliberately no size cap: while the store is unavailable the
// buffer grows rather than silently dropping samples.
type Buffer struct {
	mu      sync.Mutex
	samples []telemetry.EnrichedSample
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a sample to the tail and returns the new length.
func (b *Buffer) Append(s telemetry.EnrichedSample) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	return len(b.samples)
}

// DrainAll removes and returns every buffered sample in arrival order,
// leaving the buffer empty. It returns nil when nothing is buffered.
func (b *Buffer) DrainAll() []telemetry.EnrichedSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return nil
	}
	out := b.samples
	b.samples = nil
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
