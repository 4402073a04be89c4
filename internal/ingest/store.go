package ingest

import (
	"context"
	"time"

	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

// Summary is the per-vehicle cumulative distance record kept alongside the
// raw telemetry rows.
type Summary struct {
	VehicleID  string    `json:"vehicleId"`
	TotalOdoKm float64   `json:"totalOdoKm"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store is the durable side of the pipeline.
type Store interface {
	// InsertTelemetry writes a whole batch as one insert-many and returns the
	// number of rows written.
	InsertTelemetry(ctx context.Context, batch []telemetry.EnrichedSample) (int64, error)
	// UpsertOdometer creates or overwrites the summary for s.VehicleID.
	UpsertOdometer(ctx context.Context, s Summary) error
}
