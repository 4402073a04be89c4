package ingest

import (
	"context"
	"errors"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

// Ingestor handles telemetry messages: validate, reconcile the odometer,
// buffer for the next flush.
type Ingestor struct {
	validator  *telemetry.Validator
	reconciler *odometer.Reconciler
	buffer     *Buffer
	metrics    *monitoring.Metrics
}

func NewIngestor(v *telemetry.Validator, r *odometer.Reconciler, b *Buffer, m *monitoring.Metrics) *Ingestor {
	return &Ingestor{
		validator:  v,
		reconciler: r,
		buffer:     b,
		metrics:    m,
	}
}

// HandleTelemetry processes one telemetry payload. A rejected payload is
// returned as an error wrapping telemetry.ErrMalformed or
// telemetry.ErrInvalidPayload; it never reaches the buffer and never touches
// odometer state.
func (i *Ingestor) HandleTelemetry(_ context.Context, payload []byte) error {
	s, err := i.validator.Validate(payload)
	if err != nil {
		if errors.Is(err, telemetry.ErrMalformed) {
			i.metrics.ObserveRejected(monitoring.ReasonMalformed)
		} else {
			i.metrics.ObserveRejected(monitoring.ReasonInvalid)
		}
		return err
	}

	total := i.reconciler.Reconcile(s.VehicleID, s.OdoMeter, s.BootID)
	n := i.buffer.Append(telemetry.EnrichedSample{Sample: s, TotalOdoKm: total})
	i.metrics.ObserveAccepted(n)
	return nil
}
