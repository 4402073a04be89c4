package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/banshee-data/vehicle.report/internal/broker"
	"github.com/banshee-data/vehicle.report/internal/config"
	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/monitoring"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/telemetry"
)

const syntheticDriveLength = 1200

// classify labels handler failures for the router's log lines.
func classify(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrMalformed):
		return monitoring.ReasonMalformed
	case errors.Is(err, telemetry.ErrInvalidPayload):
		return monitoring.ReasonInvalid
	default:
		return "handler"
	}
}

type odometerLister interface {
	Odometers(ctx context.Context) ([]ingest.Summary, error)
}

// restoreOdometers seeds the reconciler with the last persisted total of
// every vehicle so that a restart continues counting from there.
func restoreOdometers(ctx context.Context, store odometerLister, r *odometer.Reconciler) error {
	summaries, err := store.Odometers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load odometer summaries: %w", err)
	}
	for _, s := range summaries {
		r.Restore(s.VehicleID, s.TotalOdoKm)
	}
	if len(summaries) > 0 {
		log.Printf("restored odometer state for %d vehicles", len(summaries))
	}
	return nil
}

// newBrokerClient picks the broker for the configured mode. In dev mode it
// also returns the payloads to replay onto the telemetry topic.
func newBrokerClient(cfg *config.Config) (broker.Client, [][]byte, error) {
	switch {
	case cfg.Dev.DisableBroker:
		log.Print("broker disabled: telemetry will not arrive and handshake replies are dropped")
		return broker.NewDisabledBroker(), nil, nil

	case cfg.Dev.Enabled:
		var payloads [][]byte
		if cfg.Dev.Fixtures != "" {
			var err error
			if payloads, err = broker.LoadFixtures(cfg.Dev.Fixtures); err != nil {
				return nil, nil, err
			}
			log.Printf("dev mode: replaying %d payloads from %s", len(payloads), cfg.Dev.Fixtures)
		} else {
			seed := uuid.New().ID()
			payloads = broker.SyntheticDrive(cfg.Ingest.DefaultVehicleID, uuid.NewString(), syntheticDriveLength, uint64(seed))
			log.Printf("dev mode: replaying a synthetic drive of %d payloads (seed %d)", len(payloads), seed)
		}
		return broker.NewMockBroker(), payloads, nil

	default:
		client, err := broker.NewMQTTClient(cfg.Broker.Options())
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}
}
