// Package telemetry defines the vehicle telemetry sample and validates raw
// broker payloads into typed samples.
package telemetry

import (
	"fmt"
	"time"
)

// DefaultVehicleID is used for samples that arrive without a vehicleId.
const DefaultVehicleID = "ESP32"

// Sample is a validated telemetry reading from one vehicle controller.
type Sample struct {
	VehicleID         string   `json:"vehicleId"`
	RPM               float64  `json:"rpm"`
	Throttle          float64  `json:"throttle"`
	Speed             float64  `json:"speed"`
	Gear              float64  `json:"gear"`
	Brake             float64  `json:"brake"`
	EngineCoolantTemp float64  `json:"engineCoolantTemp"`
	AirIntakeTemp     float64  `json:"airIntakeTemp"`
	OdoMeter          int      `json:"odoMeter"`
	BootID            string   `json:"bootId,omitempty"`
	SteeringAngle     *float64 `json:"steeringAngle,omitempty"`

	// ReceivedAt is stamped by the validator from the service clock.
	ReceivedAt time.Time `json:"timestamp"`
}

// EnrichedSample is a Sample with the cumulative distance reconstructed from
// its wrapping odometer counter. It waits in the ingestion buffer until the
// next flush hands it to the store.
type EnrichedSample struct {
	Sample
	TotalOdoKm float64 `json:"totalOdoKm"`
}

func (s *Sample) String() string {
	return fmt.Sprintf("vehicle=%s rpm=%.0f speed=%.1f gear=%.0f odo=%d boot=%q",
		s.VehicleID, s.RPM, s.Speed, s.Gear, s.OdoMeter, s.BootID)
}
