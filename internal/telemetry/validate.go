package telemetry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/banshee-data/vehicle.report/internal/timeutil"
)

//go:embed schema.json
var sampleSchema string

const sampleSchemaURL = "vehicle-telemetry.schema.json"

var (
	// ErrMalformed marks a payload that is not a JSON object at all.
	ErrMalformed = errors.New("malformed telemetry payload")
	// ErrInvalidPayload marks a JSON object with missing or mistyped fields.
	ErrInvalidPayload = errors.New("invalid telemetry payload")
)

// Validator turns raw broker payloads into typed samples. It holds no
// per-message state and is safe for concurrent use.
type Validator struct {
	schema           *jsonschema.Schema
	clock            timeutil.Clock
	defaultVehicleID string
}

// NewValidator compiles the embedded sample schema. Samples without a
// vehicleId are attributed to defaultVehicleID (DefaultVehicleID when empty).
func NewValidator(clock timeutil.Clock, defaultVehicleID string) (*Validator, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if defaultVehicleID == "" {
		defaultVehicleID = DefaultVehicleID
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(sampleSchemaURL, strings.NewReader(sampleSchema)); err != nil {
		return nil, fmt.Errorf("add sample schema: %w", err)
	}
	schema, err := compiler.Compile(sampleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile sample schema: %w", err)
	}

	return &Validator{
		schema:           schema,
		clock:            clock,
		defaultVehicleID: defaultVehicleID,
	}, nil
}

// wireSample mirrors the payload after schema validation. odoMeter is read
// as a float because the schema accepts integral values written as 5.0.
type wireSample struct {
	VehicleID         *string  `json:"vehicleId"`
	RPM               float64  `json:"rpm"`
	Throttle          float64  `json:"throttle"`
	Speed             float64  `json:"speed"`
	Gear              float64  `json:"gear"`
	Brake             float64  `json:"brake"`
	EngineCoolantTemp float64  `json:"engineCoolantTemp"`
	AirIntakeTemp     float64  `json:"airIntakeTemp"`
	OdoMeter          float64  `json:"odoMeter"`
	BootID            *string  `json:"bootId"`
	SteeringAngle     *float64 `json:"steeringAngle"`
}

// Validate parses and checks one payload. Rejections wrap ErrMalformed or
// ErrInvalidPayload; the caller decides how to log and count them.
func (v *Validator) Validate(payload []byte) (Sample, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return Sample{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	if err := v.schema.Validate(doc); err != nil {
		return Sample{}, fmt.Errorf("%w: %s", ErrInvalidPayload, describeSchemaError(err))
	}

	var w wireSample
	if err := json.Unmarshal(payload, &w); err != nil {
		// a number the schema accepts can still overflow float64, e.g. 1e400
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Sample{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		// anything else is data after the first JSON value
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s := Sample{
		VehicleID:         v.defaultVehicleID,
		RPM:               w.RPM,
		Throttle:          w.Throttle,
		Speed:             w.Speed,
		Gear:              w.Gear,
		Brake:             w.Brake,
		EngineCoolantTemp: w.EngineCoolantTemp,
		AirIntakeTemp:     w.AirIntakeTemp,
		OdoMeter:          int(w.OdoMeter),
		SteeringAngle:     w.SteeringAngle,
		ReceivedAt:        v.clock.Now(),
	}
	if w.VehicleID != nil && *w.VehicleID != "" {
		s.VehicleID = *w.VehicleID
	}
	if w.BootID != nil {
		s.BootID = *w.BootID
	}
	return s, nil
}

// describeSchemaError reduces a schema failure to its first leaf cause,
// e.g. "/speed: expected number, but got string".
func describeSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
