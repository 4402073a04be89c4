// Package odometer reconstructs a monotonically increasing distance from the
// byte-sized, wrapping odometer counter each vehicle controller reports.
//
// The counter advances by one every 1/100 km and wraps from 255 to 0. When a
// controller reboots its counter restarts from an unrelated value, so a change
// of boot id re-baselines the counter instead of being read as travel.
package odometer

import (
	"sort"
	"sync"

	"github.com/banshee-data/vehicle.report/internal/units"
)

// counterModulus is the wrap period of the raw counter.
const counterModulus = 256

// State is a point-in-time copy of one device's odometer state.
type State struct {
	VehicleID     string  `json:"vehicleId"`
	LastCounter   int     `json:"lastCounter"`
	AccumulatedKm float64 `json:"accumulatedKm"`
	BootID        string  `json:"bootId,omitempty"`
	// Baselined is false for a device restored from storage that has not
	// reported a counter since.
	Baselined bool `json:"baselined"`
}

type deviceState struct {
	mu sync.Mutex
	// accumulated is held in counter units so repeated additions stay exact.
	accumulated int64
	lastCounter int
	bootID      string
	baselined   bool
}

// Reconciler owns the per-device odometer state for the process lifetime.
// Calls for one device are serialized; distinct devices never contend beyond
// the map lookup.
type Reconciler struct {
	mu      sync.Mutex
	devices map[string]*deviceState
}

func New() *Reconciler {
	return &Reconciler{devices: make(map[string]*deviceState)}
}

// device returns the state record for id, creating an empty one if needed.
// created reports whether the record was new.
func (r *Reconciler) device(id string) (d *deviceState, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		d = &deviceState{}
		r.devices[id] = d
	}
	return d, !ok
}

// Reconcile applies one raw counter reading and returns the device's
// cumulative distance in km. bootID may be empty when the controller does not
// report one.
//
// The first reading for a device only establishes the baseline. A changed
// boot id re-baselines without adding distance. Otherwise the forward
// distance since the last reading is added, treating a smaller raw value as a
// wrap past 255. More than one full wrap between readings is indistinguishable
// from a short step and under-counts.
func (r *Reconciler) Reconcile(deviceID string, raw int, bootID string) float64 {
	d, _ := r.device(deviceID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.baselined {
		d.lastCounter = raw
		d.bootID = bootID
		d.baselined = true
		return units.CounterUnitsToKm(d.accumulated)
	}

	if bootID != "" && bootID != d.bootID {
		d.lastCounter = raw
		d.bootID = bootID
		return units.CounterUnitsToKm(d.accumulated)
	}

	delta := raw - d.lastCounter
	if delta < 0 {
		delta += counterModulus
	}
	d.accumulated += int64(delta)
	d.lastCounter = raw
	if bootID != "" {
		d.bootID = bootID
	}
	return units.CounterUnitsToKm(d.accumulated)
}

// Restore seeds a device with a previously persisted cumulative distance so
// that a process restart does not reset it to zero. The next reading for the
// device establishes the counter baseline. Restore is a no-op for a device
// that already has state.
func (r *Reconciler) Restore(deviceID string, totalKm float64) bool {
	d, created := r.device(deviceID)
	if !created {
		return false
	}
	d.mu.Lock()
	d.accumulated = units.KmToCounterUnits(totalKm)
	d.mu.Unlock()
	return true
}

// State returns a copy of one device's state.
func (r *Reconciler) State(deviceID string) (State, bool) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	r.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return d.snapshot(deviceID), true
}

// States returns a copy of every device's state ordered by vehicle id.
func (r *Reconciler) States() []State {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	devs := make(map[string]*deviceState, len(r.devices))
	for id, d := range r.devices {
		ids = append(ids, id)
		devs[id] = d
	}
	r.mu.Unlock()

	sort.Strings(ids)
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, devs[id].snapshot(id))
	}
	return out
}

func (d *deviceState) snapshot(id string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		VehicleID:     id,
		LastCounter:   d.lastCounter,
		AccumulatedKm: units.CounterUnitsToKm(d.accumulated),
		BootID:        d.bootID,
		Baselined:     d.baselined,
	}
}
