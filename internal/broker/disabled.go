package broker

import (
	"sync"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
)

// DisabledBroker is a no-op Client used when no broker is configured
// (--disable-broker). Subscriptions never deliver and publishes are dropped,
// which lets the HTTP API run against an existing database on its own.
type DisabledBroker struct {
	mu      sync.Mutex
	dropped int
	warned  bool
}

func NewDisabledBroker() *DisabledBroker {
	return &DisabledBroker{}
}

func (d *DisabledBroker) Subscribe(string, func(Message)) error { return nil }

func (d *DisabledBroker) Publish(topic string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped++
	if !d.warned {
		d.warned = true
		monitoring.Logf("broker disabled: dropping publish to %s", topic)
	}
	return nil
}

// Dropped returns how many publishes have been discarded.
func (d *DisabledBroker) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *DisabledBroker) Close() error { return nil }
