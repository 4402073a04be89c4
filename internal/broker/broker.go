// Package broker abstracts the publish/subscribe transport the vehicle
// controllers talk over and routes inbound messages to per-topic handlers.
package broker

import "fmt"

// Message is one payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.Topic, m.Payload)
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber registers a callback for a topic. Callbacks may run on a
// transport-owned goroutine and must not block for long.
type Subscriber interface {
	Subscribe(topic string, deliver func(Message)) error
}

// Client is a broker connection that can both publish and subscribe.
type Client interface {
	Publisher
	Subscriber
	// Close disconnects from the broker. Further calls are no-ops.
	Close() error
}
