package broker

import (
	"strings"
	"sync"
)

// MockBroker is an in-memory loopback Client. Publishing to a topic delivers
// synchronously to every matching subscriber and records the message.
type MockBroker struct {
	mu         sync.Mutex
	subs       map[string][]func(Message)
	published  []Message
	publishErr error
	closed     bool
}

func NewMockBroker() *MockBroker {
	return &MockBroker{subs: make(map[string][]func(Message))}
}

// Subscribe registers deliver for a topic filter. MQTT wildcards '+' and '#'
// are honoured.
func (m *MockBroker) Subscribe(topic string, deliver func(Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], deliver)
	return nil
}

func (m *MockBroker) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	m.published = append(m.published, msg)
	var targets []func(Message)
	if !m.closed {
		for filter, fns := range m.subs {
			if TopicMatches(filter, topic) {
				targets = append(targets, fns...)
			}
		}
	}
	m.mu.Unlock()

	for _, deliver := range targets {
		deliver(msg)
	}
	return nil
}

// Published returns a copy of every message published so far.
func (m *MockBroker) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// PublishedTo returns the payloads published to topic, in order.
func (m *MockBroker) PublishedTo(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg.Payload)
		}
	}
	return out
}

// SetPublishError makes every later Publish fail with err. Pass nil to clear.
func (m *MockBroker) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Close stops deliveries. Publishes are still recorded.
func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// TopicMatches reports whether topic matches the MQTT subscription filter.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
