package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
)

// Options describes an MQTT broker connection.
type Options struct {
	BrokerURL string
	// ClientID is a prefix; a random suffix keeps two running instances from
	// kicking each other off the broker.
	ClientID string
	Username string
	Password string
	QoS      byte
	// ConnectTimeout bounds how long startup and each publish/subscribe
	// waits on the broker.
	ConnectTimeout time.Duration
}

// Normalize validates the options and applies defaults for any unset values.
func (o Options) Normalize() (Options, error) {
	opts := o
	opts.BrokerURL = strings.TrimSpace(opts.BrokerURL)
	if opts.BrokerURL == "" {
		opts.BrokerURL = "tcp://localhost:1883"
	}
	if opts.ClientID == "" {
		opts.ClientID = "vehicle-report"
	}
	if opts.QoS > 2 {
		return opts, fmt.Errorf("invalid qos %d: must be 0, 1 or 2", opts.QoS)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return opts, nil
}

// MQTTClient is a Client backed by an MQTT broker. Subscriptions are
// remembered and re-established every time the connection comes back.
type MQTTClient struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration

	mu     sync.Mutex
	subs   map[string]func(Message)
	closed bool
}

// NewMQTTClient connects to the broker described by opts. An unreachable
// broker is not fatal: the client keeps retrying in the background and
// subscribes once the connection is up.
func NewMQTTClient(opts Options) (*MQTTClient, error) {
	c, err := newMQTTClient(opts)
	if err != nil {
		return nil, err
	}

	tok := c.client.Connect()
	if !tok.WaitTimeout(c.timeout) {
		monitoring.Logf("mqtt: broker not reachable after %v, retrying in the background", c.timeout)
		return c, nil
	}
	if err := tok.Error(); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}
	return c, nil
}

func newMQTTClient(opts Options) (*MQTTClient, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	c := &MQTTClient{
		qos:     opts.QoS,
		timeout: opts.ConnectTimeout,
		subs:    make(map[string]func(Message)),
	}
	c.client = mqtt.NewClient(c.clientOptions(opts))
	return c, nil
}

func (c *MQTTClient) clientOptions(opts Options) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID + "-" + uuid.NewString()[:8]).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Logf("mqtt: connection lost: %v", err)
		})
}

// onConnect runs on its own goroutine after every (re)connect. With a clean
// session the broker has forgotten our subscriptions, so replay them all.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	sort.Strings(topics)

	monitoring.Logf("mqtt: connected, subscribing to %d topics", len(topics))
	for _, topic := range topics {
		if err := c.subscribe(topic); err != nil {
			monitoring.Logf("mqtt: %v", err)
		}
	}
}

// Subscribe registers deliver for topic. If the connection is not up yet the
// subscription is made on connect.
func (c *MQTTClient) Subscribe(topic string, deliver func(Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: client closed", topic)
	}
	c.subs[topic] = deliver
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic)
}

func (c *MQTTClient) subscribe(topic string) error {
	c.mu.Lock()
	deliver := c.subs[topic]
	c.mu.Unlock()
	if deliver == nil {
		return nil
	}

	tok := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, m mqtt.Message) {
		payload := append([]byte(nil), m.Payload()...)
		deliver(Message{Topic: m.Topic(), Payload: payload})
	})
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe %s: timed out after %v", topic, c.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload to topic at the configured QoS and waits for the
// broker to acknowledge it.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	tok := c.client.Publish(topic, c.qos, false, payload)
	if !tok.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish %s: timed out after %v", topic, c.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work 250ms to complete.
func (c *MQTTClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(250)
	return nil
}
