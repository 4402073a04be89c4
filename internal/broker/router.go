package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/banshee-data/vehicle.report/internal/monitoring"
)

// DefaultQueueSize is the number of inbound messages the router holds before
// Deliver starts blocking the transport.
const DefaultQueueSize = 1024

// ErrNoRoute is returned by Dispatch for a topic with no handler.
var ErrNoRoute = errors.New("no handler for topic")

// HandlerFunc processes the payload of one message.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Router queues inbound messages and dispatches them to per-topic handlers
// from a single worker, so handlers see messages in arrival order and never
// run concurrently with each other.
type Router struct {
	// Metrics, when set, counts every dispatched message by topic.
	Metrics *monitoring.Metrics
	// Logger receives handler errors. Defaults to log.Default().
	Logger *log.Logger
	// Classify labels a handler error in the log line. Defaults to
	// "unrouted" for ErrNoRoute and "handler" otherwise.
	Classify func(error) string

	mu     sync.RWMutex
	routes map[string]HandlerFunc

	queue chan Message

	// admitMu guards closed; inflight counts Deliver calls admitted before
	// shutdown that may still be waiting on a full queue.
	admitMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewRouter returns a Router whose inbound queue holds queueSize messages.
// A non-positive size uses DefaultQueueSize.
func NewRouter(queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		routes: make(map[string]HandlerFunc),
		queue:  make(chan Message, queueSize),
	}
}

// Handle registers h for topic, replacing any previous handler.
func (r *Router) Handle(topic string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = h
}

// Topics returns the routed topics in sorted order.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.routes))
	for topic := range r.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// SubscribeAll subscribes every routed topic on s, delivering into the queue.
func (r *Router) SubscribeAll(s Subscriber) error {
	for _, topic := range r.Topics() {
		if err := s.Subscribe(topic, r.Deliver); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Deliver enqueues msg for the worker. It blocks while the queue is full and
// drops the message once Run has begun shutting down. A message Deliver
// accepts is always dispatched.
func (r *Router) Deliver(msg Message) {
	r.enqueue(msg)
}

func (r *Router) enqueue(msg Message) bool {
	r.admitMu.RLock()
	if r.closed {
		r.admitMu.RUnlock()
		return false
	}
	r.inflight.Add(1)
	r.admitMu.RUnlock()
	defer r.inflight.Done()

	r.queue <- msg
	return true
}

// Dispatch runs the handler for msg.Topic on the calling goroutine.
func (r *Router) Dispatch(ctx context.Context, msg Message) (err error) {
	r.Metrics.ObserveMessage(msg.Topic)

	r.mu.RLock()
	h, ok := r.routes[msg.Topic]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.Topic)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v\n%s", msg.Topic, p, debug.Stack())
		}
	}()
	return h(ctx, msg.Payload)
}

// Run is the router's single worker. It dispatches queued messages until ctx
// is cancelled, then stops admitting new messages, dispatches everything
// already accepted and returns.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return nil
		case msg := <-r.queue:
			r.dispatchAndLog(ctx, msg)
		}
	}
}

func (r *Router) drain(ctx context.Context) {
	r.admitMu.Lock()
	r.closed = true
	r.admitMu.Unlock()

	// admitted senders may be blocked on a full queue; keep reading until
	// every one of them has handed its message over
	settled := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(settled)
	}()
	for {
		select {
		case msg := <-r.queue:
			r.dispatchAndLog(ctx, msg)
		case <-settled:
			for {
				select {
				case msg := <-r.queue:
					r.dispatchAndLog(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) dispatchAndLog(ctx context.Context, msg Message) {
	if err := r.Dispatch(ctx, msg); err != nil {
		r.logger().Printf("broker: %s [%s]: %v", msg.Topic, r.classify(err), err)
	}
}

func (r *Router) classify(err error) string {
	if errors.Is(err, ErrNoRoute) {
		return "unrouted"
	}
	if r.Classify != nil {
		return r.Classify(err)
	}
	return "handler"
}

func (r *Router) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}
