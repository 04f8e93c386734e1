// Package bus provides the in-process typed publish/subscribe fabric the
// pipeline actors communicate over.
//
// Each subscription owns a bounded queue and a delivery goroutine, so a slow
// consumer can never block a publisher: [Bus.Publish] is a non-blocking
// try-put that drops the message (and counts the drop) when a queue is full.
// Delivery order is preserved per (publisher, topic) because each
// subscription drains a single FIFO queue.
//
// Nodes register declaratively: a [NodeSpec] names the topics the node
// publishes and maps the topics it consumes to callbacks. The bus wires the
// queues when the node is registered.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription queue bound.
const DefaultQueueSize = 100

// Message is the envelope delivered to subscribers. Payload is the typed
// record for the topic (see topics.go).
type Message struct {
	ID        string
	Topic     Topic
	Source    string
	Timestamp time.Time
	Payload   any
}

// NodeSpec declares a node's bus surface. Publishes is informational (used
// for startup logging and diagnostics); Subscribes wires callbacks to topics.
type NodeSpec struct {
	// Name identifies the node in logs and as the Source of its messages.
	Name string

	// Publishes lists the topics this node emits on.
	Publishes []Topic

	// Subscribes maps each consumed topic to its callback. Callbacks run on
	// the subscription's delivery goroutine, one message at a time.
	Subscribes map[Topic]func(Message)
}

// subscription is one bounded queue plus its delivery goroutine.
type subscription struct {
	node  string
	topic Topic
	queue chan Message
}

// Bus is the in-process message bus. All methods are safe for concurrent use.
type Bus struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	nodes  map[string]NodeSpec
	closed bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	published atomic.Int64
	dropped   atomic.Int64
}

// Option is a functional option for [New].
type Option func(*Bus)

// WithQueueSize overrides the per-subscription queue bound (default 100).
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize: DefaultQueueSize,
		subs:      make(map[Topic][]*subscription),
		nodes:     make(map[string]NodeSpec),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register wires a node's subscriptions to queues and starts their delivery
// goroutines. Registering two nodes with the same name is an error.
func (b *Bus) Register(spec NodeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("bus: node spec must have a name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus: closed")
	}
	if _, ok := b.nodes[spec.Name]; ok {
		return fmt.Errorf("bus: node %q already registered", spec.Name)
	}
	b.nodes[spec.Name] = spec

	for topic, cb := range spec.Subscribes {
		sub := &subscription{
			node:  spec.Name,
			topic: topic,
			queue: make(chan Message, b.queueSize),
		}
		b.subs[topic] = append(b.subs[topic], sub)

		b.wg.Add(1)
		go b.deliver(sub, cb)
	}

	slog.Debug("bus: node registered",
		"node", spec.Name,
		"publishes", spec.Publishes,
		"subscribes", len(spec.Subscribes),
	)
	return nil
}

// deliver drains one subscription queue, invoking cb per message. It exits
// when the bus is closed and the queue is empty.
func (b *Bus) deliver(sub *subscription, cb func(Message)) {
	defer b.wg.Done()

	for {
		select {
		case msg := <-sub.queue:
			cb(msg)
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case msg := <-sub.queue:
					cb(msg)
				default:
					return
				}
			}
		}
	}
}

// Publish delivers payload on topic to every current subscriber without
// blocking. Full queues drop the message for that subscriber and increment
// the drop counter. Returns the number of subscribers that received the
// message.
func (b *Bus) Publish(source string, topic Topic, payload any) int {
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	subs := b.subs[topic]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return 0
	}
	b.published.Add(1)

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.queue <- msg:
			delivered++
		default:
			b.dropped.Add(1)
			slog.Warn("bus: queue full, dropping message",
				"topic", topic,
				"subscriber", sub.node,
				"source", source,
			)
		}
	}
	return delivered
}

// Published returns the total number of messages accepted for delivery.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the total number of per-subscriber drops due to full queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops delivery. Messages already queued are drained to their
// callbacks before the delivery goroutines exit. Publish after Close is a
// no-op. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)
		b.wg.Wait()
	})
}
