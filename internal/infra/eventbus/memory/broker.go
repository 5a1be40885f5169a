// Package memory provides an in-memory implementation of the event bus. It
// delivers synchronously, records everything published and is used for local
// runs and end-to-end tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/internal/infra/eventbus/serialization"
)

var _ events.EventBus = (*Broker)(nil)

type subscription struct {
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

// Delivery is the outcome of handing one envelope to one subscriber.
type Delivery struct {
	Event events.EventEnvelope
	// Err is the handler error or the negative acknowledgment, if any.
	Err error
}

// Broker is an in-memory events.EventBus. Publish round-trips every envelope
// through the wire codec so subscribers see exactly what Kafka consumers see,
// then invokes matching handlers on the caller's goroutine.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	recMu     sync.Mutex
	published []events.EventEnvelope
	failures  []Delivery
	recordSeq int64
	closed    bool
}

// NewBroker creates a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Publish encodes event, records it and delivers it to every subscriber of
// its detail type. Handler failures are recorded rather than returned, as a
// producer on a durable transport never observes consumer errors.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
	}
	if event.Source == "" {
		event.Source = events.SourceExecutionService
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := serialization.SerializeEventEnvelope(event)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}
	delivered, err := serialization.UnmarshalEventEnvelope(data)
	if err != nil {
		return fmt.Errorf("failed to decode event %s: %w", event.Type, err)
	}
	delivered.Key = event.Key

	b.recMu.Lock()
	if b.closed {
		b.recMu.Unlock()
		return errors.New("event bus closed")
	}
	b.recordSeq++
	delivered.Metadata.RecordID = fmt.Sprintf("memory/%d", b.recordSeq)
	delivered.Metadata.Offset = b.recordSeq
	b.published = append(b.published, delivered)
	b.recMu.Unlock()

	for _, h := range b.handlersFor(delivered.Type) {
		b.deliver(ctx, delivered, h)
	}
	return nil
}

func (b *Broker) handlersFor(t events.EventType) []events.HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var handlers []events.HandlerFunc
	for _, sub := range b.subs {
		if _, ok := sub.types[t]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

func (b *Broker) deliver(ctx context.Context, evt events.EventEnvelope, h events.HandlerFunc) {
	var nack error
	ack := func(err error) { nack = err }

	err := h(ctx, evt, ack)
	if err == nil {
		err = nack
	}
	if err != nil {
		b.recMu.Lock()
		b.failures = append(b.failures, Delivery{Event: evt, Err: err})
		b.recMu.Unlock()
	}
}

// Subscribe registers handler for eventTypes until ctx is canceled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	sub := &subscription{types: make(map[events.EventType]struct{}, len(eventTypes)), handler: handler}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

// Published returns the recorded envelopes, filtered to types when given.
func (b *Broker) Published(types ...events.EventType) []events.EventEnvelope {
	b.recMu.Lock()
	defer b.recMu.Unlock()

	if len(types) == 0 {
		return append([]events.EventEnvelope(nil), b.published...)
	}
	want := make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []events.EventEnvelope
	for _, e := range b.published {
		if _, ok := want[e.Type]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns deliveries that failed or were negatively acknowledged.
func (b *Broker) Failures() []Delivery {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	return append([]Delivery(nil), b.failures...)
}

// Redeliver hands evt to its subscribers again, as a transport would after a
// failed acknowledgment.
func (b *Broker) Redeliver(ctx context.Context, evt events.EventEnvelope) {
	for _, h := range b.handlersFor(evt.Type) {
		b.deliver(ctx, evt, h)
	}
}

// Close rejects further publishes.
func (b *Broker) Close() error {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	b.closed = true
	return nil
}
