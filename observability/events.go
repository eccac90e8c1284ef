package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// EventKind names the five observer event types the core emits.
type EventKind string

const (
	TaskStateChanged EventKind = "TaskStateChanged"
	TaskProgress     EventKind = "TaskProgress"
	DagStateChanged  EventKind = "DagStateChanged"
	NodeStateChanged EventKind = "NodeStateChanged"
	TriggerFired     EventKind = "TriggerFired"
)

// Event is the typed payload delivered to observers. Fields not relevant to
// a given Kind are left zero.
type Event struct {
	Kind      EventKind
	EntityID  string
	DAGID     string
	Status    string
	Progress  float64
	Message   string
	Timestamp time.Time
}

// EventBus is an additive, in-process publish/subscribe point. Subscribing
// never fails; a panicking observer is recovered so it can never affect
// core execution, per the external interfaces contract.
type EventBus struct {
	mu        sync.RWMutex
	observers []func(Event)
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers an observer callback. Subscription is additive; there
// is no unsubscribe, matching the spec's "subscription is additive".
func (b *EventBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Publish delivers ev to every subscribed observer, isolating each call so a
// panicking observer cannot break the publisher or other observers.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	observers := make([]func(Event), len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()
	for _, fn := range observers {
		b.dispatch(fn, ev)
	}
}

func (b *EventBus) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", "panic", r, "event_kind", ev.Kind)
		}
	}()
	fn(ev)
}

// NATSMirror republishes every event published on the bus to a NATS
// subject, adapted from natsctx.go's trace-propagating publish helper. It
// is entirely optional: the core never constructs one itself, since the
// no-distributed-execution non-goal means a broker is never required, only
// permitted as an embedding application's choice.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
	tracer  trace.Tracer
}

// NewNATSMirror wires bus events to a NATS subject. Pass a live *nats.Conn
// obtained by the embedding application; this package never dials NATS
// itself.
func NewNATSMirror(bus *EventBus, conn *nats.Conn, subject string) *NATSMirror {
	m := &NATSMirror{conn: conn, subject: subject, tracer: otel.Tracer("taskforge-nats")}
	bus.Subscribe(m.publish)
	return m
}

func (m *NATSMirror) publish(ev Event) {
	ctx, span := m.tracer.Start(context.Background(), "observers.mirror")
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("nats mirror: marshal event failed", "error", err)
		return
	}
	hdr := nats.Header{}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: m.subject, Data: data, Header: hdr}
	if err := m.conn.PublishMsg(msg); err != nil {
		slog.Warn("nats mirror: publish failed", "error", err)
	}
}
