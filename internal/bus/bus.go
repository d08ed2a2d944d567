// Package bus implements the in-process broker that connects channel
// adapters, the agent loop, and UI subscribers. It carries three topics:
// inbound user messages, outbound replies, and system events.
//
// Delivery is synchronous and at-most-once: callbacks run on the
// publisher's goroutine, so a slow subscriber applies back-pressure to the
// publisher. Per-chat ordering of outbound messages is therefore the
// producer's obligation; the agent loop is the single producer per chat.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pocketpaw/pocketpaw/internal/observability"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Topic identifies one of the broker's three streams.
type Topic string

const (
	TopicInbound  Topic = "inbound"
	TopicOutbound Topic = "outbound"
	TopicSystem   Topic = "system"
)

// InboundHandler receives inbound messages.
type InboundHandler func(ctx context.Context, msg *models.InboundMessage)

// OutboundHandler receives outbound messages.
type OutboundHandler func(ctx context.Context, msg *models.OutboundMessage)

// SystemHandler receives system events.
type SystemHandler func(ctx context.Context, event *models.SystemEvent)

// Subscription is an opaque handle returned by the subscribe methods.
type Subscription struct {
	topic Topic
	id    uint64
}

// AuditSink records subscriber failures; satisfied by *audit.Logger.
type AuditSink interface {
	Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any)
}

// Bus is the process-wide broker.
type Bus struct {
	logger *slog.Logger
	audit  AuditSink

	mu        sync.RWMutex
	nextID    uint64
	inbound   map[uint64]InboundHandler
	outbound  map[uint64]OutboundHandler
	system    map[uint64]SystemHandler
	byVariant map[models.SystemEventType]map[uint64]SystemHandler
}

// New creates a bus. The audit sink may be nil.
func New(logger *slog.Logger, sink AuditSink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:    logger.With("component", "bus"),
		audit:     sink,
		inbound:   make(map[uint64]InboundHandler),
		outbound:  make(map[uint64]OutboundHandler),
		system:    make(map[uint64]SystemHandler),
		byVariant: make(map[models.SystemEventType]map[uint64]SystemHandler),
	}
}

// SubscribeInbound registers a callback for inbound messages.
func (b *Bus) SubscribeInbound(fn InboundHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.inbound[b.nextID] = fn
	return Subscription{topic: TopicInbound, id: b.nextID}
}

// SubscribeOutbound registers a callback for outbound messages.
func (b *Bus) SubscribeOutbound(fn OutboundHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.outbound[b.nextID] = fn
	return Subscription{topic: TopicOutbound, id: b.nextID}
}

// SubscribeSystem registers a callback for all system events.
func (b *Bus) SubscribeSystem(fn SystemHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.system[b.nextID] = fn
	return Subscription{topic: TopicSystem, id: b.nextID}
}

// SubscribeSystemType registers a callback for one system event variant.
func (b *Bus) SubscribeSystemType(eventType models.SystemEventType, fn SystemHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m := b.byVariant[eventType]
	if m == nil {
		m = make(map[uint64]SystemHandler)
		b.byVariant[eventType] = m
	}
	m[b.nextID] = fn
	return Subscription{topic: TopicSystem, id: b.nextID}
}

// Unsubscribe removes a subscription. It is idempotent; unknown handles
// are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inbound, sub.id)
	delete(b.outbound, sub.id)
	delete(b.system, sub.id)
	for _, m := range b.byVariant {
		delete(m, sub.id)
	}
}

// PublishInbound delivers an inbound message to every inbound subscriber.
func (b *Bus) PublishInbound(ctx context.Context, msg *models.InboundMessage) {
	observability.BusPublishes.WithLabelValues(string(TopicInbound)).Inc()
	for _, fn := range b.snapshotInbound() {
		b.deliver(string(TopicInbound), func() { fn(ctx, msg) })
	}
}

// PublishOutbound delivers an outbound message to every outbound
// subscriber. Callers must preserve per-chat ordering themselves.
func (b *Bus) PublishOutbound(ctx context.Context, msg *models.OutboundMessage) {
	observability.BusPublishes.WithLabelValues(string(TopicOutbound)).Inc()
	for _, fn := range b.snapshotOutbound() {
		b.deliver(string(TopicOutbound), func() { fn(ctx, msg) })
	}
}

// PublishSystem delivers a system event to the topic subscribers and to
// any variant subscribers for its type.
func (b *Bus) PublishSystem(ctx context.Context, event *models.SystemEvent) {
	observability.BusPublishes.WithLabelValues(string(TopicSystem)).Inc()
	all, variant := b.snapshotSystem(event.Type)
	for _, fn := range all {
		b.deliver(string(TopicSystem), func() { fn(ctx, event) })
	}
	for _, fn := range variant {
		b.deliver(string(TopicSystem), func() { fn(ctx, event) })
	}
}

func (b *Bus) snapshotInbound() []InboundHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]InboundHandler, 0, len(b.inbound))
	for _, fn := range b.inbound {
		out = append(out, fn)
	}
	return out
}

func (b *Bus) snapshotOutbound() []OutboundHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]OutboundHandler, 0, len(b.outbound))
	for _, fn := range b.outbound {
		out = append(out, fn)
	}
	return out
}

func (b *Bus) snapshotSystem(eventType models.SystemEventType) (all, variant []SystemHandler) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all = make([]SystemHandler, 0, len(b.system))
	for _, fn := range b.system {
		all = append(all, fn)
	}
	for _, fn := range b.byVariant[eventType] {
		variant = append(variant, fn)
	}
	return all, variant
}

// deliver runs one callback, containing panics so a failing subscriber
// cannot prevent siblings on the same topic from receiving the event.
func (b *Bus) deliver(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bus subscriber panicked", "topic", topic, "panic", r)
			if b.audit != nil {
				b.audit.Log(models.AuditWarning, "bus", "subscriber_panic", topic, "recovered", map[string]any{"panic": r})
			}
		}
	}()
	fn()
}
