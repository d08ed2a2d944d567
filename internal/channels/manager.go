package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/observability"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Auditor records adapter lifecycle findings; *audit.Logger satisfies it.
type Auditor interface {
	Log(severity models.AuditSeverity, actor, action, target, status string, ctx map[string]any)
}

// Manager owns the registered adapters and routes outbound messages to the
// adapter whose transport the chat arrived on. The chat-to-channel mapping
// is learned from inbound traffic.
type Manager struct {
	logger *slog.Logger
	bus    *bus.Bus
	audit  Auditor

	mu       sync.RWMutex
	adapters map[models.Channel]Adapter
	started  map[models.Channel]bool
	routes   map[string]models.Channel

	subs []bus.Subscription
}

// NewManager creates an empty manager. The audit sink may be nil.
func NewManager(logger *slog.Logger, b *bus.Bus, audit Auditor) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		bus:      b,
		audit:    audit,
		adapters: make(map[models.Channel]Adapter),
		started:  make(map[models.Channel]bool),
		routes:   make(map[string]models.Channel),
	}
}

// Register adds an adapter. Later registrations replace earlier ones for
// the same channel.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Channel()] = a
}

// StartAll attaches the routing subscriptions and starts every adapter.
// One adapter failing to start is logged and audited, not fatal: the rest
// of the runtime keeps working.
func (m *Manager) StartAll(ctx context.Context) {
	m.subs = append(m.subs,
		m.bus.SubscribeInbound(func(_ context.Context, msg *models.InboundMessage) {
			m.recordRoute(msg.ChatID, msg.Channel)
			observability.AdapterReceived.WithLabelValues(string(msg.Channel)).Inc()
		}),
		m.bus.SubscribeOutbound(func(ctx context.Context, msg *models.OutboundMessage) {
			m.deliver(ctx, msg)
		}),
	)

	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		name := string(a.Channel())
		if err := a.Start(ctx, m.bus); err != nil {
			m.logger.Error("adapter failed to start", "channel", name, "error", err)
			if m.audit != nil {
				m.audit.Log(models.AuditWarning, "channels", "adapter_start", name, "failed",
					map[string]any{"error": err.Error()})
			}
			continue
		}
		m.mu.Lock()
		m.started[a.Channel()] = true
		m.mu.Unlock()
		m.logger.Info("adapter started", "channel", name)
	}
}

// StopAll stops every started adapter. Errors are logged; siblings still
// stop.
func (m *Manager) StopAll(ctx context.Context) {
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
	}
	m.subs = nil

	m.mu.Lock()
	running := make([]Adapter, 0, len(m.started))
	for ch := range m.started {
		running = append(running, m.adapters[ch])
	}
	m.started = make(map[models.Channel]bool)
	m.mu.Unlock()

	for _, a := range running {
		if err := a.Stop(ctx); err != nil {
			m.logger.Error("adapter failed to stop", "channel", a.Channel(), "error", err)
		}
	}
}

// Active returns the names of running adapters, sorted.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.started))
	for ch := range m.started {
		out = append(out, string(ch))
	}
	sort.Strings(out)
	return out
}

// Route reports the channel a chat's traffic arrived on, if known.
func (m *Manager) Route(chatID string) (models.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.routes[chatID]
	return ch, ok
}

// Get returns a registered adapter.
func (m *Manager) Get(ch models.Channel) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[ch]
	return a, ok
}

func (m *Manager) recordRoute(chatID string, ch models.Channel) {
	m.mu.Lock()
	m.routes[chatID] = ch
	m.mu.Unlock()
}

// deliver routes one outbound message to the adapter owning its chat.
// Messages for chats with no learned route (e.g. API-bridge chats consumed
// directly by SSE subscribers) are ignored here.
func (m *Manager) deliver(ctx context.Context, msg *models.OutboundMessage) {
	m.mu.RLock()
	ch, routed := m.routes[msg.ChatID]
	adapter := m.adapters[ch]
	running := m.started[ch]
	m.mu.RUnlock()

	if !routed || adapter == nil || !running {
		return
	}

	if err := adapter.Send(ctx, msg); err != nil {
		observability.AdapterSendErrors.WithLabelValues(string(ch)).Inc()
		m.logger.Error("outbound delivery failed", "channel", ch, "chat", msg.ChatID, "error", err)
		return
	}
	if !msg.IsStreamChunk {
		observability.AdapterSent.WithLabelValues(string(ch)).Inc()
	}
}
