// Package webhook implements named inbound webhook slots. External systems
// post text to a slot; the agent's reply can optionally be awaited
// synchronously.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// defaultSyncTimeout bounds synchronous waits when the slot leaves it zero.
const defaultSyncTimeout = 30 * time.Second

var (
	// ErrUnknownSlot means no slot with that name is configured.
	ErrUnknownSlot = errors.New("unknown webhook slot")
	// ErrBadSecret means the caller's secret did not match the slot's.
	ErrBadSecret = errors.New("webhook secret mismatch")
	// ErrSyncTimeout means the reply did not arrive within the slot's
	// sync timeout. The HTTP layer maps it to 504.
	ErrSyncTimeout = errors.New("webhook reply timed out")
)

// Adapter bridges webhook deliveries onto the bus. Each delivery becomes
// its own chat so replies can be matched back to the waiting request.
type Adapter struct {
	logger *slog.Logger
	buffer *channels.StreamBuffer

	mu      sync.Mutex
	started bool
	slots   map[string]config.WebhookSlot
	bus     *bus.Bus
	pending map[string]chan string // chat id -> reply future
}

// New creates the adapter from the configured slots.
func New(slots []config.WebhookSlot, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]config.WebhookSlot, len(slots))
	for _, slot := range slots {
		if slot.Name != "" {
			byName[slot.Name] = slot
		}
	}
	return &Adapter{
		logger:  logger.With("adapter", "webhook"),
		buffer:  channels.NewStreamBuffer(),
		slots:   byName,
		pending: make(map[string]chan string),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelWebhook }

// Start marks the adapter ready; deliveries arrive via HandleDelivery.
func (a *Adapter) Start(_ context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if len(a.slots) == 0 {
		return fmt.Errorf("%w: no webhook slots configured", channels.ErrTransportUnavailable)
	}
	a.started = true
	a.bus = b
	a.logger.Info("webhook adapter started", "slots", len(a.slots))
	return nil
}

// Stop releases any synchronous waiters.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan string)
	a.started = false
	a.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return nil
}

// Send resolves the waiting delivery's future once its reply stream ends.
// Async deliveries have no waiter; their replies are dropped here.
func (a *Adapter) Send(_ context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	a.mu.Lock()
	ch := a.pending[msg.ChatID]
	delete(a.pending, msg.ChatID)
	a.mu.Unlock()

	if ch != nil {
		ch <- text
		close(ch)
	}
	return nil
}

// SlotNames lists configured slots, for the HTTP layer's listing endpoint.
func (a *Adapter) SlotNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.slots))
	for name := range a.slots {
		names = append(names, name)
	}
	return names
}

// HandleDelivery publishes one webhook delivery. With sync set it blocks
// until the agent's reply stream completes or the slot's sync timeout
// elapses; otherwise it returns immediately with an empty reply. The
// optional sender names the upstream system that posted the delivery.
func (a *Adapter) HandleDelivery(ctx context.Context, slotName, secret, content, sender string, sync bool) (string, error) {
	a.mu.Lock()
	started := a.started
	slot, ok := a.slots[slotName]
	b := a.bus
	a.mu.Unlock()

	if !started {
		return "", fmt.Errorf("webhook adapter not started")
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}
	if slot.Secret != "" && subtle.ConstantTimeCompare([]byte(slot.Secret), []byte(secret)) != 1 {
		return "", ErrBadSecret
	}
	if content == "" {
		return "", errors.New("empty webhook body")
	}

	// Each delivery is its own chat; the reply is routed back by chat id.
	chatID := fmt.Sprintf("webhook:%s:%s", slotName, uuid.NewString())

	var reply chan string
	if sync {
		reply = make(chan string, 1)
		a.mu.Lock()
		a.pending[chatID] = reply
		a.mu.Unlock()
	}

	senderID := "webhook:" + slotName
	meta := map[string]any{"slot": slotName}
	if sender != "" {
		senderID += ":" + sender
		meta["sender"] = sender
	}
	b.PublishInbound(ctx, &models.InboundMessage{
		Channel:  models.ChannelWebhook,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Metadata: meta,
	})
	a.logger.Info("webhook delivery", "slot", slotName, "sync", sync)

	if !sync {
		return "", nil
	}

	timeout := time.Duration(slot.SyncTimeout)
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case text, ok := <-reply:
		if !ok {
			return "", errors.New("webhook adapter stopped")
		}
		return text, nil
	case <-timer.C:
		a.abandon(chatID)
		return "", ErrSyncTimeout
	case <-ctx.Done():
		a.abandon(chatID)
		return "", ctx.Err()
	}
}

func (a *Adapter) abandon(chatID string) {
	a.mu.Lock()
	delete(a.pending, chatID)
	a.mu.Unlock()
}
