// Package whatsapp implements the WhatsApp transport using whatsmeow with
// a SQLite-backed session store.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // driver for the whatsmeow session store

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Adapter connects a WhatsApp account to the message bus. First start
// requires pairing: the QR code is logged for the owner to scan. Replies
// are buffered per chat and WhatsApp-formatted replies stay plain text.
type Adapter struct {
	logger *slog.Logger
	cfg    config.WhatsAppSettings

	allow  *channels.AllowList
	dedupe *channels.Deduper
	buffer *channels.StreamBuffer

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	bus       *bus.Bus
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates the adapter from settings.
func New(cfg config.WhatsAppSettings, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "whatsapp"),
		cfg:    cfg,
		allow:  channels.NewAllowList(cfg.AllowedSenders),
		dedupe: channels.NewDeduper(),
		buffer: channels.NewStreamBuffer(),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelWhatsApp }

// Start opens the session store and connects. Idempotent.
func (a *Adapter) Start(ctx context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	if a.cfg.SessionPath == "" {
		return fmt.Errorf("%w: whatsapp session path not configured", channels.ErrTransportUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.SessionPath), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.cfg.SessionPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("%w: open session store: %v", channels.ErrDependencyMissing, err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	runCtx, cancel := context.WithCancel(ctx)
	a.container = container
	a.client = client
	a.bus = b
	a.cancel = cancel

	client.AddEventHandler(func(evt any) { a.handleEvent(runCtx, evt) })

	if client.Store.ID == nil {
		// Not paired yet: surface QR codes in the log.
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			a.reset()
			return fmt.Errorf("get qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			a.reset()
			return fmt.Errorf("%w: connect: %v", channels.ErrTransportUnavailable, err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						a.logger.Info("scan QR code to pair whatsapp", "code", evt.Code)
					}
				}
			}
		}()
	} else if err := client.Connect(); err != nil {
		cancel()
		a.reset()
		return fmt.Errorf("%w: connect: %v", channels.ErrTransportUnavailable, err)
	}

	a.logger.Info("whatsapp adapter started")
	return nil
}

// reset clears connection state. Must hold a.mu.
func (a *Adapter) reset() {
	if a.container != nil {
		a.container.Close()
	}
	a.container = nil
	a.client = nil
	a.cancel = nil
}

// Stop disconnects and closes the session store.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	client := a.client
	container := a.container
	cancel := a.cancel
	a.client = nil
	a.container = nil
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			return fmt.Errorf("close session store: %w", err)
		}
	}
	return nil
}

// Send buffers chunks and transmits once per stream.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("whatsapp adapter not started")
	}

	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid whatsapp chat id %q: %w", msg.ChatID, err)
	}

	_, err = client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (a *Adapter) handleEvent(ctx context.Context, evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.logger.Info("connected to whatsapp")
	case *events.Disconnected:
		a.logger.Warn("disconnected from whatsapp")
	case *events.LoggedOut:
		a.logger.Warn("logged out from whatsapp", "reason", v.Reason)
	case *events.Message:
		a.handleMessage(ctx, v)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	var content string
	switch {
	case evt.Message.Conversation != nil:
		content = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		content = evt.Message.ExtendedTextMessage.GetText()
	}
	if content == "" {
		return
	}

	sender := evt.Info.Sender.ToNonAD().String()
	if !a.allow.Allowed(sender) {
		a.logger.Debug("sender not in allow-list, dropping", "sender", sender)
		return
	}
	if a.dedupe.Seen(evt.Info.ID) {
		return
	}

	a.bus.PublishInbound(ctx, &models.InboundMessage{
		Channel:  models.ChannelWhatsApp,
		SenderID: sender,
		ChatID:   evt.Info.Chat.String(),
		Content:  content,
		Metadata: map[string]any{"push_name": evt.Info.PushName},
	})
}
