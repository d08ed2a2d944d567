// Package telegram implements the Telegram transport using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Adapter connects a Telegram bot to the message bus. Replies are buffered
// per chat and sent whole on stream end; forum topics map to per-topic
// sessions.
type Adapter struct {
	logger *slog.Logger
	cfg    config.TelegramSettings

	allow  *channels.AllowList
	dedupe *channels.Deduper
	buffer *channels.StreamBuffer

	mu     sync.Mutex
	bot    *bot.Bot
	bus    *bus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter from settings.
func New(cfg config.TelegramSettings, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "telegram"),
		cfg:    cfg,
		allow:  channels.NewAllowList(cfg.AllowedSenders),
		dedupe: channels.NewDeduper(),
		buffer: channels.NewStreamBuffer(),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelTelegram }

// Start connects the bot and begins long polling. Idempotent.
func (a *Adapter) Start(ctx context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return nil
	}
	if a.cfg.BotToken == "" {
		return fmt.Errorf("%w: telegram bot token not configured", channels.ErrTransportUnavailable)
	}

	tg, err := bot.New(a.cfg.BotToken, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrTransportUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.bot = tg
	a.bus = b
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		tg.Start(runCtx)
		a.logger.Info("long polling stopped")
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop cancels polling and waits for the worker within the deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.bot = nil
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send buffers chunks and transmits once per stream.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	a.mu.Lock()
	tg := a.bot
	a.mu.Unlock()
	if tg == nil {
		return fmt.Errorf("telegram adapter not started")
	}

	group, topic, hasTopic := models.ParseChatID(msg.ChatID)
	chatID, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if hasTopic {
		params.MessageThreadID = topic
	}
	if _, err := tg.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// handleUpdate converts one Telegram update into an inbound message. Forum
// topic messages get a ":topic:<n>" suffix so each topic is its own
// session.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		return
	}

	sender := strconv.FormatInt(msg.From.ID, 10)
	if !a.allow.Allowed(sender) {
		a.logger.Debug("sender not in allow-list, dropping", "sender", sender)
		return
	}
	if a.dedupe.Seen(fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID)) {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		chatID = models.TopicChatID(chatID, msg.MessageThreadID)
	}

	a.bus.PublishInbound(ctx, &models.InboundMessage{
		Channel:  models.ChannelTelegram,
		SenderID: sender,
		ChatID:   chatID,
		Content:  msg.Text,
		Metadata: map[string]any{"message_id": msg.ID},
	})
}
