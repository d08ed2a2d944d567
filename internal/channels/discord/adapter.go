// Package discord implements the Discord transport over the gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// maxMessageLen is Discord's hard message size limit.
const maxMessageLen = 2000

// Adapter connects a Discord bot to the message bus. The gateway cannot
// stream, so replies are buffered per chat and split at the platform limit.
type Adapter struct {
	logger *slog.Logger
	cfg    config.DiscordSettings

	allow  *channels.AllowList
	dedupe *channels.Deduper
	buffer *channels.StreamBuffer

	mu      sync.Mutex
	session *discordgo.Session
	bus     *bus.Bus
}

// New creates the adapter from settings.
func New(cfg config.DiscordSettings, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "discord"),
		cfg:    cfg,
		allow:  channels.NewAllowList(cfg.AllowedSenders),
		dedupe: channels.NewDeduper(),
		buffer: channels.NewStreamBuffer(),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelDiscord }

// Start opens the gateway session. Idempotent.
func (a *Adapter) Start(_ context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return nil
	}
	if a.cfg.BotToken == "" {
		return fmt.Errorf("%w: discord bot token not configured", channels.ErrTransportUnavailable)
	}

	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrTransportUnavailable, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(a.handleMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: open gateway: %v", channels.ErrTransportUnavailable, err)
	}

	a.session = session
	a.bus = b
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// Send buffers chunks and transmits once per stream, splitting at the
// platform message limit.
func (a *Adapter) Send(_ context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return fmt.Errorf("discord adapter not started")
	}

	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := session.ChannelMessageSend(msg.ChatID, part); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Content == "" {
		return
	}
	if !a.allow.Allowed(m.Author.ID) {
		a.logger.Debug("sender not in allow-list, dropping", "sender", m.Author.ID)
		return
	}
	if a.dedupe.Seen(m.ID) {
		return
	}

	a.bus.PublishInbound(context.Background(), &models.InboundMessage{
		Channel:  models.ChannelDiscord,
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  m.Content,
		Metadata: map[string]any{"message_id": m.ID, "guild_id": m.GuildID},
	})
}

// splitMessage breaks text at the limit, preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if text[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
