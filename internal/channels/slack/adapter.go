// Package slack implements the Slack transport over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Adapter connects a Slack app to the message bus via Socket Mode, which
// needs no public endpoint. Replies are buffered per chat.
type Adapter struct {
	logger *slog.Logger
	cfg    config.SlackSettings

	allow  *channels.AllowList
	dedupe *channels.Deduper
	buffer *channels.StreamBuffer

	mu     sync.Mutex
	client *slack.Client
	socket *socketmode.Client
	bus    *bus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter from settings.
func New(cfg config.SlackSettings, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "slack"),
		cfg:    cfg,
		allow:  channels.NewAllowList(cfg.AllowedSenders),
		dedupe: channels.NewDeduper(),
		buffer: channels.NewStreamBuffer(),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelSlack }

// Start opens the Socket Mode connection. Idempotent.
func (a *Adapter) Start(ctx context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	if a.cfg.BotToken == "" || a.cfg.AppToken == "" {
		return fmt.Errorf("%w: slack bot and app tokens not configured", channels.ErrTransportUnavailable)
	}

	client := slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
	socket := socketmode.New(client)

	runCtx, cancel := context.WithCancel(ctx)
	a.client = client
	a.socket = socket
	a.bus = b
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.eventLoop(runCtx)
	}()

	a.logger.Info("slack adapter started")
	return nil
}

// Stop cancels the socket loops.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.client = nil
	a.socket = nil
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

// Send buffers chunks and posts once per stream.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("slack adapter not started")
	}

	if _, _, err := client.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}

func (a *Adapter) eventLoop(ctx context.Context) {
	a.mu.Lock()
	socket := a.socket
	a.mu.Unlock()
	if socket == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				a.logger.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
				if event.Request != nil {
					socket.Ack(*event.Request)
				}
				if ok {
					a.handleEventsAPI(ctx, apiEvent)
				}
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	a.handleMessage(ctx, ev)
}

func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Ignore bot echoes and edits/joins carried as subtypes.
	if ev.BotID != "" || ev.SubType != "" || ev.Text == "" {
		return
	}
	if !a.allow.Allowed(ev.User) {
		a.logger.Debug("sender not in allow-list, dropping", "sender", ev.User)
		return
	}
	if a.dedupe.Seen(ev.Channel + ":" + ev.TimeStamp) {
		return
	}

	a.bus.PublishInbound(ctx, &models.InboundMessage{
		Channel:  models.ChannelSlack,
		SenderID: ev.User,
		ChatID:   ev.Channel,
		Content:  ev.Text,
		Metadata: map[string]any{"ts": ev.TimeStamp, "thread_ts": ev.ThreadTimeStamp},
	})
}
