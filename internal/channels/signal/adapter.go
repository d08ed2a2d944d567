// Package signal implements the Signal transport by polling a signal-cli
// REST API instance.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// defaultPollInterval is used when the settings leave it zero.
const defaultPollInterval = 2 * time.Second

// groupPrefix marks group chat keys so Send can address them correctly.
const groupPrefix = "group."

// envelope mirrors the signal-cli REST receive payload.
type envelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Adapter polls a signal-cli REST endpoint for inbound messages. Signal
// cannot stream, so replies are buffered per chat.
type Adapter struct {
	logger *slog.Logger
	cfg    config.SignalSettings
	client *http.Client

	allow  *channels.AllowList
	dedupe *channels.Deduper
	buffer *channels.StreamBuffer

	mu     sync.Mutex
	bus    *bus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter from settings.
func New(cfg config.SignalSettings, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "signal"),
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		allow:  channels.NewAllowList(cfg.AllowedSenders),
		dedupe: channels.NewDeduper(),
		buffer: channels.NewStreamBuffer(),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelSignal }

// Start launches the polling worker. Idempotent.
func (a *Adapter) Start(ctx context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	if a.cfg.APIURL == "" || a.cfg.Account == "" {
		return fmt.Errorf("%w: signal api_url and account not configured", channels.ErrTransportUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.bus = b
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pollLoop(runCtx)
	}()

	a.logger.Info("signal adapter started", "api", a.cfg.APIURL)
	return nil
}

// Stop cancels polling; the worker notices within one poll cycle.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
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

// Send buffers chunks and posts the whole reply once per stream.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	text, ready := a.buffer.Process(msg)
	if !ready {
		return nil
	}

	payload := map[string]any{
		"message":    text,
		"number":     a.cfg.Account,
		"recipients": []string{msg.ChatID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.APIURL, "/")+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send signal message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send signal message: status %d: %s", resp.StatusCode, data)
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.PollInterval)
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("polling stopped")
			return
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// pollOnce fetches and publishes pending envelopes.
func (a *Adapter) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(a.cfg.APIURL, "/")+"/v1/receive/"+a.cfg.Account, nil)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("receive: status %d", resp.StatusCode)
	}

	var envelopes []envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	for _, env := range envelopes {
		a.publish(ctx, env)
	}
	return nil
}

func (a *Adapter) publish(ctx context.Context, env envelope) {
	data := env.Envelope.DataMessage
	if data == nil || data.Message == "" {
		return
	}
	sender := env.Envelope.Source
	if !a.allow.Allowed(sender) {
		a.logger.Debug("sender not in allow-list, dropping", "sender", sender)
		return
	}
	if a.dedupe.Seen(sender + ":" + strconv.FormatInt(env.Envelope.Timestamp, 10)) {
		return
	}

	chatID := sender
	if data.GroupInfo != nil && data.GroupInfo.GroupID != "" {
		chatID = groupPrefix + data.GroupInfo.GroupID
	}

	a.bus.PublishInbound(ctx, &models.InboundMessage{
		Channel:  models.ChannelSignal,
		SenderID: sender,
		ChatID:   chatID,
		Content:  data.Message,
		Metadata: map[string]any{"timestamp": env.Envelope.Timestamp},
	})
}
