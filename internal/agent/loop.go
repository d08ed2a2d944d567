package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/observability"
	"github.com/pocketpaw/pocketpaw/internal/tools"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const (
	// maxToolRounds bounds model/tool ping-pong within one turn.
	maxToolRounds = 10

	// historyLimit caps how many session messages feed the context.
	historyLimit = 40

	// memoryContextLimit caps long-term memories in the system prompt.
	memoryContextLimit = 5
)

// Loop is the orchestrator: one instance per process, subscribed to inbound
// messages. Turns on the same chat run strictly in order; different chats
// run concurrently.
type Loop struct {
	logger   *slog.Logger
	bus      *bus.Bus
	registry *tools.Registry
	memory   *memory.Store
	prompts  *PromptBuilder
	settings func() config.Settings

	providers Providers

	mu       sync.Mutex
	sessions map[string]*chatSession

	sub bus.Subscription
}

// chatSession serializes turns for one chat key and carries the cancel
// hook for /chat/stop.
type chatSession struct {
	turn   sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
}

// LoopOptions wires a Loop's collaborators.
type LoopOptions struct {
	Logger    *slog.Logger
	Bus       *bus.Bus
	Registry  *tools.Registry
	Memory    *memory.Store
	Prompts   *PromptBuilder
	Settings  func() config.Settings
	Providers Providers
}

// NewLoop creates the orchestrator. Call Start to begin consuming.
func NewLoop(opts LoopOptions) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:    logger.With("component", "agent"),
		bus:       opts.Bus,
		registry:  opts.Registry,
		memory:    opts.Memory,
		prompts:   opts.Prompts,
		settings:  opts.Settings,
		providers: opts.Providers,
		sessions:  make(map[string]*chatSession),
	}
}

// Start subscribes to inbound messages. Each message is handled on its own
// goroutine so the bus publisher is never blocked behind a model call.
func (l *Loop) Start(ctx context.Context) {
	l.sub = l.bus.SubscribeInbound(func(_ context.Context, msg *models.InboundMessage) {
		go l.handle(ctx, *msg)
	})
	l.logger.Info("agent loop started")
}

// Close stops consuming inbound messages. In-flight turns finish on their
// own contexts.
func (l *Loop) Close() {
	l.bus.Unsubscribe(l.sub)
}

// Stop cancels the in-flight turn for a chat, if any.
func (l *Loop) Stop(chatID string) bool {
	l.mu.Lock()
	sess := l.sessions[chatID]
	l.mu.Unlock()
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (l *Loop) session(chatID string) *chatSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess := l.sessions[chatID]
	if sess == nil {
		sess = &chatSession{}
		l.sessions[chatID] = sess
	}
	return sess
}

// handle runs one turn, serialized per chat key.
func (l *Loop) handle(ctx context.Context, msg models.InboundMessage) {
	sess := l.session(msg.ChatID)
	sess.turn.Lock()
	defer sess.turn.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		sess.cancel = nil
		sess.mu.Unlock()
	}()

	started := time.Now()
	l.runTurn(turnCtx, msg)
	observability.TurnDuration.Observe(time.Since(started).Seconds())
}

// runTurn drives one full model interaction. Whatever happens, exactly one
// stream-end marker is published for the chat.
func (l *Loop) runTurn(ctx context.Context, msg models.InboundMessage) {
	var inputTokens, outputTokens int
	defer func() { l.publishStreamEnd(msg.ChatID, inputTokens, outputTokens) }()

	settings := l.settings()
	model := ModelFor(settings, msg.Content)

	provider, err := l.providers.For(model)
	if err != nil {
		l.fail(ctx, msg.ChatID, "No language model is configured. Set an API key in settings.", err)
		return
	}

	system := l.prompts.Build(msg.Channel, l.memoryContext(ctx))
	messages := append(l.history(ctx, msg.ChatID), CompletionMessage{Role: "user", Content: msg.Content})
	defs := l.registry.Definitions()

	l.logger.Info("turn started",
		"chat", msg.ChatID,
		"channel", msg.Channel,
		"model", model,
		"provider", provider.Name())
	l.publishEvent(ctx, models.EventThinking, "", map[string]any{"chat_id": msg.ChatID})

	var final strings.Builder
	thinking := true
	doneThinking := func() {
		if thinking {
			thinking = false
			l.publishEvent(ctx, models.EventThinkingDone, "", map[string]any{"chat_id": msg.ChatID})
		}
	}
	defer doneThinking()

	for round := 0; round < maxToolRounds; round++ {
		chunks, err := provider.Complete(ctx, CompletionRequest{
			Model:    model,
			System:   system,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			l.fail(ctx, msg.ChatID, "The model request failed: "+err.Error(), err)
			return
		}

		var text strings.Builder
		var calls []models.ToolCall
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				go drainChunks(chunks)
				if errors.Is(chunk.Err, context.Canceled) || ctx.Err() != nil {
					l.logger.Info("turn cancelled", "chat", msg.ChatID)
					l.persistTurn(msg, final.String())
					return
				}
				l.fail(ctx, msg.ChatID, "The model stream failed: "+chunk.Err.Error(), chunk.Err)
				return

			case chunk.Text != "":
				doneThinking()
				text.WriteString(chunk.Text)
				final.WriteString(chunk.Text)
				l.bus.PublishOutbound(ctx, &models.OutboundMessage{
					ChatID:        msg.ChatID,
					Content:       chunk.Text,
					IsStreamChunk: true,
				})

			case chunk.ToolCall != nil:
				calls = append(calls, *chunk.ToolCall)

			case chunk.Done:
				inputTokens += chunk.InputTokens
				outputTokens += chunk.OutputTokens
			}
		}
		if ctx.Err() != nil {
			l.logger.Info("turn cancelled", "chat", msg.ChatID)
			l.persistTurn(msg, final.String())
			return
		}

		if len(calls) == 0 {
			l.persistTurn(msg, final.String())
			return
		}

		messages = append(messages, CompletionMessage{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: calls,
		})
		results := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			l.publishEvent(ctx, models.EventToolUse, call.Name, map[string]any{
				"chat_id": msg.ChatID,
				"input":   string(call.Input),
			})
			result := l.registry.Execute(ctx, msg.ChatID, call)
			if ctx.Err() != nil {
				// Cancelled mid-call; the result is discarded.
				l.persistTurn(msg, final.String())
				return
			}
			l.publishEvent(ctx, models.EventToolResult, call.Name, map[string]any{
				"chat_id":  msg.ChatID,
				"is_error": result.IsError,
			})
			results = append(results, result)
		}
		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
	}

	l.fail(ctx, msg.ChatID, "Stopping: too many tool rounds in one turn.", errors.New("tool round limit reached"))
	l.persistTurn(msg, final.String())
}

// fail emits the user-visible error chunk and the error event. The deferred
// stream-end in runTurn still follows.
func (l *Loop) fail(ctx context.Context, chatID, visible string, err error) {
	l.logger.Error("turn failed", "chat", chatID, "error", err)
	l.bus.PublishOutbound(ctx, &models.OutboundMessage{
		ChatID:        chatID,
		Content:       visible,
		IsStreamChunk: true,
	})
	l.publishEvent(ctx, models.EventError, err.Error(), map[string]any{"chat_id": chatID})
}

func (l *Loop) publishStreamEnd(chatID string, inputTokens, outputTokens int) {
	end := &models.OutboundMessage{
		ChatID:      chatID,
		IsStreamEnd: true,
	}
	if inputTokens > 0 || outputTokens > 0 {
		end.Metadata = map[string]any{"usage": map[string]int{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		}}
	}
	// Uses Background so cancellation cannot swallow the end marker.
	l.bus.PublishOutbound(context.Background(), end)
}

func (l *Loop) publishEvent(ctx context.Context, eventType models.SystemEventType, content string, meta map[string]any) {
	l.bus.PublishSystem(ctx, &models.SystemEvent{Type: eventType, Content: content, Metadata: meta})
}

// persistTurn records the user message and the assistant's final text in
// session memory. Empty assistant output is not persisted.
func (l *Loop) persistTurn(msg models.InboundMessage, assistant string) {
	ctx := context.Background()
	if _, err := l.memory.AppendSessionMessage(ctx, msg.ChatID, msg.Channel, "user", msg.Content); err != nil {
		l.logger.Warn("persist user message failed", "chat", msg.ChatID, "error", err)
	}
	if strings.TrimSpace(assistant) == "" {
		return
	}
	if _, err := l.memory.AppendSessionMessage(ctx, msg.ChatID, msg.Channel, "assistant", assistant); err != nil {
		l.logger.Warn("persist assistant message failed", "chat", msg.ChatID, "error", err)
	}
}

// history loads the chat's recent session messages as model context.
func (l *Loop) history(ctx context.Context, chatID string) []CompletionMessage {
	entries, err := l.memory.GetSession(ctx, chatID)
	if err != nil {
		l.logger.Warn("load session history failed", "chat", chatID, "error", err)
		return nil
	}
	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	out := make([]CompletionMessage, 0, len(entries))
	for _, e := range entries {
		role := e.Role
		if role != "user" && role != "assistant" {
			continue
		}
		out = append(out, CompletionMessage{Role: role, Content: e.Content})
	}
	return out
}

// drainChunks unblocks a producer still sending after an early exit.
func drainChunks(ch <-chan CompletionChunk) {
	for range ch {
	}
}

// memoryContext summarizes the newest long-term memories for the system
// prompt.
func (l *Loop) memoryContext(ctx context.Context) string {
	entries, err := l.memory.GetByType(ctx, models.MemoryLongTerm)
	if err != nil || len(entries) == 0 {
		return ""
	}
	if len(entries) > memoryContextLimit {
		entries = entries[:memoryContextLimit]
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
