// Package runtime assembles the process: settings, audit, bus, memory,
// tools, channels, the agent loop, the scheduler, and the HTTP surface,
// wired together once and torn down through a named shutdown registry.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/api"
	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/channels/discord"
	"github.com/pocketpaw/pocketpaw/internal/channels/signal"
	"github.com/pocketpaw/pocketpaw/internal/channels/slack"
	"github.com/pocketpaw/pocketpaw/internal/channels/telegram"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/channels/websocket"
	"github.com/pocketpaw/pocketpaw/internal/channels/whatsapp"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/guardian"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/ratelimit"
	"github.com/pocketpaw/pocketpaw/internal/scheduler"
	"github.com/pocketpaw/pocketpaw/internal/security"
	"github.com/pocketpaw/pocketpaw/internal/skills"
	"github.com/pocketpaw/pocketpaw/internal/tools"
	"github.com/pocketpaw/pocketpaw/internal/tools/policy"
)

// Options configures runtime construction.
type Options struct {
	// StateDir is the root for all persistent state; empty means
	// ~/.pocketpaw.
	StateDir string

	Logger  *slog.Logger
	Version string
}

// Runtime holds every long-lived component. Construct with New, then
// Start; Shutdown tears everything down through the hook registry.
type Runtime struct {
	logger   *slog.Logger
	stateDir string

	Settings *config.Store
	Audit    *audit.Logger
	Bus      *bus.Bus

	// Integrations holds third-party OAuth tokens for channel and tool
	// integrations; refreshed through x/oauth2 on access.
	Integrations *auth.IntegrationTokens

	Memory    *memory.Store
	Plans     *plan.Manager
	Guardian  *guardian.Guardian
	Registry  *tools.Registry
	Channels  *channels.Manager
	WebSocket *websocket.Adapter
	Webhooks  *webhook.Adapter
	Loop      *agent.Loop
	Scheduler *scheduler.Scheduler
	Skills    *skills.Loader
	Security  *security.Auditor
	API       *api.Server

	mu    sync.Mutex
	hooks []shutdownHook
}

// shutdownHook is one named teardown step.
type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// New constructs and wires every component. Nothing is listening or
// consuming yet; call Start.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = config.DefaultStateDir()
	}

	store, err := config.NewStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := ensureMasterToken(store); err != nil {
		return nil, err
	}
	settings := store.Get()

	r := &Runtime{
		logger:   logger.With("component", "runtime"),
		stateDir: stateDir,
		Settings: store,
	}

	auditLog, err := audit.NewLogger(filepath.Join(stateDir, "audit.jsonl"), logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	r.Audit = auditLog
	r.OnShutdown("audit", func(context.Context) error { return auditLog.Close() })

	r.Bus = bus.New(logger, auditLog)

	integrations, err := auth.NewIntegrationTokens(stateDir, auditLog)
	if err != nil {
		return nil, fmt.Errorf("open integration tokens: %w", err)
	}
	r.Integrations = integrations

	var index memory.SearchIndex
	if settings.MemoryIndex == "sqlite" {
		index, err = memory.OpenSQLiteIndex(filepath.Join(stateDir, "memory_index.db"))
		if err != nil {
			return nil, fmt.Errorf("open memory index: %w", err)
		}
	}
	mem, err := memory.NewStore(filepath.Join(stateDir, "memory"), index, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	r.Memory = mem
	r.OnShutdown("memory", func(context.Context) error { return mem.Close() })

	r.Plans = plan.NewManager(logger)

	r.Guardian = guardian.New(guardian.Config{
		APIKey: settings.AnthropicAPIKey,
		Model:  settings.GuardianModel,
		Audit:  auditLog,
		Logger: logger,
	})

	r.Channels = channels.NewManager(logger, r.Bus, auditLog)

	sched, err := scheduler.New(filepath.Join(stateDir, "reminders.json"), r.Bus, scheduler.Options{
		Logger: logger,
		Route:  r.Channels.Route,
	})
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	r.Scheduler = sched

	gate := agent.NewGate(logger, r.Plans, r.Bus, func() bool { return store.Get().PlanMode })
	r.Registry = tools.NewRegistry(tools.Options{
		Logger:   logger,
		Audit:    auditLog,
		PolicyFn: func() *policy.Policy { return policyFromSettings(store.Get()) },
		Gate:     gate,
		Scanner:  tools.NewScanner(),
		ScanFn:   func() bool { return store.Get().InjectionScanEnabled },
	})
	if err := r.registerTools(opts.Version); err != nil {
		return nil, err
	}

	r.Skills = skills.NewLoader(filepath.Join(stateDir, "skills"), logger)
	if err := r.Skills.Reload(); err != nil {
		logger.Warn("skill discovery failed", "error", err)
	}

	prompts := agent.NewPromptBuilder(stateDir)
	prompts.SkillsFn = r.Skills.PromptSection

	r.Loop = agent.NewLoop(agent.LoopOptions{
		Logger:    logger,
		Bus:       r.Bus,
		Registry:  r.Registry,
		Memory:    mem,
		Prompts:   prompts,
		Settings:  store.Get,
		Providers: buildProviders(settings, logger),
	})

	r.registerAdapters(settings, logger)

	r.Security = security.NewAuditor(stateDir)

	apiSrv, err := r.buildAPI(logger)
	if err != nil {
		return nil, err
	}
	r.API = apiSrv

	return r, nil
}

// Start brings up the agent loop, channel adapters, scheduler, and HTTP
// server, registering a shutdown hook for each.
func (r *Runtime) Start(ctx context.Context) error {
	r.Loop.Start(ctx)
	r.OnShutdown("agent", func(context.Context) error {
		r.Loop.Close()
		return nil
	})

	r.Channels.StartAll(ctx)
	r.OnShutdown("channels", func(stopCtx context.Context) error {
		r.Channels.StopAll(stopCtx)
		return nil
	})

	r.Scheduler.Start(ctx)
	r.OnShutdown("scheduler", r.Scheduler.Stop)

	if err := r.API.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	r.OnShutdown("api", r.API.Stop)

	settings := r.Settings.Get()
	r.logger.Info("runtime started",
		"state_dir", r.stateDir,
		"host", settings.Host,
		"port", settings.Port,
		"channels", r.Channels.Active())
	return nil
}

// OnShutdown registers a named teardown step. Hooks run in reverse
// registration order, so dependents registered later stop first.
func (r *Runtime) OnShutdown(name string, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown runs every registered hook. A failing hook is logged and does
// not stop the remaining ones.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			r.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
			continue
		}
		r.logger.Debug("shutdown hook done", "hook", h.name)
	}
	r.logger.Info("runtime stopped")
}

// registerTools populates the registry with the built-in tool set.
func (r *Runtime) registerTools(version string) error {
	settings := r.Settings.Get()

	jail := settings.FileJailPath
	if jail == "" {
		jail = filepath.Join(r.stateDir, "workspace")
	}
	if err := os.MkdirAll(jail, 0o700); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	files := tools.FilesConfig{JailRoot: jail}

	for _, t := range []tools.Tool{
		tools.NewReadTool(files),
		tools.NewWriteTool(files),
		tools.NewListDirTool(files),
		tools.NewShellTool(r.Guardian, jail),
		tools.NewMemorySearchTool(r.Memory),
		tools.NewMemorySaveTool(r.Memory),
		tools.NewReminderTool(r.Scheduler),
		tools.NewStatusTool(version, r.Channels.Active),
	} {
		if err := r.Registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	return nil
}

// registerAdapters creates each enabled channel adapter. The websocket
// and webhook adapters are always constructed so the HTTP surface can
// hand them requests, but only enabled ones join the manager.
func (r *Runtime) registerAdapters(settings config.Settings, logger *slog.Logger) {
	ch := settings.Channels
	if ch.Telegram.Enabled {
		r.Channels.Register(telegram.New(ch.Telegram, logger))
	}
	if ch.Discord.Enabled {
		r.Channels.Register(discord.New(ch.Discord, logger))
	}
	if ch.Slack.Enabled {
		r.Channels.Register(slack.New(ch.Slack, logger))
	}
	if ch.Signal.Enabled {
		r.Channels.Register(signal.New(ch.Signal, logger))
	}
	if ch.WhatsApp.Enabled {
		r.Channels.Register(whatsapp.New(ch.WhatsApp, logger))
	}

	r.WebSocket = websocket.New(logger)
	if ch.WebSocket.Enabled {
		r.Channels.Register(r.WebSocket)
	}

	r.Webhooks = webhook.New(settings.Webhooks, logger)
	if len(settings.Webhooks) > 0 {
		r.Channels.Register(r.Webhooks)
	}
}

func (r *Runtime) buildAPI(logger *slog.Logger) (*api.Server, error) {
	masterFn := func() string { return r.Settings.Get().MasterToken }
	sessions := auth.NewSessionTokens(masterFn, func() time.Duration {
		return time.Duration(r.Settings.Get().SessionTokenTTLHours) * time.Hour
	})
	keys, err := auth.NewKeyStore(r.stateDir)
	if err != nil {
		return nil, fmt.Errorf("open api key store: %w", err)
	}
	oauth, err := auth.NewOAuthServer(r.stateDir)
	if err != nil {
		return nil, fmt.Errorf("open oauth store: %w", err)
	}

	settings := r.Settings.Get()
	return api.New(api.Options{
		Logger:   logger,
		Settings: r.Settings,
		Auth:     auth.NewAuthenticator(masterFn, sessions, keys, oauth),
		Sessions: sessions,
		Keys:     keys,
		OAuth:    oauth,
		Bus:      r.Bus,
		Memory:   r.Memory,
		Plans:    r.Plans,
		Chat:     r.Loop,
		Remind:   r.Scheduler,
		Audit:    r.Audit,
		Security: r.Security,
		Channels: r.Channels,
		Webhooks: r.Webhooks,
		WS:       r.WebSocket,
		Limiter:  ratelimit.NewLimiter(settings.RateLimitPerSecond, settings.RateLimitBurst),
	}), nil
}

// policyFromSettings maps the tool profile plus explicit allow/deny
// overrides to an effective policy.
func policyFromSettings(s config.Settings) *policy.Policy {
	p := policy.ForProfile(s.ToolProfile)
	p.Allow = append(p.Allow, s.ToolsAllow...)
	p.Deny = append(p.Deny, s.ToolsDeny...)
	return p
}

// buildProviders wires a model provider for each configured API key.
func buildProviders(s config.Settings, logger *slog.Logger) agent.Providers {
	var p agent.Providers
	if s.AnthropicAPIKey != "" {
		p.Anthropic = agent.NewAnthropicProvider(s.AnthropicAPIKey, logger)
	}
	if s.OpenAIAPIKey != "" {
		p.OpenAI = agent.NewOpenAIProvider(s.OpenAIAPIKey, logger)
	}
	return p
}

// ensureMasterToken generates and persists the root bearer secret on
// first run.
func ensureMasterToken(store *config.Store) error {
	if store.Get().MasterToken != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate master token: %w", err)
	}
	return store.Update(func(s *config.Settings) error {
		if s.MasterToken == "" {
			s.MasterToken = hex.EncodeToString(buf)
		}
		return nil
	})
}
