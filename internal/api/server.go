// Package api serves the HTTP surface: REST endpoints under /api/v1, the
// SSE chat bridge, the global event stream, the WebSocket chat upgrade,
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/ratelimit"
	"github.com/pocketpaw/pocketpaw/internal/security"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// ChatController is the slice of the agent loop the API needs.
type ChatController interface {
	Stop(chatID string) bool
}

// ReminderStore is the slice of the scheduler the API needs.
type ReminderStore interface {
	Create(ctx context.Context, reminder models.Reminder) (models.Reminder, error)
	List() []models.Reminder
	Delete(id string) error
}

// Upgrader handles the WebSocket chat upgrade; the websocket channel
// adapter satisfies it.
type Upgrader interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

// Options carries the server's collaborators. Optional fields may be nil;
// the matching endpoints then answer 503.
type Options struct {
	Logger   *slog.Logger
	Settings *config.Store

	Auth     *auth.Authenticator
	Sessions *auth.SessionTokens
	Keys     *auth.KeyStore
	OAuth    *auth.OAuthServer

	Bus      *bus.Bus
	Memory   *memory.Store
	Plans    *plan.Manager
	Chat     ChatController
	Remind   ReminderStore
	Audit    *audit.Logger
	Security *security.Auditor
	Channels *channels.Manager
	Webhooks *webhook.Adapter
	WS       Upgrader

	Limiter *ratelimit.Limiter
}

// Server is the HTTP front end.
type Server struct {
	logger *slog.Logger
	opts   Options
	http   *http.Server
	addr   string
}

// New builds the server; call Start to begin listening.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		logger: opts.Logger.With("component", "api"),
		opts:   opts,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/auth/session", s.handleAuthSession)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("GET /oauth/authorize", s.handleOAuthAuthorize)
	mux.HandleFunc("POST /oauth/authorize/consent", s.handleOAuthConsent)
	mux.HandleFunc("POST /oauth/token", s.handleOAuthToken)
	mux.HandleFunc("POST /oauth/revoke", s.handleOAuthRevoke)
	mux.HandleFunc("POST /api/v1/webhook/inbound/{name}", s.handleWebhookInbound)

	// Authenticated surface.
	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAuth(h))
	}
	// Admin surface: endpoints that manage credentials, approvals, and
	// audit data never open up to merely scoped tokens.
	admin := func(pattern string, h http.HandlerFunc) {
		authed(pattern, func(w http.ResponseWriter, r *http.Request) {
			if !s.requireScope(w, r, models.ScopeAdmin) {
				return
			}
			h(w, r)
		})
	}
	authed("POST /api/v1/chat/stream", s.handleChatStream)
	authed("POST /api/v1/chat/stop", s.handleChatStop)
	authed("GET /api/v1/events/stream", s.handleEventStream)
	authed("GET /api/v1/ws/chat", s.handleWSChat)

	authed("GET /api/v1/sessions", s.handleSessionList)
	authed("GET /api/v1/sessions/{id}", s.handleSessionGet)
	authed("DELETE /api/v1/sessions/{id}", s.handleSessionDelete)
	authed("POST /api/v1/sessions/{id}/rename", s.handleSessionRename)
	authed("POST /api/v1/sessions/search", s.handleSessionSearch)

	authed("GET /api/v1/channels/status", s.handleChannelStatus)
	authed("POST /api/v1/channels/save", s.handleChannelSave)
	authed("POST /api/v1/channels/toggle", s.handleChannelToggle)

	authed("GET /api/v1/settings", s.handleSettingsGet)
	authed("PUT /api/v1/settings", s.handleSettingsPut)

	authed("GET /api/v1/memory/long_term", s.handleMemoryList)
	authed("POST /api/v1/memory/long_term", s.handleMemorySave)
	authed("DELETE /api/v1/memory/long_term/{id}", s.handleMemoryDelete)
	authed("GET /api/v1/memory/stats", s.handleMemoryStats)
	authed("GET /api/v1/memory/settings", s.handleMemorySettingsGet)
	authed("POST /api/v1/memory/settings", s.handleMemorySettingsPut)

	admin("POST /api/v1/plan/approve", s.handlePlanApprove)
	admin("POST /api/v1/plan/reject", s.handlePlanReject)
	admin("GET /api/v1/plan/active", s.handlePlanActive)

	admin("GET /api/v1/reminders", s.handleReminderList)
	admin("POST /api/v1/reminders", s.handleReminderCreate)
	admin("DELETE /api/v1/reminders/{id}", s.handleReminderDelete)

	admin("GET /api/v1/audit", s.handleAuditQuery)
	admin("GET /api/v1/security-audit", s.handleSecurityAudit)
	admin("POST /api/v1/self-audit/run", s.handleSelfAuditRun)
	admin("GET /api/v1/self-audit/reports", s.handleSelfAuditList)
	admin("DELETE /api/v1/self-audit/reports/{date}", s.handleSelfAuditDelete)

	admin("GET /api/v1/auth/api-keys", s.handleAPIKeyList)
	admin("POST /api/v1/auth/api-keys", s.handleAPIKeyCreate)
	admin("DELETE /api/v1/auth/api-keys/{id}", s.handleAPIKeyRevoke)
	admin("POST /api/v1/auth/api-keys/{id}/rotate", s.handleAPIKeyRotate)

	admin("GET /api/v1/webhooks", s.handleWebhookList)

	return s.rateLimit(mux)
}

// Start binds the configured host and port and serves in the background.
// Bind failures surface here; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	settings := s.opts.Settings.Get()
	addr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server terminated", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string { return s.addr }

// Stop drains in-flight requests until the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// identityKey carries the authenticated identity through the request
// context.
type identityKey struct{}

func identityFrom(r *http.Request) auth.Identity {
	if id, ok := r.Context().Value(identityKey{}).(auth.Identity); ok {
		return id
	}
	return auth.Identity{}
}

// requireAuth resolves the layered identity and rejects with 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.opts.Auth.Authenticate(r)
		if err != nil {
			if s.opts.Audit != nil {
				s.opts.Audit.Log(models.AuditWarning, "api", "auth", r.URL.Path, "denied",
					map[string]any{"remote": r.RemoteAddr})
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope enforces a scope on an already-authenticated request.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope models.Scope) bool {
	id := identityFrom(r)
	if !id.HasScope(scope) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("missing scope %q", scope))
		return false
	}
	return true
}

// rateLimit applies the per-client token bucket; exceeding it answers 429
// with a Retry-After hint.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter != nil {
			key := clientKey(r)
			if !s.opts.Limiter.Allow(key) {
				retry := s.opts.Limiter.RetryAfter(key)
				secs := int(retry / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.Channels != nil {
		resp["channels"] = s.opts.Channels.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	if s.opts.WS == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket channel disabled")
		return
	}
	s.opts.WS.HandleUpgrade(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
