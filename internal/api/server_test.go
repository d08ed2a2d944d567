package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/scheduler"
	"github.com/pocketpaw/pocketpaw/internal/security"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

type fakeChat struct{ stopped []string }

func (f *fakeChat) Stop(chatID string) bool {
	f.stopped = append(f.stopped, chatID)
	return true
}

type testEnv struct {
	server *httptest.Server
	bus    *bus.Bus
	store  *config.Store
	chat   *fakeChat
	keys   *auth.KeyStore
	oauth  *auth.OAuthServer
	hooks  *webhook.Adapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()

	store, err := config.NewStore(stateDir)
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	if err := store.Update(func(s *config.Settings) error {
		s.MasterToken = "master-secret"
		s.Webhooks = []config.WebhookSlot{{Name: "ci", Secret: "hook-secret",
			SyncTimeout: config.Duration(time.Second)}}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	masterFn := func() string { return store.Get().MasterToken }
	ttlFn := func() time.Duration {
		return time.Duration(store.Get().SessionTokenTTLHours) * time.Hour
	}
	sessions := auth.NewSessionTokens(masterFn, ttlFn)
	keys, err := auth.NewKeyStore(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	oauthServer, err := auth.NewOAuthServer(stateDir)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New(nil, nil)
	mem, err := memory.NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	auditLog, err := audit.NewLogger(stateDir+"/audit.jsonl", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	sched, err := scheduler.New(stateDir+"/reminders.json", b, scheduler.Options{})
	if err != nil {
		t.Fatal(err)
	}

	hooks := webhook.New(store.Get().Webhooks, nil)
	if err := hooks.Start(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hooks.Stop(context.Background()) })

	chat := &fakeChat{}
	srv := New(Options{
		Settings: store,
		Auth:     auth.NewAuthenticator(masterFn, sessions, keys, oauthServer),
		Sessions: sessions,
		Keys:     keys,
		OAuth:    oauthServer,
		Bus:      b,
		Memory:   mem,
		Plans:    plan.NewManager(nil),
		Chat:     chat,
		Remind:   sched,
		Audit:    auditLog,
		Security: security.NewAuditor(stateDir),
		Webhooks: hooks,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, bus: b, store: store, chat: chat, keys: keys, oauth: oauthServer, hooks: hooks}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthSessionRequiresMaster(t *testing.T) {
	env := newTestEnv(t)

	// No token at all.
	resp := env.post(t, "/api/v1/auth/session", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/auth/session", nil)
	req.Header.Set("Authorization", "Bearer master-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if tok, _ := body["session_token"].(string); tok == "" {
		t.Errorf("no session token: %v", body)
	}
}

func TestLoginSetsSessionCookie(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/auth/login", map[string]string{"token": "master-secret"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "pocketpaw_session" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags = %+v", cookie)
	}

	bad := env.post(t, "/api/v1/auth/login", map[string]string{"token": "wrong"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", bad.StatusCode)
	}
}

func TestChatStreamEmitsChunksAndEnd(t *testing.T) {
	env := newTestEnv(t)

	// Echo agent: reply with two chunks then end.
	env.bus.SubscribeInbound(func(ctx context.Context, m *models.InboundMessage) {
		env.bus.PublishOutbound(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, Content: "hello ", IsStreamChunk: true})
		env.bus.PublishOutbound(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, Content: "world", IsStreamChunk: true})
		env.bus.PublishOutbound(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, IsStreamEnd: true})
	})

	resp := env.post(t, "/api/v1/chat/stream", map[string]string{
		"message": "hi", "session_id": "s1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	raw := make([]byte, 4096)
	var sb strings.Builder
	for {
		n, err := resp.Body.Read(raw)
		sb.Write(raw[:n])
		if err != nil || strings.Contains(sb.String(), "event: stream_end") {
			break
		}
	}
	body := sb.String()
	for _, want := range []string{"event: stream_start", "event: chunk", `"hello "`, `"world"`, "event: stream_end"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestChatStopDelegatesToLoop(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/chat/stop?session_id=s9", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(env.chat.stopped) != 1 || env.chat.stopped[0] != "s9" {
		t.Errorf("stopped = %v", env.chat.stopped)
	}
}

func TestSettingsRedactsMasterToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/v1/settings")
	var settings config.Settings
	decodeBody(t, resp, &settings)
	if settings.MasterToken != "" {
		t.Error("master token leaked through settings endpoint")
	}
	if settings.Port == 0 {
		t.Errorf("settings not populated: %+v", settings)
	}
}

func TestSettingsUpdateKeepsMasterToken(t *testing.T) {
	env := newTestEnv(t)

	updated := env.store.Get()
	updated.MasterToken = ""
	updated.PlanMode = true

	req, _ := http.NewRequest(http.MethodPut, env.server.URL+"/api/v1/settings",
		bytes.NewReader(mustJSON(t, updated)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	after := env.store.Get()
	if !after.PlanMode {
		t.Error("settings change not applied")
	}
	if after.MasterToken != "master-secret" {
		t.Error("blank master token overwrote the stored one")
	}
}

func TestMemoryCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/memory/long_term", map[string]any{
		"content": "favorite tea is sencha", "tags": []string{"preferences"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var entry models.MemoryEntry
	decodeBody(t, resp, &entry)

	list := env.get(t, "/api/v1/memory/long_term")
	var listBody struct {
		Entries []models.MemoryEntry `json:"entries"`
	}
	decodeBody(t, list, &listBody)
	if len(listBody.Entries) != 1 || listBody.Entries[0].Content != "favorite tea is sencha" {
		t.Fatalf("entries = %+v", listBody.Entries)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/memory/long_term/"+entry.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", del.StatusCode)
	}
}

func TestReminderEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/reminders", map[string]any{
		"text":        "renew domain",
		"trigger_at":  time.Now().Add(time.Hour).Format(time.RFC3339),
		"session_key": "chat-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created models.Reminder
	decodeBody(t, resp, &created)

	list := env.get(t, "/api/v1/reminders")
	var listBody struct {
		Reminders []models.Reminder `json:"reminders"`
	}
	decodeBody(t, list, &listBody)
	if len(listBody.Reminders) != 1 {
		t.Fatalf("reminders = %+v", listBody.Reminders)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/reminders/"+created.ID, nil)
	del, _ := http.DefaultClient.Do(req)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", del.StatusCode)
	}
}

func TestWebhookInbound(t *testing.T) {
	env := newTestEnv(t)

	var got []models.InboundMessage
	env.bus.SubscribeInbound(func(_ context.Context, m *models.InboundMessage) {
		got = append(got, *m)
	})

	// Wrong secret.
	resp := env.post(t, "/api/v1/webhook/inbound/ci?secret=nope", map[string]string{"message": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad secret status = %d", resp.StatusCode)
	}

	// Unknown slot.
	resp = env.post(t, "/api/v1/webhook/inbound/ghost?secret=hook-secret", map[string]string{"message": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown slot status = %d", resp.StatusCode)
	}

	// Async delivery.
	resp = env.post(t, "/api/v1/webhook/inbound/ci?secret=hook-secret", map[string]string{"message": "deploy done"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("async status = %d", resp.StatusCode)
	}
	if len(got) != 1 || got[0].Content != "deploy done" {
		t.Errorf("inbound = %+v", got)
	}
}

func TestWebhookSenderTagging(t *testing.T) {
	env := newTestEnv(t)

	var got []models.InboundMessage
	env.bus.SubscribeInbound(func(_ context.Context, m *models.InboundMessage) {
		got = append(got, *m)
	})

	resp := env.post(t, "/api/v1/webhook/inbound/ci?secret=hook-secret",
		map[string]string{"content": "ping", "sender": "cron"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got) != 1 || got[0].Content != "ping" {
		t.Fatalf("inbound = %+v", got)
	}
	if got[0].SenderID != "webhook:ci:cron" {
		t.Errorf("sender id = %q", got[0].SenderID)
	}
	if got[0].Metadata["sender"] != "cron" {
		t.Errorf("metadata = %+v", got[0].Metadata)
	}
}

func TestWebhookSyncReturnsReplyBody(t *testing.T) {
	env := newTestEnv(t)

	// Echo agent: the webhook adapter collects the reply stream.
	env.bus.SubscribeInbound(func(ctx context.Context, m *models.InboundMessage) {
		env.hooks.Send(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, Content: "build is green", IsStreamChunk: true})
		env.hooks.Send(ctx, &models.OutboundMessage{ChatID: m.ChatID, IsStreamEnd: true})
	})

	resp := env.post(t, "/api/v1/webhook/inbound/ci?secret=hook-secret&sync=true",
		map[string]string{"content": "status?"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "build is green" {
		t.Errorf("body = %q", body)
	}
}

func TestWebhookSyncTimeoutIs504(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/webhook/inbound/ci?secret=hook-secret&sync=true",
		map[string]string{"message": "anyone"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("sync timeout status = %d", resp.StatusCode)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/auth/api-keys", map[string]any{
		"name": "ci", "scopes": []string{"chat"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		Key    string              `json:"key"`
		Record models.APIKeyRecord `json:"record"`
	}
	decodeBody(t, resp, &created)
	if !strings.HasPrefix(created.Key, "pp_") {
		t.Errorf("key = %q", created.Key)
	}

	rotate := env.post(t, fmt.Sprintf("/api/v1/auth/api-keys/%s/rotate", created.Record.ID), nil)
	var rotated struct {
		Key string `json:"key"`
	}
	decodeBody(t, rotate, &rotated)
	if rotated.Key == created.Key {
		t.Error("rotation returned the same key")
	}

	req, _ := http.NewRequest(http.MethodDelete,
		env.server.URL+"/api/v1/auth/api-keys/"+created.Record.ID, nil)
	del, _ := http.DefaultClient.Do(req)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("revoke status = %d", del.StatusCode)
	}
}

func TestScopedAPIKeyCannotReachAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	plaintext, _, err := env.keys.Create("reporter", []models.Scope{models.ScopeChat}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	do := func(method, path string, body []byte) int {
		req, _ := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+plaintext)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// A chat-scoped key cannot mint itself broader credentials.
	create := mustJSON(t, map[string]any{"name": "sneaky", "scopes": []string{"admin"}})
	if code := do(http.MethodPost, "/api/v1/auth/api-keys", create); code != http.StatusForbidden {
		t.Errorf("api key create status = %d, want 403", code)
	}

	for _, path := range []string{
		"/api/v1/auth/api-keys",
		"/api/v1/audit",
		"/api/v1/reminders",
		"/api/v1/webhooks",
	} {
		if code := do(http.MethodGet, path, nil); code != http.StatusForbidden {
			t.Errorf("GET %s status = %d, want 403", path, code)
		}
	}
}

func TestChatStreamBridgesEventsAndUsage(t *testing.T) {
	env := newTestEnv(t)

	env.bus.SubscribeInbound(func(ctx context.Context, m *models.InboundMessage) {
		env.bus.PublishSystem(ctx, &models.SystemEvent{
			Type:     models.EventToolUse,
			Content:  "read_file",
			Metadata: map[string]any{"chat_id": m.ChatID},
		})
		env.bus.PublishOutbound(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, Content: "done", IsStreamChunk: true})
		env.bus.PublishOutbound(ctx, &models.OutboundMessage{
			ChatID: m.ChatID, IsStreamEnd: true,
			Metadata: map[string]any{"usage": map[string]int{
				"input_tokens": 12, "output_tokens": 34,
			}},
		})
	})

	resp := env.post(t, "/api/v1/chat/stream", map[string]string{
		"message": "hi", "session_id": "s2",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	raw := make([]byte, 4096)
	var sb strings.Builder
	for {
		n, err := resp.Body.Read(raw)
		sb.Write(raw[:n])
		if err != nil || strings.Contains(sb.String(), `"output_tokens"`) {
			break
		}
	}
	body := sb.String()
	for _, want := range []string{
		"event: tool_use",
		"event: stream_end",
		`"input_tokens":12`,
		`"output_tokens":34`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestNonLocalRequestWithoutTokenIs401(t *testing.T) {
	env := newTestEnv(t)

	// Call the handler directly with a non-loopback remote address.
	srv := New(Options{
		Settings: env.store,
		Auth: auth.NewAuthenticator(
			func() string { return "master-secret" },
			auth.NewSessionTokens(func() string { return "master-secret" },
				func() time.Duration { return time.Hour }),
			nil, nil),
		Bus: env.bus,
	})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
