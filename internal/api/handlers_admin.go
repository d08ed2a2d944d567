package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSessions) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.opts.Memory.ListSessions(r.Context())})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSessions) {
		return
	}
	key := r.PathValue("id")
	entries, err := s.opts.Memory.GetSession(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info, _ := s.opts.Memory.SessionInfo(key)
	writeJSON(w, http.StatusOK, map[string]any{"session": info, "messages": entries})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSessions) {
		return
	}
	if err := s.opts.Memory.ClearSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSessions) {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Memory.RenameSession(r.Context(), r.PathValue("id"), req.Title); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleSessionSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSessions) {
		return
	}
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := s.opts.Memory.Search(r.Context(), req.Query, models.MemorySession, nil, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeChannels) {
		return
	}
	settings := s.opts.Settings.Get()
	resp := map[string]any{
		"configured": settings.Channels,
	}
	if s.opts.Channels != nil {
		resp["active"] = s.opts.Channels.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChannelSave replaces the channel configuration. Adapters pick the
// change up on next restart; toggling is handled separately.
func (s *Server) handleChannelSave(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeChannels) {
		return
	}
	var req config.ChannelSettings
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.opts.Settings.Update(func(settings *config.Settings) error {
		settings.Channels = req
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleChannelToggle(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeChannels) {
		return
	}
	var req struct {
		Channel string `json:"channel"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.opts.Settings.Update(func(settings *config.Settings) error {
		switch models.Channel(req.Channel) {
		case models.ChannelTelegram:
			settings.Channels.Telegram.Enabled = req.Enabled
		case models.ChannelDiscord:
			settings.Channels.Discord.Enabled = req.Enabled
		case models.ChannelSlack:
			settings.Channels.Slack.Enabled = req.Enabled
		case models.ChannelSignal:
			settings.Channels.Signal.Enabled = req.Enabled
		case models.ChannelWhatsApp:
			settings.Channels.WhatsApp.Enabled = req.Enabled
		case models.ChannelWebSocket:
			settings.Channels.WebSocket.Enabled = req.Enabled
		default:
			return errors.New("unknown channel " + req.Channel)
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSettingsRead) {
		return
	}
	settings := s.opts.Settings.Get()
	// The master secret never leaves the process through this endpoint.
	settings.MasterToken = ""
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeSettingsWrite) {
		return
	}
	var req config.Settings
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.opts.Settings.Update(func(settings *config.Settings) error {
		// A blank incoming master token means "keep the current one".
		if req.MasterToken == "" {
			req.MasterToken = settings.MasterToken
		}
		*settings = req
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(models.AuditInfo, "api", "settings_update", "", "ok", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	entries, err := s.opts.Memory.GetByType(r.Context(), models.MemoryLongTerm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	var req struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	entry, err := s.opts.Memory.Save(r.Context(), models.MemoryEntry{
		Type:    models.MemoryLongTerm,
		Content: req.Content,
		Tags:    req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	if err := s.opts.Memory.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	stats := map[string]int{}
	for _, t := range []models.MemoryType{models.MemoryLongTerm, models.MemoryDaily} {
		entries, err := s.opts.Memory.GetByType(r.Context(), t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats[string(t)] = len(entries)
	}
	stats["sessions"] = len(s.opts.Memory.ListSessions(r.Context()))
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMemorySettingsGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"index": s.opts.Settings.Get().MemoryIndex})
}

func (s *Server) handleMemorySettingsPut(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeMemory) {
		return
	}
	var req struct {
		Index string `json:"index"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.opts.Settings.Update(func(settings *config.Settings) error {
		settings.MemoryIndex = req.Index
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	s.resolvePlan(w, r, s.opts.Plans.Approve)
}

func (s *Server) handlePlanReject(w http.ResponseWriter, r *http.Request) {
	s.resolvePlan(w, r, s.opts.Plans.Reject)
}

func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request, resolve func(string) error) {
	var req struct {
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := resolve(req.SessionKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlanActive(w http.ResponseWriter, r *http.Request) {
	p := s.opts.Plans.GetActivePlan(r.URL.Query().Get("session_key"))
	if p == nil {
		writeError(w, http.StatusNotFound, "no active plan")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReminderList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Remind == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": s.opts.Remind.List()})
}

func (s *Server) handleReminderCreate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Remind == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	var req struct {
		Text       string    `json:"text"`
		TriggerAt  time.Time `json:"trigger_at"`
		Cron       string    `json:"cron"`
		SessionKey string    `json:"session_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.opts.Remind.Create(r.Context(), models.Reminder{
		Text:             req.Text,
		TriggerAt:        req.TriggerAt,
		CronExpr:         req.Cron,
		SourceSessionKey: req.SessionKey,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleReminderDelete(w http.ResponseWriter, r *http.Request) {
	if s.opts.Remind == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if err := s.opts.Remind.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOptions{
		Severity: models.AuditSeverity(q.Get("severity")),
		Action:   q.Get("action"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = t
	}

	events, err := s.opts.Audit.Query(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleSecurityAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security audit disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Security.Run())
}

func (s *Server) handleSelfAuditRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security audit disabled")
		return
	}
	report := s.opts.Security.Run()
	path, err := s.opts.Security.WriteSnapshot(report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report, "path": path})
}

func (s *Server) handleSelfAuditList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security audit disabled")
		return
	}
	dates, err := s.opts.Security.ListSnapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": dates})
}

func (s *Server) handleSelfAuditDelete(w http.ResponseWriter, r *http.Request) {
	if s.opts.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security audit disabled")
		return
	}
	if err := s.opts.Security.DeleteSnapshot(r.PathValue("date")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": s.opts.Webhooks.SlotNames()})
}

// handleWebhookInbound accepts one delivery for a named slot. The slot
// secret authenticates the caller; `?sync=true` blocks for the agent's
// reply.
func (s *Server) handleWebhookInbound(w http.ResponseWriter, r *http.Request) {
	if s.opts.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	name := r.PathValue("name")
	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	sync := r.URL.Query().Get("sync") == "true"

	content, sender := webhookBody(r)
	reply, err := s.opts.Webhooks.HandleDelivery(r.Context(), name, secret, content, sender, sync)
	switch {
	case errors.Is(err, webhook.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, webhook.ErrBadSecret):
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	case errors.Is(err, webhook.ErrSyncTimeout):
		writeError(w, http.StatusGatewayTimeout, "reply timed out")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if sync {
		// Sync mode answers with the agent's reply text itself.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, reply)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// webhookBody extracts the message text and optional sender: a JSON body
// with a "content" (or "message") key, or the raw payload as-is.
func webhookBody(r *http.Request) (content, sender string) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", ""
	}
	var payload struct {
		Content string `json:"content"`
		Message string `json:"message"`
		Sender  string `json:"sender"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Content != "" {
			return payload.Content, payload.Sender
		}
		if payload.Message != "" {
			return payload.Message, payload.Sender
		}
	}
	return string(data), ""
}
