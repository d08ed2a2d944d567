package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// keepaliveInterval paces SSE comment lines on long-lived streams.
const keepaliveInterval = 30 * time.Second

// streamBufferSize bounds the per-request queue between the bus and the
// SSE writer. The bus delivers synchronously, so a stalled client must
// not block the agent loop.
const streamBufferSize = 1024

// handleChatStream runs one agent turn over SSE. The request chat is a
// virtual API channel session; events are stream_start, chunk, message,
// the session's system events (thinking, tool_use, ...) and stream_end.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeChat) {
		return
	}
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	outbound := make(chan models.OutboundMessage, streamBufferSize)
	sub := s.opts.Bus.SubscribeOutbound(func(_ context.Context, msg *models.OutboundMessage) {
		if msg.ChatID != sessionID {
			return
		}
		select {
		case outbound <- *msg:
		default:
			s.logger.Warn("chat stream buffer full, dropping chunk", "session", sessionID)
		}
	})
	defer s.opts.Bus.Unsubscribe(sub)

	events := make(chan models.SystemEvent, streamBufferSize)
	eventSub := s.opts.Bus.SubscribeSystem(func(_ context.Context, event *models.SystemEvent) {
		if event.Metadata["chat_id"] != sessionID {
			return
		}
		select {
		case events <- *event:
		default:
		}
	})
	defer s.opts.Bus.Unsubscribe(eventSub)

	s.opts.Bus.PublishInbound(r.Context(), &models.InboundMessage{
		Channel:  models.ChannelAPI,
		SenderID: string(identityFrom(r).Method),
		ChatID:   sessionID,
		Content:  req.Message,
	})

	sse.event("stream_start", map[string]string{"session_id": sessionID})

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away mid-turn; cancel the run.
			if s.opts.Chat != nil {
				s.opts.Chat.Stop(sessionID)
			}
			return
		case <-keepalive.C:
			if sse.comment("keepalive") != nil {
				return
			}
		case event := <-events:
			if sse.event(string(event.Type), event) != nil {
				return
			}
		case msg := <-outbound:
			switch {
			case msg.IsStreamEnd:
				// Flush events already queued so none land after the
				// end marker.
				for flushed := false; !flushed; {
					select {
					case event := <-events:
						if sse.event(string(event.Type), event) != nil {
							return
						}
					default:
						flushed = true
					}
				}
				end := map[string]any{"session_id": sessionID}
				if usage, ok := msg.Metadata["usage"]; ok {
					end["usage"] = usage
				}
				sse.event("stream_end", end)
				return
			case msg.IsStreamChunk:
				if sse.event("chunk", map[string]string{"content": msg.Content}) != nil {
					return
				}
			default:
				if sse.event("message", map[string]string{"content": msg.Content}) != nil {
					return
				}
			}
		}
	}
}

// handleChatStop cancels a running turn.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, models.ScopeChat) {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if s.opts.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "agent loop not running")
		return
	}
	stopped := s.opts.Chat.Stop(sessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// handleEventStream is the global SystemEvent SSE feed for UI
// subscribers.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := make(chan models.SystemEvent, streamBufferSize)
	sub := s.opts.Bus.SubscribeSystem(func(_ context.Context, event *models.SystemEvent) {
		select {
		case events <- *event:
		default:
		}
	})
	defer s.opts.Bus.Unsubscribe(sub)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if sse.comment("keepalive") != nil {
				return
			}
		case event := <-events:
			if sse.event(string(event.Type), event) != nil {
				return
			}
		}
	}
}
