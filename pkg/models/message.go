// Package models defines the shared data model for the pocketpaw runtime:
// messages, system events, tools, plans, memory entries, audit events, and
// credentials. Everything that crosses a package boundary lives here.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel names a transport class for messages.
type Channel string

const (
	ChannelWebSocket  Channel = "websocket"
	ChannelTelegram   Channel = "telegram"
	ChannelSignal     Channel = "signal"
	ChannelDiscord    Channel = "discord"
	ChannelSlack      Channel = "slack"
	ChannelWhatsApp   Channel = "whatsapp"
	ChannelMatrix     Channel = "matrix"
	ChannelTeams      Channel = "teams"
	ChannelGoogleChat Channel = "google_chat"
	ChannelWebhook    Channel = "webhook"

	// ChannelAPI is the virtual channel used by the HTTP chat bridge.
	ChannelAPI Channel = "api"
)

// KnownChannels is the closed set of transport tags.
var KnownChannels = []Channel{
	ChannelWebSocket, ChannelTelegram, ChannelSignal, ChannelDiscord,
	ChannelSlack, ChannelWhatsApp, ChannelMatrix, ChannelTeams,
	ChannelGoogleChat, ChannelWebhook,
}

// InboundMessage is a user message entering the runtime through an adapter.
type InboundMessage struct {
	Channel  Channel        `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage is a reply (or reply fragment) addressed to a chat.
// At most one of IsStreamChunk and IsStreamEnd may be true; a non-streaming
// reply has both false. A streaming response is zero or more chunks followed
// by exactly one end marker.
type OutboundMessage struct {
	ChatID        string         `json:"chat_id"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IsStreamChunk bool           `json:"is_stream_chunk,omitempty"`
	IsStreamEnd   bool           `json:"is_stream_end,omitempty"`
}

// Valid reports whether the streaming flags are consistent.
func (m *OutboundMessage) Valid() bool {
	return !(m.IsStreamChunk && m.IsStreamEnd)
}

// SystemEventType identifies a SystemEvent variant.
type SystemEventType string

const (
	EventToolUse      SystemEventType = "tool_use"
	EventToolResult   SystemEventType = "tool_result"
	EventThinking     SystemEventType = "thinking"
	EventThinkingDone SystemEventType = "thinking_done"
	EventError        SystemEventType = "error"
	EventInboxUpdate  SystemEventType = "inbox_update"
	EventHealthUpdate SystemEventType = "health_update"
	EventPlanProposed SystemEventType = "plan_proposed"
)

// SystemEvent is an out-of-band event published alongside the message flow
// for UI subscribers (tool activity, thinking indicators, errors).
type SystemEvent struct {
	Type     SystemEventType `json:"event_type"`
	Content  string          `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

const topicSep = ":topic:"

// TopicChatID builds a chat key for a topic inside a group. Forum-capable
// groups get one session per topic.
func TopicChatID(group string, topic int) string {
	return fmt.Sprintf("%s%s%d", group, topicSep, topic)
}

// ParseChatID splits a chat key into its group part and optional topic.
// "G:topic:N" yields (G, N, true); a plain key yields (key, 0, false).
func ParseChatID(chatID string) (group string, topic int, hasTopic bool) {
	idx := strings.LastIndex(chatID, topicSep)
	if idx < 0 {
		return chatID, 0, false
	}
	n, err := strconv.Atoi(chatID[idx+len(topicSep):])
	if err != nil {
		return chatID, 0, false
	}
	return chatID[:idx], n, true
}

// SessionInfo is the per-session index record maintained by the memory
// manager for fast listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Channel      Channel   `json:"channel"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}
