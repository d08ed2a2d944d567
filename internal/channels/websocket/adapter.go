// Package websocket implements the browser-facing chat transport. The HTTP
// layer mounts HandleUpgrade; each connection is its own chat.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// inboundFrame is what clients send.
type inboundFrame struct {
	Content string `json:"content"`
	ChatID  string `json:"chat_id,omitempty"`
}

// outboundFrame is what the agent sends back. Chunks stream live; the
// client re-assembles them and treats "end" as the turn boundary.
type outboundFrame struct {
	Type    string `json:"type"` // "chunk", "end" or "message"
	Content string `json:"content,omitempty"`
}

// conn is one client connection. Gorilla permits a single concurrent
// writer, so writes go through the mutex.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Adapter is a hub of live WebSocket chats. Unlike the messenger
// transports it forwards stream chunks as they arrive.
type Adapter struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	started bool
	bus     *bus.Bus
	conns   map[string]*conn // chat id -> connection
}

// New creates the adapter.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", "websocket"),
		// The UI is served from the same origin; the session cookie is
		// checked by the HTTP middleware before the upgrade.
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (a *Adapter) Channel() models.Channel { return models.ChannelWebSocket }

// Start marks the hub ready; connections arrive via HandleUpgrade.
func (a *Adapter) Start(_ context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.started = true
	a.bus = b
	a.logger.Info("websocket adapter started")
	return nil
}

// Stop closes every open connection.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[string]*conn)
	a.started = false
	a.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

// Send forwards the message to the connection owning the chat.
func (a *Adapter) Send(_ context.Context, msg *models.OutboundMessage) error {
	a.mu.Lock()
	c := a.conns[msg.ChatID]
	a.mu.Unlock()
	if c == nil {
		// The client disconnected mid-turn; nothing to deliver.
		return nil
	}

	frame := outboundFrame{Type: "message", Content: msg.Content}
	switch {
	case msg.IsStreamChunk:
		frame.Type = "chunk"
	case msg.IsStreamEnd:
		frame = outboundFrame{Type: "end"}
	}
	if err := c.writeJSON(frame); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// Chats lists chat ids with a live connection, sorted.
func (a *Adapter) Chats() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleUpgrade upgrades the request and runs the connection's read loop
// until the client goes away. The HTTP layer mounts this on the chat
// endpoint after authentication.
func (a *Adapter) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		http.Error(w, "websocket channel not started", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("upgrade failed", "error", err)
		return
	}

	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		chatID = uuid.NewString()
	}

	c := &conn{ws: ws}
	a.mu.Lock()
	if prev := a.conns[chatID]; prev != nil {
		prev.ws.Close()
	}
	a.conns[chatID] = c
	a.mu.Unlock()

	a.logger.Info("client connected", "chat_id", chatID)
	a.readLoop(r.Context(), chatID, c)

	a.mu.Lock()
	if a.conns[chatID] == c {
		delete(a.conns, chatID)
	}
	a.mu.Unlock()
	ws.Close()
	a.logger.Info("client disconnected", "chat_id", chatID)
}

func (a *Adapter) readLoop(ctx context.Context, chatID string, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Content == "" {
			continue
		}

		a.mu.Lock()
		b := a.bus
		a.mu.Unlock()
		if b == nil {
			return
		}
		b.PublishInbound(ctx, &models.InboundMessage{
			Channel:  models.ChannelWebSocket,
			SenderID: chatID,
			ChatID:   chatID,
			Content:  frame.Content,
		})
	}
}
