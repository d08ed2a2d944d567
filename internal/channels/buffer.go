package channels

import (
	"strings"
	"sync"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// StreamBuffer accumulates stream chunks per chat for transports that can
// only send whole messages. At most one buffer is open per chat: a chunk
// for a chat always lands in that chat's single open buffer.
type StreamBuffer struct {
	mu   sync.Mutex
	open map[string]*strings.Builder
}

// NewStreamBuffer creates an empty buffer set.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{open: make(map[string]*strings.Builder)}
}

// Process folds one outbound message into the buffer. It returns the text
// to transmit and whether to transmit now: chunks accumulate silently, the
// end marker flushes the accumulated text, and a stream that ends empty
// sends nothing.
func (b *StreamBuffer) Process(msg *models.OutboundMessage) (string, bool) {
	switch {
	case msg.IsStreamChunk:
		b.mu.Lock()
		sb := b.open[msg.ChatID]
		if sb == nil {
			sb = &strings.Builder{}
			b.open[msg.ChatID] = sb
		}
		sb.WriteString(msg.Content)
		b.mu.Unlock()
		return "", false

	case msg.IsStreamEnd:
		b.mu.Lock()
		sb := b.open[msg.ChatID]
		delete(b.open, msg.ChatID)
		b.mu.Unlock()
		if sb == nil {
			return "", false
		}
		text := sb.String()
		return text, strings.TrimSpace(text) != ""

	default:
		return msg.Content, strings.TrimSpace(msg.Content) != ""
	}
}
