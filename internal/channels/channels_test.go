package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func TestStreamBufferAccumulatesAndFlushes(t *testing.T) {
	b := NewStreamBuffer()

	if _, send := b.Process(&models.OutboundMessage{ChatID: "c", Content: "Hel", IsStreamChunk: true}); send {
		t.Error("chunk triggered a send")
	}
	b.Process(&models.OutboundMessage{ChatID: "c", Content: "lo", IsStreamChunk: true})

	text, send := b.Process(&models.OutboundMessage{ChatID: "c", IsStreamEnd: true})
	if !send || text != "Hello" {
		t.Errorf("flush = (%q, %v)", text, send)
	}
}

func TestStreamBufferEmptyStreamSendsNothing(t *testing.T) {
	b := NewStreamBuffer()
	if _, send := b.Process(&models.OutboundMessage{ChatID: "c", IsStreamEnd: true}); send {
		t.Error("empty stream produced a send")
	}

	b.Process(&models.OutboundMessage{ChatID: "c", Content: "  \n", IsStreamChunk: true})
	if _, send := b.Process(&models.OutboundMessage{ChatID: "c", IsStreamEnd: true}); send {
		t.Error("whitespace-only stream produced a send")
	}
}

func TestStreamBufferIsolatesChats(t *testing.T) {
	b := NewStreamBuffer()
	b.Process(&models.OutboundMessage{ChatID: "a", Content: "A", IsStreamChunk: true})
	b.Process(&models.OutboundMessage{ChatID: "b", Content: "B", IsStreamChunk: true})

	text, _ := b.Process(&models.OutboundMessage{ChatID: "a", IsStreamEnd: true})
	if text != "A" {
		t.Errorf("chat a flushed %q", text)
	}
	text, _ = b.Process(&models.OutboundMessage{ChatID: "b", IsStreamEnd: true})
	if text != "B" {
		t.Errorf("chat b flushed %q", text)
	}
}

func TestStreamBufferPlainMessagePassesThrough(t *testing.T) {
	b := NewStreamBuffer()
	text, send := b.Process(&models.OutboundMessage{ChatID: "c", Content: "direct"})
	if !send || text != "direct" {
		t.Errorf("plain message = (%q, %v)", text, send)
	}
}

func TestAllowList(t *testing.T) {
	open := NewAllowList(nil)
	if !open.Allowed("anyone") {
		t.Error("empty allow-list should admit everyone")
	}

	strict := NewAllowList([]string{"alice", "bob"})
	if !strict.Allowed("alice") || strict.Allowed("mallory") {
		t.Error("allow-list filtering wrong")
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper()
	if d.Seen("m1") {
		t.Error("first sighting reported as duplicate")
	}
	if !d.Seen("m1") {
		t.Error("second sighting not reported as duplicate")
	}
	if d.Seen("") || d.Seen("") {
		t.Error("empty IDs must never deduplicate")
	}
}

func TestDeduperEvictsOldEntries(t *testing.T) {
	d := NewDeduper()
	d.Seen("first")
	for i := 0; i < dedupeWindow; i++ {
		d.Seen(fmt.Sprintf("filler-%d", i))
	}
	if d.Seen("first") {
		t.Error("evicted ID still reported as duplicate")
	}
}

// fakeAdapter records what the manager delivers to it.
type fakeAdapter struct {
	channel models.Channel
	mu      sync.Mutex
	sent    []models.OutboundMessage
	started bool
	stopped bool
	failure error
}

func (f *fakeAdapter) Channel() models.Channel { return f.channel }

func (f *fakeAdapter) Start(_ context.Context, _ *bus.Bus) error {
	if f.failure != nil {
		return f.failure
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, msg *models.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, *msg)
	f.mu.Unlock()
	return nil
}

func TestManagerRoutesByLearnedChannel(t *testing.T) {
	b := bus.New(nil, nil)
	m := NewManager(nil, b, nil)

	tg := &fakeAdapter{channel: models.ChannelTelegram}
	dc := &fakeAdapter{channel: models.ChannelDiscord}
	m.Register(tg)
	m.Register(dc)
	m.StartAll(context.Background())
	defer m.StopAll(context.Background())

	ctx := context.Background()
	b.PublishInbound(ctx, &models.InboundMessage{Channel: models.ChannelTelegram, ChatID: "tg-1", Content: "hi"})
	b.PublishOutbound(ctx, &models.OutboundMessage{ChatID: "tg-1", Content: "reply"})

	deadline := time.Now().Add(time.Second)
	for {
		tg.mu.Lock()
		n := len(tg.sent)
		tg.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("telegram adapter never received the reply")
		}
		time.Sleep(2 * time.Millisecond)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if len(dc.sent) != 0 {
		t.Errorf("discord received %d messages for a telegram chat", len(dc.sent))
	}
}

func TestManagerIgnoresUnroutedChats(t *testing.T) {
	b := bus.New(nil, nil)
	m := NewManager(nil, b, nil)
	tg := &fakeAdapter{channel: models.ChannelTelegram}
	m.Register(tg)
	m.StartAll(context.Background())
	defer m.StopAll(context.Background())

	b.PublishOutbound(context.Background(), &models.OutboundMessage{ChatID: "unknown", Content: "x"})
	time.Sleep(20 * time.Millisecond)

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.sent) != 0 {
		t.Errorf("unrouted chat delivered to telegram: %d", len(tg.sent))
	}
}

func TestManagerStartFailureIsNotFatal(t *testing.T) {
	b := bus.New(nil, nil)
	m := NewManager(nil, b, nil)
	bad := &fakeAdapter{channel: models.ChannelSlack, failure: ErrTransportUnavailable}
	good := &fakeAdapter{channel: models.ChannelTelegram}
	m.Register(bad)
	m.Register(good)
	m.StartAll(context.Background())
	defer m.StopAll(context.Background())

	active := m.Active()
	if len(active) != 1 || active[0] != "telegram" {
		t.Errorf("active = %v", active)
	}
}
