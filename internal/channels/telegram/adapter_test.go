package telegram

import (
	"context"
	"testing"
	"time"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

func collectInbound(b *bus.Bus) *[]models.InboundMessage {
	var got []models.InboundMessage
	b.SubscribeInbound(func(_ context.Context, m *models.InboundMessage) {
		got = append(got, *m)
	})
	return &got
}

func update(chatID, userID int64, msgID int, text string) *tgmodels.Update {
	return &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   msgID,
			Text: text,
			Chat: tgmodels.Chat{ID: chatID},
			From: &tgmodels.User{ID: userID},
		},
	}
}

func TestHandleUpdatePublishesInbound(t *testing.T) {
	b := bus.New(nil, nil)
	got := collectInbound(b)
	a := New(config.TelegramSettings{}, nil)
	a.bus = b

	a.handleUpdate(context.Background(), nil, update(42, 7, 1, "hello"))

	if len(*got) != 1 {
		t.Fatalf("inbound = %d, want 1", len(*got))
	}
	m := (*got)[0]
	if m.Channel != models.ChannelTelegram || m.ChatID != "42" || m.SenderID != "7" || m.Content != "hello" {
		t.Errorf("inbound = %+v", m)
	}
}

func TestHandleUpdateTopicChats(t *testing.T) {
	b := bus.New(nil, nil)
	got := collectInbound(b)
	a := New(config.TelegramSettings{}, nil)
	a.bus = b

	u := update(-100, 7, 2, "topic message")
	u.Message.IsTopicMessage = true
	u.Message.MessageThreadID = 9
	a.handleUpdate(context.Background(), nil, u)

	if len(*got) != 1 || (*got)[0].ChatID != "-100:topic:9" {
		t.Fatalf("inbound = %+v", *got)
	}
}

func TestHandleUpdateAllowListDropsSilently(t *testing.T) {
	b := bus.New(nil, nil)
	got := collectInbound(b)
	a := New(config.TelegramSettings{AllowedSenders: []string{"1"}}, nil)
	a.bus = b

	a.handleUpdate(context.Background(), nil, update(42, 99, 3, "intruder"))
	if len(*got) != 0 {
		t.Errorf("forbidden sender published %d messages", len(*got))
	}

	a.handleUpdate(context.Background(), nil, update(42, 1, 4, "owner"))
	if len(*got) != 1 {
		t.Errorf("allowed sender blocked")
	}
}

func TestHandleUpdateDeduplicates(t *testing.T) {
	b := bus.New(nil, nil)
	got := collectInbound(b)
	a := New(config.TelegramSettings{}, nil)
	a.bus = b

	u := update(42, 7, 5, "once")
	a.handleUpdate(context.Background(), nil, u)
	a.handleUpdate(context.Background(), nil, u)

	if len(*got) != 1 {
		t.Errorf("duplicate update published %d messages", len(*got))
	}
}

func TestStartWithoutTokenFails(t *testing.T) {
	a := New(config.TelegramSettings{}, nil)
	err := a.Start(context.Background(), bus.New(nil, nil))
	if err == nil {
		t.Fatal("start without token succeeded")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	a := New(config.TelegramSettings{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
