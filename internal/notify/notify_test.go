package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/punchamoorthee/numbroker/internal/domain"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTelegramDelivery(t *testing.T) {
	bot := &fakeSender{}
	tg := NewTelegram(bot, "@ops", 4, discard)

	tg.deliver(Event{Kind: OrderRefunded, AccountID: 42, OrderID: "9", Amount: domain.Dollars(3, 0), Reason: "expired"})
	tg.deliver(Event{Kind: CancellationAbandoned, AccountID: 42, OrderID: "10"})

	if len(bot.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || !strings.Contains(bot.sent[0].Text, "$3.00") {
		t.Errorf("unexpected user message %+v", bot.sent[0])
	}
	if bot.sent[1].ChannelUsername != "@ops" || !strings.Contains(bot.sent[1].Text, "order_refunded") {
		t.Errorf("unexpected channel message %+v", bot.sent[1])
	}
	if bot.sent[2].ChannelUsername != "@ops" {
		t.Errorf("abandoned cancellation should only reach the channel: %+v", bot.sent[2])
	}
}

func TestTelegramSendErrorIsSwallowed(t *testing.T) {
	bot := &fakeSender{err: errors.New("blocked by user")}
	tg := NewTelegram(bot, "", 1, discard)
	tg.deliver(Event{Kind: PurchaseSucceeded, AccountID: 1})
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(bot.sent))
	}
}

func TestTelegramDropsWhenFull(t *testing.T) {
	tg := NewTelegram(&fakeSender{}, "@ops", 1, discard)
	tg.Notify(context.Background(), Event{Kind: PurchaseSucceeded})
	tg.Notify(context.Background(), Event{Kind: PurchaseFailed})
	if len(tg.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(tg.queue))
	}
}

type recorder struct{ kinds []Kind }

func (r *recorder) Notify(_ context.Context, ev Event) { r.kinds = append(r.kinds, ev.Kind) }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, NewLog(discard), Metrics{}, b}
	m.Notify(context.Background(), Event{Kind: AccountBlocked, Reason: "rate_limited"})
	if len(a.kinds) != 1 || len(b.kinds) != 1 || b.kinds[0] != AccountBlocked {
		t.Fatalf("fan-out failed: %v %v", a.kinds, b.kinds)
	}
}
