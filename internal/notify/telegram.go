package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers events from a single goroutine started with Run. Account
// ids are Telegram chat ids. Notify never blocks: when the buffer is full the
// event is dropped and logged.
type Telegram struct {
	bot     Sender
	channel string
	queue   chan Event
	logger  *slog.Logger
}

func NewTelegram(bot Sender, logChannel string, buffer int, logger *slog.Logger) *Telegram {
	if buffer <= 0 {
		buffer = 256
	}
	return &Telegram{
		bot:     bot,
		channel: logChannel,
		queue:   make(chan Event, buffer),
		logger:  logger,
	}
}

func (t *Telegram) Notify(_ context.Context, ev Event) {
	select {
	case t.queue <- ev:
	default:
		t.logger.Warn("telegram queue full, dropping event", "kind", string(ev.Kind), "order_id", ev.OrderID)
	}
}

func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.queue:
			t.deliver(ev)
		}
	}
}

func (t *Telegram) deliver(ev Event) {
	if text := userText(ev); text != "" && ev.AccountID != 0 {
		if _, err := t.bot.Send(tgbotapi.NewMessage(ev.AccountID, text)); err != nil {
			t.logger.Warn("telegram user send failed", "account_id", ev.AccountID, "error", err)
		}
	}
	if t.channel == "" {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessageToChannel(t.channel, channelText(ev))); err != nil {
		t.logger.Warn("telegram channel send failed", "channel", t.channel, "error", err)
	}
}

// userText is empty for events the end user should not see.
func userText(ev Event) string {
	switch ev.Kind {
	case PurchaseSucceeded:
		return fmt.Sprintf("✅ Number +%s reserved for %s. Charged %s. Order %s.",
			ev.PhoneNumber, ev.Service, ev.Amount, ev.OrderID)
	case PurchaseFailed:
		switch ev.Reason {
		case "insufficient_funds":
			return fmt.Sprintf("❌ Insufficient balance. This number costs %s. Please top up.", ev.Amount)
		case "no_numbers":
			return "❌ No numbers available right now. Try another country or later."
		default:
			return "❌ Purchase failed. Please try again later."
		}
	case OrderRefunded:
		return fmt.Sprintf("💰 Order %s was %s. %s returned to your balance.", ev.OrderID, ev.Reason, ev.Amount)
	case AccountBlocked:
		return "⛔ Too many failed purchases. Top up your balance to continue."
	case BalanceAdjusted:
		return fmt.Sprintf("💳 Your balance was adjusted by %s.", ev.Amount)
	}
	return ""
}

func channelText(ev Event) string {
	return fmt.Sprintf("[%s] account=%d order=%s amount=%s reason=%s",
		ev.Kind, ev.AccountID, ev.OrderID, ev.Amount, ev.Reason)
}
