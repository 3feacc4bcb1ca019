// Package notify delivers license messages to users and to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends a text message to a Telegram user.
type Notifier interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

// Operator receives operational alerts such as payments and cancellations.
type Operator interface {
	NotifyOperator(ctx context.Context, subject, text string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, int64, string) error         { return nil }
func (Nop) NotifyOperator(context.Context, string, string) error { return nil }

// Sender is the subset of *tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers user messages as bot chat messages, and operator
// alerts to a fixed operator chat when one is configured.
type Telegram struct {
	sender         Sender
	operatorChatID int64
}

func NewTelegram(sender Sender, operatorChatID int64) *Telegram {
	return &Telegram{sender: sender, operatorChatID: operatorChatID}
}

func (t *Telegram) Notify(_ context.Context, telegramID int64, text string) error {
	if _, err := t.sender.Send(tgbotapi.NewMessage(telegramID, text)); err != nil {
		return fmt.Errorf("send telegram message to %d: %w", telegramID, err)
	}
	return nil
}

func (t *Telegram) NotifyOperator(ctx context.Context, subject, text string) error {
	if t.operatorChatID == 0 {
		return nil
	}
	return t.Notify(ctx, t.operatorChatID, subject+"\n\n"+text)
}

// Operators fans an alert out to every operator channel.
type Operators []Operator

func (o Operators) NotifyOperator(ctx context.Context, subject, text string) error {
	var errs []error
	for _, op := range o {
		if op == nil {
			continue
		}
		if err := op.NotifyOperator(ctx, subject, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort logs delivery failures instead of returning them. Callers
// notify after a state change has committed, so a failed message must not
// turn into a failed operation.
type BestEffort struct {
	notifier Notifier
	operator Operator
	logger   *slog.Logger
}

func NewBestEffort(n Notifier, op Operator, logger *slog.Logger) *BestEffort {
	if n == nil {
		n = Nop{}
	}
	if op == nil {
		op = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{notifier: n, operator: op, logger: logger}
}

func (b *BestEffort) Notify(ctx context.Context, telegramID int64, text string) error {
	if err := b.notifier.Notify(ctx, telegramID, text); err != nil {
		b.logger.Warn("notify user", "telegram_id", telegramID, "error", err)
	}
	return nil
}

func (b *BestEffort) NotifyOperator(ctx context.Context, subject, text string) error {
	if err := b.operator.NotifyOperator(ctx, subject, text); err != nil {
		b.logger.Warn("notify operator", "subject", subject, "error", err)
	}
	return nil
}
