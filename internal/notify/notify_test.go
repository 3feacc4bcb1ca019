package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

type failing struct{ err error }

func (f failing) Notify(context.Context, int64, string) error         { return f.err }
func (f failing) NotifyOperator(context.Context, string, string) error { return f.err }

func TestTelegramNotify(t *testing.T) {
	s := &fakeSender{}
	tg := NewTelegram(s, 0)

	if err := tg.Notify(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(s.sent))
	}
	if s.sent[0].ChatID != 42 || s.sent[0].Text != "hello" {
		t.Errorf("message = %+v, want chat 42 text hello", s.sent[0])
	}
}

func TestTelegramOperatorChat(t *testing.T) {
	s := &fakeSender{}

	if err := NewTelegram(s, 0).NotifyOperator(context.Background(), "subj", "body"); err != nil {
		t.Fatalf("notify operator without chat: %v", err)
	}
	if len(s.sent) != 0 {
		t.Errorf("sent = %d, want 0 without operator chat", len(s.sent))
	}

	if err := NewTelegram(s, 7).NotifyOperator(context.Background(), "subj", "body"); err != nil {
		t.Fatalf("notify operator: %v", err)
	}
	if len(s.sent) != 1 || s.sent[0].ChatID != 7 || !strings.Contains(s.sent[0].Text, "subj") {
		t.Errorf("sent = %+v, want one message to chat 7", s.sent)
	}
}

func TestTelegramNotifyError(t *testing.T) {
	tg := NewTelegram(&fakeSender{err: errors.New("blocked")}, 0)
	if err := tg.Notify(context.Background(), 1, "x"); err == nil {
		t.Fatal("expected send error")
	}
}

func TestOperatorsJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ops := Operators{Nop{}, failing{err: boom}, nil}
	if err := ops.NotifyOperator(context.Background(), "s", "t"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	f := failing{err: errors.New("down")}
	b := NewBestEffort(f, f, nil)

	if err := b.Notify(context.Background(), 1, "x"); err != nil {
		t.Errorf("notify err = %v, want nil", err)
	}
	if err := b.NotifyOperator(context.Background(), "s", "t"); err != nil {
		t.Errorf("notify operator err = %v, want nil", err)
	}
}
