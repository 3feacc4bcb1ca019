package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/database"
	"github.com/dukerupert/renderlicense/internal/keys"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
	"github.com/dukerupert/renderlicense/internal/referral"
	"github.com/dukerupert/renderlicense/internal/store"
)

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopped  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 4)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// texts returns the text of every message sent so far and resets the log.
func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	f.sent = nil
	return out
}

type fakePayments struct {
	err error
}

func (p *fakePayments) Configured() bool { return true }

func (p *fakePayments) CreatePayment(_ context.Context, telegramID int64, _ yookassa.Customer) (string, string, error) {
	if p.err != nil {
		return "", "", p.err
	}
	return "pay-1", "https://pay.example/confirm/pay-1", nil
}

type fixture struct {
	api      *fakeAPI
	bot      *Bot
	ledger   *ledger.Ledger
	accounts *account.Registry
}

func setupBotTestDB(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db, nil)
	gen := keys.NewGenerator()
	l := ledger.New(s, gen, ledger.WithClock(ledger.ClockFunc(func() time.Time { return t0 })))
	accounts := account.NewRegistry(s, gen, nil)
	api := newFakeAPI()
	opts = append([]Option{WithUsername("render_license_bot")}, opts...)
	return &fixture{
		api:      api,
		bot:      NewBot(api, accounts, l, referral.NewService(l, 7, nil), nil, opts...),
		ledger:   l,
		accounts: accounts,
	}
}

func commandUpdate(from int64, text string) tgbotapi.Update {
	n := strings.IndexByte(text, ' ')
	if n < 0 {
		n = len(text)
	}
	return tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			From:     &tgbotapi.User{ID: from},
			Chat:     &tgbotapi.Chat{ID: from},
			Text:     text,
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: n}},
		},
	}
}

func callbackUpdate(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 2,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			From:    &tgbotapi.User{ID: from},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: from}},
			Data:    data,
		},
	}
}

func (f *fixture) send(t *testing.T, u tgbotapi.Update) []string {
	t.Helper()
	f.bot.handle(context.Background(), u)
	return f.api.texts()
}

func TestStartRegisters(t *testing.T) {
	f := setupBotTestDB(t)

	got := f.send(t, commandUpdate(100, "/start"))
	if len(got) != 1 || !strings.Contains(got[0], "Welcome!") || !strings.Contains(got[0], "no license") {
		t.Errorf("replies = %q", got)
	}
	if acct, _ := f.accounts.Get(context.Background(), 100); acct == nil {
		t.Fatal("account not created")
	}

	got = f.send(t, commandUpdate(100, "/start"))
	if len(got) != 1 || !strings.Contains(got[0], "Welcome back") {
		t.Errorf("second start replies = %q", got)
	}
}

func TestStartWithReferralCode(t *testing.T) {
	f := setupBotTestDB(t)
	ctx := context.Background()

	referrer, _ := f.accounts.GetOrCreate(ctx, 1)
	got := f.send(t, commandUpdate(2, "/start "+*referrer.ReferralCode))
	if len(got) != 1 || !strings.Contains(got[0], "invite link") {
		t.Errorf("replies = %q", got)
	}
	invitee, _ := f.accounts.Get(ctx, 2)
	if invitee.ReferredByID == nil || *invitee.ReferredByID != referrer.ID {
		t.Errorf("referred_by = %v, want %d", invitee.ReferredByID, referrer.ID)
	}

	// a referral code never applies to an existing account
	f.send(t, commandUpdate(3, "/start"))
	f.send(t, commandUpdate(3, "/start "+*referrer.ReferralCode))
	if acct, _ := f.accounts.Get(ctx, 3); acct.ReferredByID != nil {
		t.Errorf("existing account got referred_by = %d", *acct.ReferredByID)
	}
}

func TestLicenseCommand(t *testing.T) {
	f := setupBotTestDB(t)
	ctx := context.Background()

	acct, _ := f.accounts.GetOrCreate(ctx, 10)
	lic, _ := f.ledger.GrantOrRenew(ctx, acct.ID, ledger.Days(30))

	got := f.send(t, commandUpdate(10, "/license"))
	if len(got) != 1 {
		t.Fatalf("replies = %q", got)
	}
	if !strings.Contains(got[0], lic.Key) || !strings.Contains(got[0], "30 days left") {
		t.Errorf("license reply = %q", got[0])
	}

	f.ledger.Cancel(ctx, lic.Key)
	if got := f.send(t, commandUpdate(10, "/license")); !strings.Contains(got[0], "Inactive") {
		t.Errorf("after cancel = %q", got)
	}
}

func TestReferralAndClaim(t *testing.T) {
	f := setupBotTestDB(t)
	ctx := context.Background()

	got := f.send(t, commandUpdate(1, "/referral"))
	if len(got) != 1 || !strings.Contains(got[0], "https://t.me/render_license_bot?start=") {
		t.Fatalf("referral reply = %q", got)
	}
	referrer, _ := f.accounts.Get(ctx, 1)

	invitee, _, _ := f.accounts.GetOrCreateReferred(ctx, 2, *referrer.ReferralCode)
	f.ledger.GrantOrRenew(ctx, invitee.ID, ledger.Days(30))

	got = f.send(t, commandUpdate(1, "/referral"))
	if !strings.Contains(got[0], "Ready to claim: 1 referrals (7 days)") {
		t.Errorf("referral summary = %q", got[0])
	}

	got = f.send(t, callbackUpdate(1, callbackClaim))
	if len(got) != 1 || !strings.Contains(got[0], "7 bonus days added") {
		t.Errorf("claim reply = %q", got)
	}
	if got := f.send(t, commandUpdate(1, "/claim")); !strings.Contains(got[0], "Nothing to claim") {
		t.Errorf("second claim = %q", got)
	}
}

func TestClaimWithoutAccount(t *testing.T) {
	f := setupBotTestDB(t)
	got := f.send(t, commandUpdate(55, "/claim"))
	if len(got) != 1 || !strings.Contains(got[0], "/start") {
		t.Errorf("replies = %q", got)
	}
}

func TestPayButton(t *testing.T) {
	p := &fakePayments{}
	f := setupBotTestDB(t, WithPayments(p))

	f.bot.handle(context.Background(), callbackUpdate(9, callbackPay))
	f.api.mu.Lock()
	sent := f.api.sent
	answered := len(f.api.requests)
	f.api.mu.Unlock()

	if answered != 1 {
		t.Errorf("callback answers = %d, want 1", answered)
	}
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	msg := sent[0].(tgbotapi.MessageConfig)
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || kb.InlineKeyboard[0][0].URL == nil || *kb.InlineKeyboard[0][0].URL != "https://pay.example/confirm/pay-1" {
		t.Errorf("reply markup = %#v", msg.ReplyMarkup)
	}
	f.api.texts()

	p.err = errors.New("provider down")
	got := f.send(t, callbackUpdate(9, callbackPay))
	if len(got) != 1 || !strings.Contains(got[0], "Something went wrong") {
		t.Errorf("provider failure replies = %q", got)
	}
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	f := setupBotTestDB(t)
	if got := f.send(t, commandUpdate(1, "/frobnicate")); len(got) != 1 || !strings.Contains(got[0], "/help") {
		t.Errorf("unknown command replies = %q", got)
	}
	plain := tgbotapi.Update{Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1}, Text: "hi"}}
	if got := f.send(t, plain); len(got) != 0 {
		t.Errorf("plain text replies = %q", got)
	}
}

func TestRunProcessesUpdatesUntilCanceled(t *testing.T) {
	f := setupBotTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx) }()

	f.api.updates <- commandUpdate(7, "/help")
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.api.mu.Lock()
		n := len(f.api.sent)
		f.api.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reply to /help")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	if !f.api.stopped {
		t.Error("expected StopReceivingUpdates on shutdown")
	}
	if len(f.api.requests) == 0 {
		t.Error("expected setMyCommands request")
	}
}
