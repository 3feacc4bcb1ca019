// Package telegram runs the long-polling user bot: registration with
// referral deep links, license status, referral summary and bonus claims.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
	"github.com/dukerupert/renderlicense/internal/referral"
)

// API is the subset of *tgbotapi.BotAPI the bot drives.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// PaymentCreator starts a checkout for one license period.
type PaymentCreator interface {
	Configured() bool
	CreatePayment(ctx context.Context, telegramID int64, customer yookassa.Customer) (string, string, error)
}

// NewBotAPI connects to the Bot API with token.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return api, nil
}

type Bot struct {
	wg       sync.WaitGroup
	api      API
	username string
	accounts *account.Registry
	ledger   *ledger.Ledger
	referral *referral.Service
	payments PaymentCreator
	logger   *slog.Logger
}

type Option func(*Bot)

// WithPayments enables the in-chat "Pay" button.
func WithPayments(p PaymentCreator) Option {
	return func(b *Bot) { b.payments = p }
}

// WithUsername sets the bot username used in referral deep links.
func WithUsername(name string) Option {
	return func(b *Bot) { b.username = name }
}

func NewBot(api API, accounts *account.Registry, l *ledger.Ledger, ref *referral.Service, logger *slog.Logger, opts ...Option) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		api:      api,
		accounts: accounts,
		ledger:   l,
		referral: ref,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run polls for updates until ctx is done, then waits for in-flight
// handlers.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()

	if err := b.setMyCommands(); err != nil {
		b.logger.Warn("set bot commands", "error", err)
	}

	config := tgbotapi.NewUpdate(0)
	config.Timeout = 30
	updates := b.api.GetUpdatesChan(config)
	b.logger.Info("bot polling started", "username", b.username)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handle(ctx, update)
			}()
		case <-ctx.Done():
			b.logger.Info("stopping bot", "reason", ctx.Err())
			b.api.StopReceivingUpdates()
			return nil
		}
	}
}

// request is a normalized command or button press.
type request struct {
	ctx        context.Context
	chatID     int64
	telegramID int64
	arg        string
}

func (b *Bot) handle(ctx context.Context, update tgbotapi.Update) {
	var (
		res []tgbotapi.Chattable
		err error
	)
	switch {
	case update.Message != nil:
		res, err = b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		res, err = b.handleQuery(ctx, update.CallbackQuery)
	default:
		return
	}
	if err != nil {
		b.logger.Error("handle update", "update_id", update.UpdateID, "error", err)
		if chatID := chatOf(update); chatID != 0 {
			res = append(res, tgbotapi.NewMessage(chatID, "Something went wrong. Please try again later."))
		}
	}
	for _, c := range res {
		if _, err := b.api.Send(c); err != nil {
			b.logger.Warn("send bot reply", "update_id", update.UpdateID, "error", err)
		}
	}
}

func chatOf(update tgbotapi.Update) int64 {
	if c := update.FromChat(); c != nil {
		return c.ID
	}
	return 0
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) ([]tgbotapi.Chattable, error) {
	if msg.From == nil || !msg.IsCommand() {
		return nil, nil
	}
	cmd, ok := commands[msg.Command()]
	if !ok {
		return []tgbotapi.Chattable{tgbotapi.NewMessage(msg.Chat.ID, "Unknown command. Send /help for the list.")}, nil
	}
	return cmd.handler(b, request{
		ctx:        ctx,
		chatID:     msg.Chat.ID,
		telegramID: msg.From.ID,
		arg:        strings.TrimSpace(msg.CommandArguments()),
	})
}

func (b *Bot) handleQuery(ctx context.Context, q *tgbotapi.CallbackQuery) ([]tgbotapi.Chattable, error) {
	if q.From == nil || q.Message == nil {
		return nil, nil
	}
	// acknowledge so the client stops its spinner
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.logger.Warn("answer callback", "error", err)
	}

	req := request{ctx: ctx, chatID: q.Message.Chat.ID, telegramID: q.From.ID}
	switch q.Data {
	case callbackLicense:
		return b.cmdLicense(req)
	case callbackClaim:
		return b.cmdClaim(req)
	case callbackPay:
		return b.cmdPay(req)
	default:
		return nil, nil
	}
}

func (b *Bot) cmdStart(req request) ([]tgbotapi.Chattable, error) {
	acct, created, err := b.accounts.GetOrCreateReferred(req.ctx, req.telegramID, req.arg)
	if err != nil {
		return nil, fmt.Errorf("register %d: %w", req.telegramID, err)
	}
	snap, err := b.ledger.Snapshot(req.ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	if created {
		sb.WriteString("Welcome! Your account is ready.\n")
		if acct.ReferredByID != nil {
			sb.WriteString("You joined with an invite link. Your friend gets bonus days once your license is active.\n")
		}
	} else {
		sb.WriteString("Welcome back!\n")
	}
	sb.WriteString("\n")
	sb.WriteString(licenseText(snap))

	msg := tgbotapi.NewMessage(req.chatID, sb.String())
	msg.ParseMode = tgbotapi.ModeHTML
	if kb := b.licenseKeyboard(snap); kb != nil {
		msg.ReplyMarkup = kb
	}
	return []tgbotapi.Chattable{msg}, nil
}

func (b *Bot) cmdLicense(req request) ([]tgbotapi.Chattable, error) {
	snap, err := b.ledger.SnapshotByTelegramID(req.ctx, req.telegramID)
	if err != nil {
		return nil, err
	}
	msg := tgbotapi.NewMessage(req.chatID, licenseText(snap))
	msg.ParseMode = tgbotapi.ModeHTML
	if kb := b.licenseKeyboard(snap); kb != nil {
		msg.ReplyMarkup = kb
	}
	return []tgbotapi.Chattable{msg}, nil
}

func licenseText(snap model.Snapshot) string {
	switch snap.Status {
	case model.StatusNotFound:
		return "You have no license yet."
	case model.StatusActive:
		text := fmt.Sprintf("Your license:\n<code>%s</code>\n\nActive, %d days left", html.EscapeString(snap.Key), snap.DaysLeft)
		if snap.NextChargeAt != nil {
			text += fmt.Sprintf(" (until %s UTC)", snap.NextChargeAt.Format("2006-01-02"))
		}
		return text + "."
	case model.StatusExpired:
		return fmt.Sprintf("Your license:\n<code>%s</code>\n\nExpired. Renew it to keep rendering.", html.EscapeString(snap.Key))
	default:
		return fmt.Sprintf("Your license:\n<code>%s</code>\n\nInactive.", html.EscapeString(snap.Key))
	}
}

func (b *Bot) licenseKeyboard(snap model.Snapshot) *tgbotapi.InlineKeyboardMarkup {
	if b.payments == nil || !b.payments.Configured() {
		return nil
	}
	label := "Buy a license"
	if snap.Exists {
		label = "Renew license"
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, callbackPay)),
	)
	return &kb
}

func (b *Bot) cmdPay(req request) ([]tgbotapi.Chattable, error) {
	if b.payments == nil || !b.payments.Configured() {
		return []tgbotapi.Chattable{tgbotapi.NewMessage(req.chatID, "Payments are not available right now.")}, nil
	}
	if _, err := b.accounts.GetOrCreate(req.ctx, req.telegramID); err != nil {
		return nil, err
	}
	_, url, err := b.payments.CreatePayment(req.ctx, req.telegramID, yookassa.Customer{})
	if err != nil {
		return nil, fmt.Errorf("create payment for %d: %w", req.telegramID, err)
	}
	msg := tgbotapi.NewMessage(req.chatID, "Follow the link to pay. The license is renewed as soon as the payment goes through.")
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Pay", url)),
	)
	msg.ReplyMarkup = kb
	return []tgbotapi.Chattable{msg}, nil
}

func (b *Bot) cmdReferral(req request) ([]tgbotapi.Chattable, error) {
	acct, err := b.accounts.GetOrCreate(req.ctx, req.telegramID)
	if err != nil {
		return nil, err
	}
	if acct, err = b.accounts.EnsureReferralCode(req.ctx, acct.ID); err != nil {
		return nil, err
	}
	sum, err := b.referral.Summary(req.ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Invite friends and get %d days for each one who activates a license.\n\n", b.referral.BonusDays())
	if acct.ReferralCode != nil {
		fmt.Fprintf(&sb, "Your link: %s\n\n", b.inviteLink(*acct.ReferralCode))
	}
	fmt.Fprintf(&sb, "Paid out: %d referrals (%d days)\n", sum.SuccessfulReferrals, sum.BonusDaysClaimed)
	fmt.Fprintf(&sb, "Ready to claim: %d referrals (%d days)", sum.ClaimableReferrals, sum.BonusDaysAvailable)

	msg := tgbotapi.NewMessage(req.chatID, sb.String())
	if sum.ClaimableReferrals > 0 {
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Claim bonus", callbackClaim)),
		)
		msg.ReplyMarkup = kb
	}
	return []tgbotapi.Chattable{msg}, nil
}

func (b *Bot) inviteLink(code string) string {
	if b.username == "" {
		return "/start " + code
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", b.username, code)
}

func (b *Bot) cmdClaim(req request) ([]tgbotapi.Chattable, error) {
	days, err := b.referral.ClaimByTelegramID(req.ctx, req.telegramID)
	if errors.Is(err, ledger.ErrNotFound) {
		return []tgbotapi.Chattable{tgbotapi.NewMessage(req.chatID, "Send /start first to create your account.")}, nil
	}
	if err != nil {
		return nil, err
	}
	if days == 0 {
		return []tgbotapi.Chattable{tgbotapi.NewMessage(req.chatID, "Nothing to claim yet.")}, nil
	}
	snap, err := b.ledger.SnapshotByTelegramID(req.ctx, req.telegramID)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%d bonus days added. %d days left on your license.", days, snap.DaysLeft)
	return []tgbotapi.Chattable{tgbotapi.NewMessage(req.chatID, text)}, nil
}

const helpText = "/start - register and show your license\n" +
	"/license - license status and key\n" +
	"/referral - your invite link and bonus days\n" +
	"/claim - claim referral bonus days\n" +
	"/help - this list"

func (b *Bot) cmdHelp(req request) ([]tgbotapi.Chattable, error) {
	return []tgbotapi.Chattable{tgbotapi.NewMessage(req.chatID, helpText)}, nil
}
