// Package payment turns provider payment notifications into license
// renewals. Each provider payment id is applied at most once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/notify"
)

const (
	ProviderYooKassa = "yookassa"
	ProviderStripe   = "stripe"
)

// ErrMissingPaymentID is returned for success events without a provider
// payment id; such events cannot be deduplicated.
var ErrMissingPaymentID = errors.New("missing payment id")

// Event is a provider notification normalized by an adapter.
type Event struct {
	Provider  string
	PaymentID string
	Type      string
	Succeeded bool
	// SubscriptionCanceled marks a provider-side subscription termination.
	SubscriptionCanceled bool
	TelegramID           *int64
	SubscriptionID       string
	AmountValue          string
	Currency             string
	Description          string
	Payload              []byte
}

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
)

// Result reports what reconciliation did with an event.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	Event    string          `json:"event,omitempty"`
	Action   string          `json:"action,omitempty"`
	Snapshot *model.Snapshot `json:"license,omitempty"`
}

// Status is the acknowledgement string returned to the provider.
func (r Result) Status() string {
	switch r.Outcome {
	case OutcomeAlreadyProcessed:
		return "already processed"
	case OutcomeIgnored:
		return "ignored: " + r.Event
	default:
		return "ok"
	}
}

type Reconciler struct {
	ledger   *ledger.Ledger
	accounts *account.Registry
	notifier notify.Notifier
	operator notify.Operator
	period   time.Duration
	retry    ledger.RetryPolicy
	logger   *slog.Logger
}

type Option func(*Reconciler)

// WithPeriod sets the entitlement granted per successful payment.
func WithPeriod(d time.Duration) Option {
	return func(r *Reconciler) { r.period = d }
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithOperator(op notify.Operator) Option {
	return func(r *Reconciler) { r.operator = op }
}

// WithRetry bounds how often a transaction is retried after a storage
// lock conflict.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(r *Reconciler) {
		r.retry.MaxRetries = maxRetries
		r.retry.Base = base
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func NewReconciler(l *ledger.Ledger, accounts *account.Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   l,
		accounts: accounts,
		notifier: notify.Nop{},
		operator: notify.Nop{},
		period:   ledger.Days(30),
		retry:    ledger.DefaultRetryPolicy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry.OnRetry = func(err error) {
		metrics.ConcurrencyRetriesTotal.Inc()
		r.logger.Debug("retrying after concurrency conflict", "error", err)
	}
	be := notify.NewBestEffort(r.notifier, r.operator, r.logger)
	r.notifier, r.operator = be, be
	return r
}

// HandleEvent routes a normalized provider event. Events that are neither
// a successful payment nor a subscription cancellation are acknowledged
// as ignored.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	switch {
	case ev.Succeeded:
		return r.HandlePaymentSucceeded(ctx, ev)
	case ev.SubscriptionCanceled:
		return r.HandleSubscriptionCanceled(ctx, ev)
	default:
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(OutcomeIgnored)).Inc()
		r.logger.Info("payment event ignored", "provider", ev.Provider, "event", ev.Type)
		return Result{Outcome: OutcomeIgnored, Event: ev.Type}, nil
	}
}

// HandlePaymentSucceeded records the payment and renews the payer's
// license in one transaction. A payment id seen before leaves state
// untouched and reports OutcomeAlreadyProcessed.
func (r *Reconciler) HandlePaymentSucceeded(ctx context.Context, ev Event) (Result, error) {
	if ev.TelegramID == nil {
		return Result{}, ledger.ErrMissingAccountReference
	}
	if ev.PaymentID == "" {
		return Result{}, ErrMissingPaymentID
	}
	telegramID := *ev.TelegramID

	var (
		acct   *model.Account
		lic    *model.License
		action string
		now    time.Time
	)
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.ledger.Repository().InTx(ctx, func(tx ledger.Tx) error {
			now = r.ledger.Now()
			p := &model.Payment{
				PaymentID:   ev.PaymentID,
				Provider:    ev.Provider,
				TelegramID:  telegramID,
				Status:      "succeeded",
				AmountValue: ev.AmountValue,
				Currency:    ev.Currency,
				Description: ev.Description,
				Payload:     string(ev.Payload),
				ProcessedAt: &now,
			}
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}

			var err error
			acct, _, err = r.accounts.GetOrCreateTx(ctx, tx, telegramID, nil)
			if err != nil {
				return err
			}
			lic, action, err = r.ledger.GrantOrRenewTx(ctx, tx, acct, r.period, now)
			if err != nil {
				return err
			}
			if ev.SubscriptionID != "" && (lic.SubscriptionID == nil || *lic.SubscriptionID != ev.SubscriptionID) {
				sub := ev.SubscriptionID
				lic.SubscriptionID = &sub
				return tx.UpdateLicense(ctx, lic)
			}
			return nil
		})
	})
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(OutcomeAlreadyProcessed)).Inc()
		r.logger.Info("payment already processed", "provider", ev.Provider, "payment_id", ev.PaymentID, "telegram_id", telegramID)
		snap, serr := r.ledger.SnapshotByTelegramID(ctx, telegramID)
		if serr != nil {
			return Result{}, fmt.Errorf("snapshot after duplicate payment: %w", serr)
		}
		return Result{Outcome: OutcomeAlreadyProcessed, Event: ev.Type, Snapshot: &snap}, nil
	}
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, "failed").Inc()
		return Result{}, fmt.Errorf("apply payment %s: %w", ev.PaymentID, err)
	}

	metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(OutcomeApplied)).Inc()
	r.ledger.PublishTransition(action, acct, lic)
	snap := ledger.SnapshotOf(lic, telegramID, now)
	r.logger.Info("payment applied",
		"provider", ev.Provider,
		"payment_id", ev.PaymentID,
		"telegram_id", telegramID,
		"action", action,
		"next_charge_at", lic.NextChargeAt,
	)

	r.notifier.Notify(ctx, telegramID, paymentMessage(snap))
	r.operator.NotifyOperator(ctx, "Payment received",
		fmt.Sprintf("provider: %s\npayment: %s\ntelegram_id: %d\namount: %s %s\nlicense %s until %s",
			ev.Provider, ev.PaymentID, telegramID, ev.AmountValue, ev.Currency, action, formatDate(snap.NextChargeAt)))

	return Result{Outcome: OutcomeApplied, Event: ev.Type, Action: action, Snapshot: &snap}, nil
}

// HandleSubscriptionCanceled deactivates the license registered under the
// event's subscription id. Unknown subscriptions are ignored.
func (r *Reconciler) HandleSubscriptionCanceled(ctx context.Context, ev Event) (Result, error) {
	if ev.SubscriptionID == "" {
		return Result{Outcome: OutcomeIgnored, Event: ev.Type}, nil
	}

	var lic *model.License
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		lic, err = r.ledger.CancelBySubscription(ctx, ev.SubscriptionID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(OutcomeIgnored)).Inc()
		r.logger.Info("cancellation for unknown subscription", "provider", ev.Provider, "subscription_id", ev.SubscriptionID)
		return Result{Outcome: OutcomeIgnored, Event: ev.Type}, nil
	}
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, "failed").Inc()
		return Result{}, fmt.Errorf("cancel subscription %s: %w", ev.SubscriptionID, err)
	}

	metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, "canceled").Inc()
	snap, err := r.ledger.Snapshot(ctx, lic.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot after cancel: %w", err)
	}
	r.logger.Info("subscription canceled", "provider", ev.Provider, "subscription_id", ev.SubscriptionID, "telegram_id", snap.TelegramID)

	r.notifier.Notify(ctx, snap.TelegramID, "Your subscription was cancelled. The license is no longer active.")
	r.operator.NotifyOperator(ctx, "Subscription canceled",
		fmt.Sprintf("provider: %s\nsubscription: %s\ntelegram_id: %d", ev.Provider, ev.SubscriptionID, snap.TelegramID))

	return Result{Outcome: OutcomeApplied, Event: ev.Type, Action: ledger.ActionCanceled, Snapshot: &snap}, nil
}

func paymentMessage(snap model.Snapshot) string {
	return fmt.Sprintf("Payment received. Your license is active until %s (%d days left).",
		formatDate(snap.NextChargeAt), snap.DaysLeft)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("02.01.2006")
}
