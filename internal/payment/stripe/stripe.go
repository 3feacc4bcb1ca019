// Package stripe verifies Stripe webhooks and normalizes the events that
// affect licenses.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/renderlicense/internal/payment"
)

var (
	ErrNotConfigured    = errors.New("stripe webhook secret not configured")
	ErrInvalidSignature = errors.New("invalid stripe signature")
)

// CheckoutSession is the part of a checkout.session object the service reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// Invoice is the part of an invoice object the service reads.
type Invoice struct {
	ID            string            `json:"id"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// Subscription is the part of a subscription object the service reads.
type Subscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Configured reports whether a webhook secret is set.
func (v *Verifier) Configured() bool {
	return strings.TrimSpace(v.secret) != ""
}

// Parse verifies the Stripe-Signature header and normalizes the event.
func (v *Verifier) Parse(payload []byte, sigHeader string) (payment.Event, error) {
	if !v.Configured() {
		return payment.Event{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Normalize(event, payload)
}

// Normalize maps a verified Stripe event onto a payment event.
//
// Subscription checkouts are acknowledged without renewing: their first
// charge arrives as invoice.paid, which carries the renewal. One-off
// checkouts renew directly.
func Normalize(event stripelib.Event, payload []byte) (payment.Event, error) {
	ev := payment.Event{
		Provider: payment.ProviderStripe,
		Type:     string(event.Type),
		Payload:  payload,
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return ev, fmt.Errorf("decode checkout.session: %w", err)
		}
		if sess.Mode != "payment" || sess.PaymentStatus != "paid" {
			return ev, nil
		}
		id, err := telegramID(sess.Metadata, sess.ClientReferenceID)
		if err != nil {
			return ev, err
		}
		ev.Succeeded = true
		ev.PaymentID = sess.ID
		ev.TelegramID = id
		ev.AmountValue = minorUnits(sess.AmountTotal)
		ev.Currency = strings.ToUpper(sess.Currency)

	case "invoice.paid":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ev, fmt.Errorf("decode invoice: %w", err)
		}
		meta := inv.Metadata
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			ev.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
			if _, ok := meta["telegram_id"]; !ok {
				meta = inv.Parent.SubscriptionDetails.Metadata
			}
		}
		id, err := telegramID(meta, "")
		if err != nil {
			return ev, err
		}
		ev.Succeeded = true
		ev.PaymentID = inv.ID
		ev.TelegramID = id
		ev.AmountValue = minorUnits(inv.AmountPaid)
		ev.Currency = strings.ToUpper(inv.Currency)
		ev.Description = inv.BillingReason

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", err)
		}
		ev.SubscriptionCanceled = true
		ev.SubscriptionID = sub.ID
	}

	return ev, nil
}

func telegramID(meta map[string]string, fallback string) (*int64, error) {
	raw := strings.TrimSpace(meta["telegram_id"])
	if raw == "" {
		raw = strings.TrimSpace(fallback)
	}
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram_id %q: %w", raw, err)
	}
	return &id, nil
}

// minorUnits renders an amount in minor units as a decimal string.
func minorUnits(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
