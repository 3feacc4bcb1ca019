// Package yookassa parses YooKassa webhook notifications and talks to the
// YooKassa payments API.
package yookassa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukerupert/renderlicense/internal/payment"
)

const EventPaymentSucceeded = "payment.succeeded"

var ErrInvalidPayload = errors.New("invalid yookassa payload")

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Payment is the part of a YooKassa payment object the service reads.
type Payment struct {
	ID          string                     `json:"id"`
	Status      string                     `json:"status"`
	Paid        bool                       `json:"paid"`
	Amount      Amount                     `json:"amount"`
	Description string                     `json:"description"`
	Metadata    map[string]json.RawMessage `json:"metadata"`
}

// Notification is the webhook envelope.
type Notification struct {
	Type   string  `json:"type"`
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

// TelegramID reads metadata.telegram_id, which may arrive as a JSON number
// or a numeric string. It returns nil when the key is absent or empty.
func (p Payment) TelegramID() (*int64, error) {
	raw, ok := p.Metadata["telegram_id"]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode telegram_id: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram_id %q: %w", s, ErrInvalidPayload)
	}
	return &id, nil
}

// Parse decodes a webhook body into a normalized payment event.
func Parse(body []byte) (Notification, payment.Event, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, payment.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.Event == "" {
		return n, payment.Event{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}

	// Only a successful payment needs its owner; other events are
	// acknowledged whatever their metadata holds.
	telegramID, err := n.Object.TelegramID()
	if err != nil {
		if n.Event == EventPaymentSucceeded {
			return n, payment.Event{}, err
		}
		telegramID = nil
	}

	ev := payment.Event{
		Provider:    payment.ProviderYooKassa,
		PaymentID:   n.Object.ID,
		Type:        n.Event,
		Succeeded:   n.Event == EventPaymentSucceeded,
		TelegramID:  telegramID,
		AmountValue: n.Object.Amount.Value,
		Currency:    n.Object.Amount.Currency,
		Description: n.Object.Description,
		Payload:     body,
	}
	return n, ev, nil
}
