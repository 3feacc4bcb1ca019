package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

type Config struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	// Price is the amount charged per period, e.g. "299.00".
	Price       string
	Currency    string
	ReturnURL   string
	Description string
}

// Client creates and looks up payments through the YooKassa REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.Description == "" {
		cfg.Description = "License subscription, 30 days"
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether API credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ShopID != "" && c.cfg.SecretKey != ""
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type receiptItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Amount      Amount `json:"amount"`
	VatCode     int    `json:"vat_code"`
}

type receipt struct {
	Customer map[string]string `json:"customer"`
	Items    []receiptItem     `json:"items"`
}

type createRequest struct {
	Amount       Amount            `json:"amount"`
	Confirmation confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Receipt      *receipt          `json:"receipt,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type createResponse struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Confirmation confirmation `json:"confirmation"`
}

// Customer carries the receipt contact. Either field may be empty.
type Customer struct {
	Email string
	Phone string
}

// CreatePayment starts a redirect payment for one license period and
// returns the payment id and the URL the user must visit.
func (c *Client) CreatePayment(ctx context.Context, telegramID int64, customer Customer) (string, string, error) {
	if !c.Configured() {
		return "", "", fmt.Errorf("yookassa client not configured: missing shop id or secret key")
	}

	amount := Amount{Value: c.cfg.Price, Currency: c.cfg.Currency}
	reqBody := createRequest{
		Amount:       amount,
		Confirmation: confirmation{Type: "redirect", ReturnURL: c.cfg.ReturnURL},
		Capture:      true,
		Description:  fmt.Sprintf("License payment for Telegram ID %d", telegramID),
		Metadata:     map[string]string{"telegram_id": strconv.FormatInt(telegramID, 10)},
	}
	if customer.Email != "" || customer.Phone != "" {
		rc := &receipt{Customer: map[string]string{}}
		if customer.Email != "" {
			rc.Customer["email"] = customer.Email
		}
		if customer.Phone != "" {
			rc.Customer["phone"] = customer.Phone
		}
		rc.Items = []receiptItem{{
			Description: c.cfg.Description,
			Quantity:    "1.00",
			Amount:      amount,
			VatCode:     1,
		}}
		reqBody.Receipt = rc
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("create payment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("yookassa API error: status %d", resp.StatusCode)
	}

	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}
	if cr.Confirmation.ConfirmationURL == "" {
		return "", "", fmt.Errorf("yookassa response missing confirmation url")
	}
	return cr.ID, cr.Confirmation.ConfirmationURL, nil
}

// GetPayment fetches the current state of a payment. Webhook bodies are
// unsigned, so the service confirms a success notification against this.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("yookassa client not configured: missing shop id or secret key")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("yookassa API error: status %d", resp.StatusCode)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &p, nil
}

// Confirm checks that the API agrees the notified payment succeeded for
// the same telegram id.
func (c *Client) Confirm(ctx context.Context, notified Payment) error {
	p, err := c.GetPayment(ctx, notified.ID)
	if err != nil {
		return err
	}
	if p.Status != "succeeded" {
		return fmt.Errorf("payment %s status %q: %w", p.ID, p.Status, ErrInvalidPayload)
	}
	want, err := notified.TelegramID()
	if err != nil {
		return err
	}
	got, err := p.TelegramID()
	if err != nil {
		return err
	}
	if want == nil || got == nil || *want != *got {
		return fmt.Errorf("payment %s telegram id mismatch: %w", p.ID, ErrInvalidPayload)
	}
	return nil
}
