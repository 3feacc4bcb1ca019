// Package email delivers operator alerts through the Postmark API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.postmarkapp.com"

// APIError is a non-2xx reply from Postmark.
type APIError struct {
	Status  int
	Code    int    `json:"ErrorCode"`
	Message string `json:"Message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postmark: status %d", e.Status)
	}
	return fmt.Sprintf("postmark: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Client sends operator alerts. It implements notify.Operator.
type Client struct {
	token      string
	from       string
	to         string
	stream     string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL points the client at another API host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

// WithMessageStream selects a Postmark message stream other than "outbound".
func WithMessageStream(s string) Option {
	return func(cl *Client) { cl.stream = s }
}

func NewClient(serverToken, fromEmail, operatorEmail string, opts ...Option) *Client {
	c := &Client{
		token:      serverToken,
		from:       fromEmail,
		to:         operatorEmail,
		stream:     "outbound",
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether alerts can be sent.
func (c *Client) Configured() bool {
	return c.token != "" && c.to != ""
}

type message struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream,omitempty"`
}

func alertHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// NotifyOperator emails an alert to the operator address.
func (c *Client) NotifyOperator(ctx context.Context, subject, text string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or operator email")
	}

	body, err := json.Marshal(message{
		From:          c.from,
		To:            c.to,
		Subject:       "[licensed] " + subject,
		HtmlBody:      alertHTML(text),
		TextBody:      text,
		Tag:           "operator-alert",
		MessageStream: c.stream,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	return nil
}
