// Package licensecheck is the client side of the public license check. A
// render node holds one Client, checks its key periodically and keeps
// working through short outages of the license server.
package licensecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config holds license check configuration.
type Config struct {
	Key           string
	ServerURL     string
	CheckInterval time.Duration
	GracePeriod   time.Duration
}

// Status is the cached outcome of the last check.
type Status struct {
	Valid       bool      `json:"valid"`
	Status      string    `json:"status"`
	TelegramID  int64     `json:"telegram_id,omitempty"`
	DaysLeft    int       `json:"days_left"`
	Warning     string    `json:"warning,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Offline     bool      `json:"offline"`
}

// Response mirrors GET /api/check_license.
type Response struct {
	Status   string `json:"status"`
	Valid    bool   `json:"valid"`
	UserID   *int64 `json:"user_id,omitempty"`
	DaysLeft *int   `json:"days_left,omitempty"`
}

// Client checks a license key against the license server.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	httpClient *http.Client
	stopCh     chan struct{}
	stopped    chan struct{}
}

func NewClient(cfg Config) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 24 * time.Hour
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8090"
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.Key == "" {
		c.status = Status{Status: "not_found"}
	}
	return c
}

// Check asks the server about the configured key and caches the answer.
// Network and server errors mark the status offline and keep the previous
// verdict so Active can apply the grace period.
func (c *Client) Check(ctx context.Context) (Status, error) {
	c.mu.RLock()
	key := c.cfg.Key
	base := c.cfg.ServerURL
	c.mu.RUnlock()

	if key == "" {
		c.mu.Lock()
		c.status = Status{Status: "not_found", LastChecked: time.Now()}
		st := c.status
		c.mu.Unlock()
		return st, nil
	}

	u := base + "/api/check_license?" + url.Values{"license_key": {key}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return c.Status(), fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.markOffline("Unable to reach license server")
		return c.Status(), fmt.Errorf("check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.markOffline(fmt.Sprintf("License server returned %d", resp.StatusCode))
		return c.Status(), fmt.Errorf("check: status %d", resp.StatusCode)
	}

	var cr Response
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return c.Status(), fmt.Errorf("decode response: %w", err)
	}

	st := Status{
		Valid:       cr.Valid,
		Status:      cr.Status,
		LastChecked: time.Now(),
	}
	if cr.UserID != nil {
		st.TelegramID = *cr.UserID
	}
	if cr.DaysLeft != nil {
		st.DaysLeft = *cr.DaysLeft
	}
	if !cr.Valid {
		st.Warning = "License " + cr.Status
	}

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	return st, nil
}

func (c *Client) markOffline(warning string) {
	c.mu.Lock()
	c.status.Offline = true
	c.status.Warning = warning
	c.mu.Unlock()
}

// Active reports whether the node may keep rendering. A valid verdict
// holds for GracePeriod after the last successful check, including while
// the server is unreachable.
func (c *Client) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.status.Valid || c.status.LastChecked.IsZero() {
		return false
	}
	return time.Since(c.status.LastChecked) < c.cfg.GracePeriod
}

// Status returns the current cached status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetKey replaces the license key and checks it immediately.
func (c *Client) SetKey(ctx context.Context, key string) (Status, error) {
	c.mu.Lock()
	c.cfg.Key = key
	c.status = Status{}
	c.mu.Unlock()
	return c.Check(ctx)
}

// Start checks once, then keeps checking every CheckInterval until ctx is
// done or Stop is called. onChange, when set, sees each fresh status.
func (c *Client) Start(ctx context.Context, onChange func(Status, error)) {
	report := func() {
		st, err := c.Check(ctx)
		if onChange != nil {
			onChange(st, err)
		}
	}
	report()

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				report()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background check goroutine.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}
