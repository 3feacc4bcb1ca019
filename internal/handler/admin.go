package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/auth"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/store"
	"github.com/dukerupert/renderlicense/internal/websocket"
)

const defaultAdminDays = 30

// AdminHandler is the JSON admin surface. Every route sits behind the
// admin token middleware.
type AdminHandler struct {
	ledger   *ledger.Ledger
	accounts *account.Registry
	store    *store.Store
	hub      *websocket.Hub
	retry    ledger.RetryPolicy
	logger   *slog.Logger
}

func NewAdminHandler(l *ledger.Ledger, accounts *account.Registry, s *store.Store, hub *websocket.Hub, retry ledger.RetryPolicy, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{ledger: l, accounts: accounts, store: s, hub: hub, retry: retry, logger: logger}
}

type licenseView struct {
	model.License
	TelegramID int64        `json:"telegram_id,omitempty"`
	Status     model.Status `json:"status"`
	DaysLeft   int          `json:"days_left"`
}

func (h *AdminHandler) view(lic *model.License, telegramID int64) licenseView {
	now := h.ledger.Now()
	return licenseView{
		License:    *lic,
		TelegramID: telegramID,
		Status:     ledger.StatusOf(lic, now),
		DaysLeft:   ledger.DaysLeft(lic, now),
	}
}

// ListLicenses serves the dashboard listing. q matches a key substring or a
// telegram id, status filters on the derived status and sort orders by
// next charge date.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LicenseFilter{Query: q.Get("q")}
	switch s := store.LicenseSort(strings.ToLower(q.Get("sort"))); s {
	case store.SortNextChargeAsc, store.SortNextChargeDesc, "":
		filter.Sort = s
	default:
		writeError(w, http.StatusBadRequest, "sort must be asc or desc")
		return
	}

	want := model.Status(strings.ToLower(q.Get("status")))
	switch want {
	case "", model.StatusActive, model.StatusInactive, model.StatusExpired:
	default:
		writeError(w, http.StatusBadRequest, "status must be active, inactive or expired")
		return
	}

	rows, err := h.store.ListLicenses(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, h.logger, "list licenses", err)
		return
	}

	out := []licenseView{}
	for i := range rows {
		v := h.view(&rows[i].License, rows[i].TelegramID)
		if !matchesStatus(v.Status, want) {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func matchesStatus(got, want model.Status) bool {
	switch want {
	case "":
		return true
	case model.StatusInactive:
		return got.Public() == model.StatusInactive
	default:
		return got == want
	}
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListAccounts(r.Context())
	if err != nil {
		writeLedgerError(w, h.logger, "list accounts", err)
		return
	}
	if rows == nil {
		rows = []model.AccountRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *AdminHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	telegramID, err := parseTelegramID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid telegram_id")
		return
	}
	payments, err := h.store.ListPayments(r.Context(), telegramID)
	if err != nil {
		writeLedgerError(w, h.logger, "list payments", err)
		return
	}
	if payments == nil {
		payments = []model.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

type grantRequest struct {
	TelegramID int64 `json:"telegram_id"`
	Days       int   `json:"days"`
}

// Grant creates or renews the license of a telegram id, creating the
// account if needed.
func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TelegramID <= 0 {
		writeError(w, http.StatusBadRequest, "telegram_id is required")
		return
	}
	if req.Days == 0 {
		req.Days = defaultAdminDays
	}

	var (
		acct *model.Account
		lic  *model.License
	)
	err := h.retry.Do(r.Context(), func(ctx context.Context) error {
		var err error
		if acct, err = h.accounts.GetOrCreate(ctx, req.TelegramID); err != nil {
			return err
		}
		lic, err = h.ledger.GrantOrRenew(ctx, acct.ID, ledger.Days(req.Days))
		return err
	})
	if err != nil {
		writeLedgerError(w, h.logger, "grant license", err)
		return
	}
	h.audit(r, "grant", "telegram_id", req.TelegramID, "days", req.Days)
	writeJSON(w, http.StatusOK, h.view(lic, acct.TelegramID))
}

type daysRequest struct {
	Days int `json:"days"`
}

// decodeDays reads an optional {"days": n} body, defaulting to 30.
func decodeDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req daysRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := jsonDecode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return 0, false
	}
	if req.Days == 0 {
		req.Days = defaultAdminDays
	}
	return req.Days, true
}

func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	days, ok := decodeDays(w, r)
	if !ok {
		return
	}
	h.mutate(w, r, "extend", func(ctx context.Context, key string) (*model.License, error) {
		return h.ledger.Extend(ctx, key, days)
	}, "days", days)
}

func (h *AdminHandler) Reduce(w http.ResponseWriter, r *http.Request) {
	days, ok := decodeDays(w, r)
	if !ok {
		return
	}
	h.mutate(w, r, "reduce", func(ctx context.Context, key string) (*model.License, error) {
		return h.ledger.Reduce(ctx, key, days)
	}, "days", days)
}

func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "cancel", h.ledger.Cancel)
}

func (h *AdminHandler) Reissue(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "reissue", h.ledger.IssueKey)
}

func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	err := h.retry.Do(r.Context(), func(ctx context.Context) error {
		return h.ledger.Delete(ctx, key)
	})
	if err != nil {
		writeLedgerError(w, h.logger, "delete license", err)
		return
	}
	h.audit(r, "delete_license", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUser removes an account and its license.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	telegramID, err := parseTelegramID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid telegram_id")
		return
	}
	err = h.retry.Do(r.Context(), func(ctx context.Context) error {
		return h.accounts.Delete(ctx, telegramID)
	})
	if err != nil {
		writeLedgerError(w, h.logger, "delete account", err)
		return
	}
	h.audit(r, "delete_user", "telegram_id", telegramID)
	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("account", "deleted", 0, map[string]any{"telegram_id": telegramID}))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, key string) (*model.License, error), attrs ...any) {
	key := r.PathValue("key")
	var lic *model.License
	err := h.retry.Do(r.Context(), func(ctx context.Context) error {
		var err error
		lic, err = fn(ctx, key)
		return err
	})
	if err != nil {
		writeLedgerError(w, h.logger, op+" license", err)
		return
	}
	h.audit(r, op, append([]any{"account_id", lic.AccountID}, attrs...)...)

	snap, err := h.ledger.Snapshot(r.Context(), lic.AccountID)
	if err != nil {
		writeLedgerError(w, h.logger, "license snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(lic, snap.TelegramID))
}

func (h *AdminHandler) audit(r *http.Request, op string, attrs ...any) {
	a, _ := auth.FromContext(r.Context())
	h.logger.Info("admin action", append([]any{"op", op, "actor", auth.Source(r.Context()), "remote", a.RemoteIP}, attrs...)...)
}

// jsonDecode treats an empty body as an empty object.
func jsonDecode(r io.Reader, v any) error {
	err := json.NewDecoder(r).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
