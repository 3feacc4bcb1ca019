package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/notify"
)

// LicenseHandler serves the public endpoints used by render nodes.
type LicenseHandler struct {
	ledger   *ledger.Ledger
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewLicenseHandler(l *ledger.Ledger, n notify.Notifier, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{ledger: l, notifier: n, logger: logger}
}

type checkResponse struct {
	Status   model.Status `json:"status"`
	Valid    bool         `json:"valid"`
	UserID   *int64       `json:"user_id,omitempty"`
	DaysLeft *int         `json:"days_left,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Check answers GET /api/check_license?license_key=. The status is always
// one of active, inactive or not_found, and errors carry no detail.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, strings.TrimSpace(r.URL.Query().Get("license_key")))
}

type validateRequest struct {
	Key        string `json:"key"`
	LicenseKey string `json:"license_key"`
}

// Validate is the JSON body form of Check.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := req.LicenseKey
	if key == "" {
		key = req.Key
	}
	h.check(w, r, strings.TrimSpace(key))
}

func (h *LicenseHandler) check(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		metrics.LicenseChecksTotal.WithLabelValues(string(model.StatusNotFound)).Inc()
		writeJSON(w, http.StatusOK, checkResponse{Status: model.StatusNotFound})
		return
	}

	snap, err := h.ledger.SnapshotByKey(r.Context(), key)
	if err != nil {
		// Clients still get a status they can act on.
		h.logger.Error("check license", "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, checkResponse{
			Status: model.StatusInactive,
			Error:  "temporarily unavailable",
		})
		return
	}

	resp := checkResponse{Status: snap.Status.Public(), Valid: snap.Active}
	if snap.Active {
		resp.UserID = &snap.TelegramID
		resp.DaysLeft = &snap.DaysLeft
	}
	metrics.LicenseChecksTotal.WithLabelValues(string(resp.Status)).Inc()
	writeJSON(w, http.StatusOK, resp)
}

type renderNotifyRequest struct {
	LicenseKey  string `json:"license_key"`
	MachineName string `json:"machine_name"`
	Log         string `json:"log"`
}

// renderMessage is what the owner sees in Telegram. Times are UTC.
func renderMessage(machine, log string, at time.Time) string {
	if machine = strings.TrimSpace(machine); machine == "" {
		machine = "Render node"
	}
	at = at.UTC()
	return fmt.Sprintf("🖥️ %s finished rendering\n🕒 Time: %s\n📅 Date: %s\n📝 Log: %s",
		machine, at.Format("15:04"), at.Format("02.01.2006"), log)
}

// RenderNotify forwards a render log to the license owner when the license
// is active. The caller always gets ok so that license problems never
// break a render pipeline.
func (h *LicenseHandler) RenderNotify(w http.ResponseWriter, r *http.Request) {
	var req renderNotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ok := map[string]string{"status": "ok"}
	key := strings.TrimSpace(req.LicenseKey)
	if key == "" {
		writeJSON(w, http.StatusOK, ok)
		return
	}

	snap, err := h.ledger.SnapshotByKey(r.Context(), key)
	if err != nil {
		h.logger.Error("render notify lookup", "error", err)
		writeJSON(w, http.StatusOK, ok)
		return
	}
	if !snap.Active || snap.TelegramID == 0 {
		h.logger.Info("render notify skipped", "status", snap.Status)
		writeJSON(w, http.StatusOK, ok)
		return
	}

	if err := h.notifier.Notify(r.Context(), snap.TelegramID, renderMessage(req.MachineName, req.Log, h.ledger.Now())); err != nil {
		h.logger.Warn("render notify send", "telegram_id", snap.TelegramID, "error", err)
	}
	writeJSON(w, http.StatusOK, ok)
}
