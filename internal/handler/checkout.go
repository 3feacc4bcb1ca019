package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
)

// PaymentCreator starts a provider payment for one license period.
type PaymentCreator interface {
	Configured() bool
	CreatePayment(ctx context.Context, telegramID int64, customer yookassa.Customer) (string, string, error)
}

type CheckoutHandler struct {
	payments PaymentCreator
	logger   *slog.Logger
}

func NewCheckoutHandler(p PaymentCreator, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{payments: p, logger: logger}
}

type createPaymentRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
}

// CreatePayment answers POST /api/create_payment with the URL the user
// must visit to pay.
func (h *CheckoutHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil || !h.payments.Configured() {
		writeError(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}
	var req createPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TelegramID <= 0 {
		writeError(w, http.StatusBadRequest, "telegram_id is required")
		return
	}

	id, confirmationURL, err := h.payments.CreatePayment(r.Context(), req.TelegramID, yookassa.Customer{
		Email: strings.TrimSpace(req.Email),
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		h.logger.Error("create payment", "telegram_id", req.TelegramID, "error", err)
		writeError(w, http.StatusBadGateway, "payment provider error")
		return
	}
	h.logger.Info("payment created", "telegram_id", req.TelegramID, "payment_id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"payment_id":       id,
		"confirmation_url": confirmationURL,
	})
}
