package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/payment"
	"github.com/dukerupert/renderlicense/internal/payment/stripe"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
)

// Reconciler applies normalized payment events.
type Reconciler interface {
	HandleEvent(ctx context.Context, ev payment.Event) (payment.Result, error)
}

// PaymentConfirmer double-checks an unsigned notification with the provider.
type PaymentConfirmer interface {
	Configured() bool
	Confirm(ctx context.Context, notified yookassa.Payment) error
}

type WebhookHandler struct {
	reconciler Reconciler
	yookassa   PaymentConfirmer
	stripe     *stripe.Verifier
	logger     *slog.Logger
}

func NewWebhookHandler(rec Reconciler, yk PaymentConfirmer, sv *stripe.Verifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rec, yookassa: yk, stripe: sv, logger: logger}
}

// statusWriter remembers the status for the webhook metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func observe(provider string, w http.ResponseWriter, fn func(w http.ResponseWriter)) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	fn(sw)
	metrics.WebhookDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	metrics.WebhookRequestsTotal.WithLabelValues(provider, strconv.Itoa(sw.status)).Inc()
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return nil, false
	}
	return body, true
}

// YooKassa handles POST /api/yookassa_webhook. Non-success events are
// acknowledged with 200 so the provider stops retrying them.
func (h *WebhookHandler) YooKassa(w http.ResponseWriter, r *http.Request) {
	observe(payment.ProviderYooKassa, w, func(w http.ResponseWriter) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		n, ev, err := yookassa.Parse(body)
		if err != nil {
			h.logger.Warn("yookassa webhook parse", "error", err)
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		h.logger.Info("yookassa webhook", "event", n.Event, "payment_id", n.Object.ID)

		if ev.Succeeded && h.yookassa != nil && h.yookassa.Configured() {
			if err := h.yookassa.Confirm(r.Context(), n.Object); err != nil {
				if errors.Is(err, yookassa.ErrInvalidPayload) {
					h.logger.Warn("yookassa payment not confirmed", "payment_id", n.Object.ID, "error", err)
					writeError(w, http.StatusBadRequest, "payment not confirmed")
					return
				}
				h.logger.Error("yookassa confirm", "payment_id", n.Object.ID, "error", err)
				writeError(w, http.StatusBadGateway, "could not confirm payment")
				return
			}
		}

		h.reconcile(w, r.Context(), ev)
	})
}

// Stripe handles POST /api/stripe_webhook.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	observe(payment.ProviderStripe, w, func(w http.ResponseWriter) {
		if h.stripe == nil || !h.stripe.Configured() {
			writeError(w, http.StatusNotFound, "stripe not configured")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		ev, err := h.stripe.Parse(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			h.logger.Warn("stripe webhook rejected", "error", err)
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		h.reconcile(w, r.Context(), ev)
	})
}

func (h *WebhookHandler) reconcile(w http.ResponseWriter, ctx context.Context, ev payment.Event) {
	res, err := h.reconciler.HandleEvent(ctx, ev)
	if err != nil {
		writeLedgerError(w, h.logger, "reconcile payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": res.Status()})
}
