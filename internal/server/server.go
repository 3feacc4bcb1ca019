package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/handler"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/middleware"
	"github.com/dukerupert/renderlicense/internal/notify"
	"github.com/dukerupert/renderlicense/internal/payment"
	"github.com/dukerupert/renderlicense/internal/payment/stripe"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
	"github.com/dukerupert/renderlicense/internal/referral"
	"github.com/dukerupert/renderlicense/internal/store"
	ws "github.com/dukerupert/renderlicense/internal/websocket"
)

// Deps are the core services the HTTP surface drives.
type Deps struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Accounts   *account.Registry
	Reconciler *payment.Reconciler
	Referral   *referral.Service
	Notifier   notify.Notifier
	YooKassa   *yookassa.Client
	Stripe     *stripe.Verifier
	Hub        *ws.Hub
}

type Config struct {
	AdminTokenHash string
	AllowedOrigins []string
	// PublicRateLimit caps requests per client IP per minute on the public API.
	PublicRateLimit int
}

type Server struct {
	store       *store.Store
	hub         *ws.Hub
	licenseH    *handler.LicenseHandler
	webhookH    *handler.WebhookHandler
	accountH    *handler.AccountHandler
	checkoutH   *handler.CheckoutHandler
	adminH      *handler.AdminHandler
	rateLimiter *middleware.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(d Deps, cfg Config, logger *slog.Logger) *Server {
	if cfg.PublicRateLimit <= 0 {
		cfg.PublicRateLimit = 60
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}

	retry := ledger.DefaultRetryPolicy

	var creator handler.PaymentCreator
	var confirmer handler.PaymentConfirmer
	if d.YooKassa != nil {
		creator = d.YooKassa
		confirmer = d.YooKassa
	}

	return &Server{
		store:       d.Store,
		hub:         d.Hub,
		licenseH:    handler.NewLicenseHandler(d.Ledger, d.Notifier, logger.With("component", "license")),
		webhookH:    handler.NewWebhookHandler(d.Reconciler, confirmer, d.Stripe, logger.With("component", "webhook")),
		accountH:    handler.NewAccountHandler(d.Accounts, d.Ledger, d.Referral, logger.With("component", "account")),
		checkoutH:   handler.NewCheckoutHandler(creator, logger.With("component", "checkout")),
		adminH:      handler.NewAdminHandler(d.Ledger, d.Accounts, d.Store, d.Hub, retry, logger.With("component", "admin")),
		rateLimiter: middleware.NewRateLimiter(),
		cfg:         cfg,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Provider webhooks
	mux.HandleFunc("POST /api/yookassa_webhook", s.webhookH.YooKassa)
	mux.HandleFunc("POST /api/stripe_webhook", s.webhookH.Stripe)

	// Public API
	mux.HandleFunc("GET /api/check_license", s.rateLimitedHandler(s.licenseH.Check))
	mux.HandleFunc("POST /api/license/validate", s.rateLimitedHandler(s.licenseH.Validate))
	mux.HandleFunc("POST /api/render_notify", s.rateLimitedHandler(s.licenseH.RenderNotify))
	mux.HandleFunc("POST /api/register", s.rateLimitedHandler(s.accountH.Register))
	mux.HandleFunc("POST /api/create_payment", s.rateLimitedHandler(s.checkoutH.CreatePayment))
	mux.HandleFunc("GET /api/license/{telegram_id}", s.rateLimitedHandler(s.accountH.License))
	mux.HandleFunc("GET /api/referrals/{telegram_id}", s.rateLimitedHandler(s.accountH.Referrals))
	mux.HandleFunc("POST /api/referrals/{telegram_id}/claim", s.rateLimitedHandler(s.accountH.ClaimReferrals))

	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)
	adminMw := middleware.RequireAdminToken(s.cfg.AdminTokenHash)
	mux.Handle("/admin/", adminMw(middleware.RequireAdmin(adminMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/licenses", s.adminH.ListLicenses)
	mux.HandleFunc("POST /admin/licenses", s.adminH.Grant)
	mux.HandleFunc("POST /admin/licenses/{key}/extend", s.adminH.Extend)
	mux.HandleFunc("POST /admin/licenses/{key}/reduce", s.adminH.Reduce)
	mux.HandleFunc("POST /admin/licenses/{key}/cancel", s.adminH.Cancel)
	mux.HandleFunc("POST /admin/licenses/{key}/reissue", s.adminH.Reissue)
	mux.HandleFunc("DELETE /admin/licenses/{key}", s.adminH.DeleteLicense)

	mux.HandleFunc("GET /admin/users", s.adminH.ListUsers)
	mux.HandleFunc("GET /admin/users/{telegram_id}/payments", s.adminH.ListPayments)
	mux.HandleFunc("DELETE /admin/users/{telegram_id}", s.adminH.DeleteUser)

	if s.hub != nil {
		mux.HandleFunc("GET /admin/ws", ws.HandleWebSocket(s.hub, s.cfg.AllowedOrigins, s.logger.With("component", "websocket")))
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	resp := map[string]any{"status": "ok"}
	if v, err := s.store.SchemaVersion(ctx); err == nil {
		resp["schema_version"] = v
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, "public", middleware.ByIP, middleware.Limit{Requests: s.cfg.PublicRateLimit, Window: time.Minute})
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
