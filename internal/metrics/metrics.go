package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentEventsTotal counts reconciled payment events by provider and outcome.
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "payment_events_total",
		Help:      "Payment events by provider and reconciliation outcome.",
	}, []string{"provider", "outcome"})

	// WebhookRequestsTotal counts webhook requests by provider and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "webhook_requests_total",
		Help:      "Webhook requests by provider and HTTP status.",
	}, []string{"provider", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// LicenseTransitionsTotal counts committed license transitions by action.
	LicenseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "license_transitions_total",
		Help:      "Committed license transitions by action.",
	}, []string{"action"})

	// ConcurrencyRetriesTotal counts transactions retried after a lock conflict.
	ConcurrencyRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "concurrency_retries_total",
		Help:      "Transactions retried after a storage lock conflict.",
	})

	// LicenseChecksTotal counts public license checks by returned status.
	LicenseChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "license_checks_total",
		Help:      "Public license checks by returned status.",
	}, []string{"status"})

	// LicensesTotal reports stored licenses, split by the is_active flag.
	LicensesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "licensed",
		Name:      "licenses",
		Help:      "Stored licenses by is_active flag.",
	}, []string{"flag"})

	// ReferralDaysCreditedTotal counts bonus days credited to referrers.
	ReferralDaysCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "referral_days_credited_total",
		Help:      "Referral bonus days credited to referrers.",
	})

	// RemindersSentTotal counts expiry reminders sent by the scheduler.
	RemindersSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "expiry_reminders_sent_total",
		Help:      "Expiry reminders sent to license owners.",
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by route group.",
	}, []string{"group"})

	// BackupsTotal counts database backup runs by outcome.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "backups_total",
		Help:      "Database backup runs by outcome.",
	}, []string{"outcome"})

	AdminFeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "licensed",
		Name:      "admin_feed_clients",
		Help:      "Connected admin websocket clients.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "class"})
)

// RecordTransition is a ledger publisher that counts transitions.
func RecordTransition(action string) {
	LicenseTransitionsTotal.WithLabelValues(action).Inc()
}
