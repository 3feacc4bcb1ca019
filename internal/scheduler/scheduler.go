// Package scheduler runs the periodic jobs that sit outside the license
// core: expiry reminders, database backups, rate limiter cleanup and
// license gauges.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/notify"
)

// LicenseSource is the read side the jobs need from the store.
type LicenseSource interface {
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]model.LicenseRow, error)
	CountLicenses(ctx context.Context) (total, flaggedActive int, err error)
}

// Cleaner drops stale state, e.g. expired rate limiter windows.
type Cleaner interface {
	Cleanup()
}

// Backuper takes a database backup and prunes old ones.
type Backuper interface {
	Configured() bool
	RunNow(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context) (int, error)
}

type Config struct {
	// ReminderDays is how many days before expiry an owner is reminded.
	// Zero disables reminders.
	ReminderDays int
	// ReminderHour is the UTC hour the daily reminder job runs at.
	ReminderHour uint
	// BackupHour is the UTC hour the daily backup runs at.
	BackupHour      uint
	CleanupInterval time.Duration
	GaugeInterval   time.Duration
}

type Scheduler struct {
	mu       sync.Mutex
	licenses LicenseSource
	notifier notify.Notifier
	cleaners []Cleaner
	backup   Backuper
	clock    ledger.Clock
	cfg      Config
	logger   *slog.Logger
	sched    gocron.Scheduler
}

type Option func(*Scheduler)

func WithClock(c ledger.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithCleaner registers a Cleaner run on the cleanup interval.
func WithCleaner(c Cleaner) Option {
	return func(s *Scheduler) { s.cleaners = append(s.cleaners, c) }
}

// WithBackup schedules a daily backup when b is configured.
func WithBackup(b Backuper) Option {
	return func(s *Scheduler) { s.backup = b }
}

func New(licenses LicenseSource, n notify.Notifier, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.ReminderHour > 23 {
		cfg.ReminderHour = 9
	}
	if cfg.BackupHour > 23 {
		cfg.BackupHour = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.GaugeInterval <= 0 {
		cfg.GaugeInterval = time.Minute
	}
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		licenses: licenses,
		notifier: n,
		clock:    ledger.SystemClock,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the jobs and starts the scheduler. Jobs run until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	type job struct {
		name string
		def  gocron.JobDefinition
		task func()
	}
	jobs := []job{
		{
			name: "cleanup",
			def:  gocron.DurationJob(s.cfg.CleanupInterval),
			task: s.Cleanup,
		},
		{
			name: "license-gauges",
			def:  gocron.DurationJob(s.cfg.GaugeInterval),
			task: func() {
				if err := s.RefreshGauges(ctx); err != nil {
					s.logger.Warn("refresh license gauges", "error", err)
				}
			},
		},
	}
	if s.cfg.ReminderDays > 0 {
		jobs = append(jobs, job{
			name: "expiry-reminders",
			def:  gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(s.cfg.ReminderHour, 0, 0))),
			task: func() {
				if _, err := s.SendReminders(ctx); err != nil {
					s.logger.Error("expiry reminders", "error", err)
				}
			},
		})
	}
	if s.backup != nil && s.backup.Configured() {
		jobs = append(jobs, job{
			name: "database-backup",
			def:  gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(s.cfg.BackupHour, 0, 0))),
			task: func() { s.RunBackup(ctx) },
		})
	}
	for _, j := range jobs {
		_, err := sched.NewJob(j.def, gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			sched.Shutdown()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()

	sched.Start()
	s.logger.Info("scheduler started", "reminder_days", s.cfg.ReminderDays, "reminder_hour", s.cfg.ReminderHour)
	return nil
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()

	if sched == nil {
		return
	}
	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", "error", err)
	}
}

// SendReminders notifies owners whose active license expires between
// ReminderDays-1 and ReminderDays days from now. The job runs once a day,
// so each license falls in the window exactly once. It returns the number
// of reminders sent.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	if s.cfg.ReminderDays <= 0 {
		return 0, nil
	}
	now := s.clock.Now()
	from := now.Add(ledger.Days(s.cfg.ReminderDays - 1))
	to := now.Add(ledger.Days(s.cfg.ReminderDays))

	rows, err := s.licenses.ExpiringBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		lic := row.License
		if ledger.StatusOf(&lic, now) != model.StatusActive || row.TelegramID == 0 {
			continue
		}
		if err := s.notifier.Notify(ctx, row.TelegramID, reminderMessage(&lic, now)); err != nil {
			s.logger.Warn("send expiry reminder", "telegram_id", row.TelegramID, "error", err)
			continue
		}
		sent++
	}
	metrics.RemindersSentTotal.Add(float64(sent))
	if sent > 0 {
		s.logger.Info("expiry reminders sent", "count", sent)
	}
	return sent, nil
}

func reminderMessage(lic *model.License, now time.Time) string {
	days := ledger.DaysLeft(lic, now)
	when := "in 1 day"
	switch {
	case days == 0:
		when = "today"
	case days > 1:
		when = fmt.Sprintf("in %d days", days)
	}
	return fmt.Sprintf("Your license expires %s (%s UTC). Renew to keep it active.",
		when, lic.NextChargeAt.UTC().Format("2006-01-02 15:04"))
}

// RunBackup uploads a fresh backup, then prunes expired ones. A failed
// upload skips pruning.
func (s *Scheduler) RunBackup(ctx context.Context) {
	if s.backup == nil {
		return
	}
	if _, err := s.backup.RunNow(ctx); err != nil {
		s.logger.Error("database backup", "error", err)
		return
	}
	if _, err := s.backup.Cleanup(ctx); err != nil {
		s.logger.Warn("prune backups", "error", err)
	}
}

func (s *Scheduler) Cleanup() {
	for _, c := range s.cleaners {
		c.Cleanup()
	}
}

// RefreshGauges publishes the stored license counts.
func (s *Scheduler) RefreshGauges(ctx context.Context) error {
	total, active, err := s.licenses.CountLicenses(ctx)
	if err != nil {
		return err
	}
	metrics.LicensesTotal.WithLabelValues("active").Set(float64(active))
	metrics.LicensesTotal.WithLabelValues("inactive").Set(float64(total - active))
	return nil
}
