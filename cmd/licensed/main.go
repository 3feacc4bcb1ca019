package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/backup"
	"github.com/dukerupert/renderlicense/internal/config"
	"github.com/dukerupert/renderlicense/internal/database"
	"github.com/dukerupert/renderlicense/internal/email"
	"github.com/dukerupert/renderlicense/internal/keys"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/logging"
	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/notify"
	"github.com/dukerupert/renderlicense/internal/payment"
	"github.com/dukerupert/renderlicense/internal/payment/stripe"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
	"github.com/dukerupert/renderlicense/internal/referral"
	"github.com/dukerupert/renderlicense/internal/scheduler"
	"github.com/dukerupert/renderlicense/internal/server"
	"github.com/dukerupert/renderlicense/internal/store"
	"github.com/dukerupert/renderlicense/internal/telegram"
	"github.com/dukerupert/renderlicense/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("licensed exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenContext(ctx, cfg.DBPath, logger.With("component", "database"))
	if err != nil {
		return err
	}
	defer db.Close()

	hub := websocket.NewHub(logger.With("component", "websocket"))
	publisher := ledger.PublisherFunc(func(e model.LicenseEvent) {
		metrics.RecordTransition(e.Action)
		hub.Publish(e)
	})

	s := store.New(db, logger.With("component", "store"))
	gen := keys.NewGenerator()
	l := ledger.New(s, gen,
		ledger.WithPublisher(publisher),
		ledger.WithLogger(logger.With("component", "ledger")),
	)
	accounts := account.NewRegistry(s, gen, logger.With("component", "account"))
	ref := referral.NewService(l, cfg.ReferralBonusDays, logger.With("component", "referral"))

	// Notifications go through the bot when it has a token, even if
	// polling is disabled on this instance.
	var notifier notify.Notifier = notify.Nop{}
	operators := notify.Operators{}
	var botAPI telegram.API
	var botUsername string
	if cfg.BotToken != "" {
		api, err := telegram.NewBotAPI(cfg.BotToken)
		if err != nil {
			return err
		}
		botAPI, botUsername = api, api.Self.UserName
		tg := notify.NewTelegram(api, cfg.OperatorChatID)
		notifier = tg
		operators = append(operators, tg)
	}
	mail := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.OperatorEmail)
	if mail.Configured() {
		operators = append(operators, mail)
	}

	yk := yookassa.NewClient(yookassa.Config{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		Price:     cfg.YooKassaPrice,
		Currency:  cfg.YooKassaCurrency,
		ReturnURL: cfg.YooKassaReturnURL,
	})

	reconciler := payment.NewReconciler(l, accounts,
		payment.WithPeriod(ledger.Days(cfg.PeriodDays)),
		payment.WithNotifier(notifier),
		payment.WithOperator(operators),
		payment.WithLogger(logger.With("component", "payment")),
	)

	srv := server.New(server.Deps{
		Store:      s,
		Ledger:     l,
		Accounts:   accounts,
		Reconciler: reconciler,
		Referral:   ref,
		Notifier:   notify.NewBestEffort(notifier, operators, logger.With("component", "notify")),
		YooKassa:   yk,
		Stripe:     stripe.NewVerifier(cfg.StripeWebhookSecret),
		Hub:        hub,
	}, server.Config{
		AdminTokenHash: cfg.AdminTokenHash,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	backups := backup.NewManager(backupConfig(cfg), db, s,
		backup.WithLogger(logger),
		backup.WithCallback(func(st backup.Status) {
			hub.Broadcast(websocket.NewMessage("backup", string(st.State), 0, map[string]any{"status": st}))
		}),
	)
	if !backups.Configured() {
		logger.Info("database backups disabled")
	}

	sched := scheduler.New(s, notifier, scheduler.Config{
		ReminderDays: cfg.ReminderDays,
		ReminderHour: 9,
		BackupHour:   uint(cfg.BackupHour),
	}, logger.With("component", "scheduler"),
		scheduler.WithCleaner(srv.RateLimiter()),
		scheduler.WithBackup(backups),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("licensed starting", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	if cfg.BotEnabled && botAPI != nil {
		bot := telegram.NewBot(botAPI, accounts, l, ref, logger.With("component", "bot"),
			telegram.WithUsername(botUsername),
			telegram.WithPayments(yk),
		)
		g.Go(func() error { return bot.Run(ctx) })
	}

	return g.Wait()
}

func backupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.BackupS3Endpoint,
			Bucket:    cfg.BackupS3Bucket,
			Region:    cfg.BackupS3Region,
			AccessKey: cfg.BackupS3AccessKey,
			SecretKey: cfg.BackupS3SecretKey,
		},
		Passphrase:    cfg.BackupPassphrase,
		Prefix:        cfg.BackupPrefix,
		RetentionDays: cfg.BackupRetentionDays,
	}
}
