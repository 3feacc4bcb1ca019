// Command licensectl administers licenses directly against the database,
// with the same operations the admin API exposes.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/auth"
	"github.com/dukerupert/renderlicense/internal/backup"
	"github.com/dukerupert/renderlicense/internal/config"
	"github.com/dukerupert/renderlicense/internal/database"
	"github.com/dukerupert/renderlicense/internal/keys"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/logging"
	"github.com/dukerupert/renderlicense/internal/referral"
	"github.com/dukerupert/renderlicense/internal/store"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the core services a command runs against.
type app struct {
	db       *sql.DB
	store    *store.Store
	ledger   *ledger.Ledger
	accounts *account.Registry
	referral *referral.Service
	backups  *backup.Manager
	retry    ledger.RetryPolicy
	logger   *slog.Logger
	out      io.Writer
}

func (a *app) Close() error {
	return a.db.Close()
}

type rootOptions struct {
	dbPath    string
	logLevel  string
	bonusDays int
	backup    backup.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	defaults := defaultRootOptions()
	opts := &rootOptions{backup: defaults.backup}
	root := &cobra.Command{
		Use:          "licensectl",
		Short:        "Administer render licenses",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaults.dbPath, "path to the license database")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaults.logLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&opts.bonusDays, "bonus-days", defaults.bonusDays, "referral bonus days per invitee")

	open := func(cmd *cobra.Command) (*app, context.Context, error) {
		return openApp(cmd.Context(), opts, cmd.OutOrStdout())
	}

	root.AddCommand(
		newGrantCmd(open),
		newExtendCmd(open),
		newReduceCmd(open),
		newCancelCmd(open),
		newReissueCmd(open),
		newDeleteCmd(open),
		newDeleteUserCmd(open),
		newShowCmd(open),
		newListCmd(open),
		newClaimCmd(open),
		newBackupCmd(open),
		newCheckCmd(),
		newHashTokenCmd(),
	)
	return root
}

// defaultRootOptions reads the same environment as the server so both
// point at one database by default.
func defaultRootOptions() rootOptions {
	d := rootOptions{dbPath: "licenses.db", logLevel: "warn", bonusDays: referral.DefaultBonusDays}
	cfg, err := config.Load()
	if err != nil {
		return d
	}
	d.dbPath = cfg.DBPath
	d.bonusDays = cfg.ReferralBonusDays
	d.backup = backup.Config{
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
	return d
}

type opener func(cmd *cobra.Command) (*app, context.Context, error)

func openApp(ctx context.Context, opts *rootOptions, out io.Writer) (*app, context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(os.Stderr, opts.logLevel, "text")

	db, err := database.Open(opts.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", opts.dbPath, err)
	}
	s := store.New(db, logger)
	gen := keys.NewGenerator()
	l := ledger.New(s, gen, ledger.WithLogger(logger))

	ctx = auth.WithActor(ctx, auth.Actor{Source: auth.SourceCLI})
	return &app{
		db:       db,
		store:    s,
		ledger:   l,
		accounts: account.NewRegistry(s, gen, logger),
		referral: referral.NewService(l, opts.bonusDays, logger),
		backups:  backup.NewManager(opts.backup, db, s, backup.WithLogger(logger)),
		retry:    ledger.DefaultRetryPolicy,
		logger:   logger,
		out:      out,
	}, ctx, nil
}

func (a *app) audit(ctx context.Context, op string, attrs ...any) {
	a.logger.Info("cli action", append([]any{"op", op, "actor", auth.Source(ctx)}, attrs...)...)
}
