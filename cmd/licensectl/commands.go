package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/licensecheck"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/store"
)

const defaultDays = 30

func parseTelegramID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid telegram id %q", s)
	}
	return id, nil
}

func newGrantCmd(open opener) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "grant TELEGRAM_ID",
		Short: "Grant or renew the license of a telegram user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := parseTelegramID(args[0])
			if err != nil {
				return err
			}
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				acct *model.Account
				lic  *model.License
			)
			err = a.retry.Do(ctx, func(ctx context.Context) error {
				if acct, err = a.accounts.GetOrCreate(ctx, telegramID); err != nil {
					return err
				}
				lic, err = a.ledger.GrantOrRenew(ctx, acct.ID, ledger.Days(days))
				return err
			})
			if err != nil {
				return fmt.Errorf("grant license: %w", err)
			}
			a.audit(ctx, "grant", "telegram_id", telegramID, "days", days)
			printLicense(a.out, lic, telegramID, a.ledger.Now())
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", defaultDays, "period to grant")
	return cmd
}

// newKeyCmd builds a command that mutates the license identified by KEY.
func newKeyCmd(open opener, use, short, op string, withDays bool, fn func(a *app, ctx context.Context, key string, days int) (*model.License, error)) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   use + " KEY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			key := strings.TrimSpace(args[0])
			var lic *model.License
			err = a.retry.Do(ctx, func(ctx context.Context) error {
				lic, err = fn(a, ctx, key, days)
				return err
			})
			if err != nil {
				return fmt.Errorf("%s license: %w", op, err)
			}
			attrs := []any{"account_id", lic.AccountID}
			if withDays {
				attrs = append(attrs, "days", days)
			}
			a.audit(ctx, op, attrs...)

			snap, err := a.ledger.Snapshot(ctx, lic.AccountID)
			if err != nil {
				return err
			}
			printLicense(a.out, lic, snap.TelegramID, a.ledger.Now())
			return nil
		},
	}
	if withDays {
		cmd.Flags().IntVar(&days, "days", defaultDays, "number of days")
	}
	return cmd
}

func newExtendCmd(open opener) *cobra.Command {
	return newKeyCmd(open, "extend", "Add days to a license", "extend", true,
		func(a *app, ctx context.Context, key string, days int) (*model.License, error) {
			return a.ledger.Extend(ctx, key, days)
		})
}

func newReduceCmd(open opener) *cobra.Command {
	return newKeyCmd(open, "reduce", "Remove days from a license, never past now", "reduce", true,
		func(a *app, ctx context.Context, key string, days int) (*model.License, error) {
			return a.ledger.Reduce(ctx, key, days)
		})
}

func newCancelCmd(open opener) *cobra.Command {
	return newKeyCmd(open, "cancel", "Deactivate a license", "cancel", false,
		func(a *app, ctx context.Context, key string, _ int) (*model.License, error) {
			return a.ledger.Cancel(ctx, key)
		})
}

func newReissueCmd(open opener) *cobra.Command {
	return newKeyCmd(open, "reissue", "Replace a license key; the old key stops validating", "reissue", false,
		func(a *app, ctx context.Context, key string, _ int) (*model.License, error) {
			return a.ledger.IssueKey(ctx, key)
		})
}

func newDeleteCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			key := strings.TrimSpace(args[0])
			if err := a.retry.Do(ctx, func(ctx context.Context) error { return a.ledger.Delete(ctx, key) }); err != nil {
				return fmt.Errorf("delete license: %w", err)
			}
			a.audit(ctx, "delete_license", "key", key)
			fmt.Fprintf(a.out, "deleted license %s\n", key)
			return nil
		},
	}
}

func newDeleteUserCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user TELEGRAM_ID",
		Short: "Delete an account and its license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := parseTelegramID(args[0])
			if err != nil {
				return err
			}
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.retry.Do(ctx, func(ctx context.Context) error { return a.accounts.Delete(ctx, telegramID) }); err != nil {
				return fmt.Errorf("delete account: %w", err)
			}
			a.audit(ctx, "delete_user", "telegram_id", telegramID)
			fmt.Fprintf(a.out, "deleted account %d\n", telegramID)
			return nil
		},
	}
}

func newShowCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "show TELEGRAM_ID",
		Short: "Show the license snapshot of a telegram user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := parseTelegramID(args[0])
			if err != nil {
				return err
			}
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.ledger.SnapshotByTelegramID(ctx, telegramID)
			if err != nil {
				return err
			}
			printSnapshot(a.out, snap)
			return nil
		},
	}
}

func newListCmd(open opener) *cobra.Command {
	var query, sort, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.LicenseFilter{Query: query, Sort: store.LicenseSort(sort)}
			switch filter.Sort {
			case "", store.SortNextChargeAsc, store.SortNextChargeDesc:
			default:
				return fmt.Errorf("--sort must be asc or desc")
			}
			want := model.Status(status)
			switch want {
			case "", model.StatusActive, model.StatusInactive, model.StatusExpired:
			default:
				return fmt.Errorf("--status must be active, inactive or expired")
			}

			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.store.ListLicenses(ctx, filter)
			if err != nil {
				return err
			}
			now := a.ledger.Now()
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TELEGRAM_ID\tKEY\tSTATUS\tNEXT_CHARGE\tDAYS_LEFT")
			for i := range rows {
				lic := &rows[i].License
				st := ledger.StatusOf(lic, now)
				if want == model.StatusInactive && st.Public() != model.StatusInactive ||
					want != "" && want != model.StatusInactive && st != want {
					continue
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", rows[i].TelegramID, lic.Key, st, formatTime(lic.NextChargeAt), ledger.DaysLeft(lic, now))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "key substring or telegram id")
	cmd.Flags().StringVar(&sort, "sort", "", "order by next charge date: asc or desc")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: active, inactive or expired")
	return cmd
}

func newClaimCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "claim TELEGRAM_ID",
		Short: "Credit a referrer with every claimable referral bonus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := parseTelegramID(args[0])
			if err != nil {
				return err
			}
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			days, err := a.referral.ClaimByTelegramID(ctx, telegramID)
			if err != nil {
				return fmt.Errorf("claim referrals: %w", err)
			}
			a.audit(ctx, "claim", "telegram_id", telegramID, "days", days)
			fmt.Fprintf(a.out, "credited %d days\n", days)
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var (
		server   string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check KEY",
		Short: "Check a key against a running license server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := licensecheck.NewClient(licensecheck.Config{
				Key:           strings.TrimSpace(args[0]),
				ServerURL:     server,
				CheckInterval: interval,
			})
			out := cmd.OutOrStdout()
			if !watch {
				st, err := c.Check(cmd.Context())
				if err != nil {
					return err
				}
				printCheck(out, st)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c.Start(ctx, func(st licensecheck.Status, err error) {
				if err != nil {
					fmt.Fprintf(out, "check failed: %v\n", err)
				}
				printCheck(out, st)
			})
			<-ctx.Done()
			c.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8090", "license server base URL")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep checking until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "check interval with --watch")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [TOKEN]",
		Short: "Print the bcrypt hash for LICENSED_ADMIN_TOKEN_HASH",
		Long:  "Hashes TOKEN, or the first line of stdin when TOKEN is omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return fmt.Errorf("token is required")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func printLicense(w io.Writer, lic *model.License, telegramID int64, now time.Time) {
	fmt.Fprintf(w, "telegram_id: %d\n", telegramID)
	fmt.Fprintf(w, "key:         %s\n", lic.Key)
	fmt.Fprintf(w, "status:      %s\n", ledger.StatusOf(lic, now))
	fmt.Fprintf(w, "next_charge: %s\n", formatTime(lic.NextChargeAt))
	fmt.Fprintf(w, "days_left:   %d\n", ledger.DaysLeft(lic, now))
}

func printSnapshot(w io.Writer, snap model.Snapshot) {
	fmt.Fprintf(w, "telegram_id: %d\n", snap.TelegramID)
	fmt.Fprintf(w, "status:      %s\n", snap.Status)
	if !snap.Exists {
		return
	}
	fmt.Fprintf(w, "key:         %s\n", snap.Key)
	fmt.Fprintf(w, "next_charge: %s\n", formatTime(snap.NextChargeAt))
	fmt.Fprintf(w, "days_left:   %d\n", snap.DaysLeft)
}

func printCheck(w io.Writer, st licensecheck.Status) {
	line := fmt.Sprintf("status=%s valid=%t", st.Status, st.Valid)
	if st.Valid {
		line += fmt.Sprintf(" telegram_id=%d days_left=%d", st.TelegramID, st.DaysLeft)
	}
	if st.Offline {
		line += " offline"
	}
	if st.Warning != "" {
		line += " warning=" + strconv.Quote(st.Warning)
	}
	fmt.Fprintln(w, line)
}
