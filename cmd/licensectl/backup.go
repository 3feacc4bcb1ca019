package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBackupCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage encrypted database backups",
	}
	cmd.AddCommand(newBackupRunCmd(open), newBackupListCmd(open), newBackupRestoreCmd(open))
	return cmd
}

func newBackupRunCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Upload a backup now and prune expired ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.backups.RunNow(ctx)
			if err != nil {
				return fmt.Errorf("run backup: %w", err)
			}
			pruned, err := a.backups.Cleanup(ctx)
			if err != nil {
				return fmt.Errorf("prune backups: %w", err)
			}
			a.audit(ctx, "backup", "backup_id", id, "pruned", pruned)
			fmt.Fprintf(a.out, "backup %d uploaded, %d pruned\n", id, pruned)
			return nil
		},
	}
}

func newBackupListCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			backups, err := a.store.ListBackups(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tSIZE\tTOOK\tKEY")
			for _, b := range backups {
				took := "-"
				if d := b.Duration(); d > 0 {
					took = d.Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", b.ID, formatTime(&b.CreatedAt), b.Status, b.SizeBytes, took, b.ObjectKey)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of backups to show")
	return cmd
}

func newBackupRestoreCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ID OUTPUT",
		Short: "Download and decrypt a backup into a new database file",
		Long: "Restore writes the backup to OUTPUT, which must not exist. Stop the\n" +
			"server and move the file over the live database to switch to it.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid backup id %q", args[0])
			}
			a, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.backups.Restore(ctx, id, args[1]); err != nil {
				return fmt.Errorf("restore backup: %w", err)
			}
			a.audit(ctx, "restore", "backup_id", id, "path", args[1])
			fmt.Fprintf(a.out, "backup %d restored to %s\n", id, args[1])
			return nil
		},
	}
}
