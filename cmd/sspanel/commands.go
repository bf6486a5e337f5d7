package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/sspanel/internal/bootstrap"
	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/job"
	"github.com/creamcroissant/sspanel/internal/migrations"
	"github.com/creamcroissant/sspanel/internal/security"
)

func init() {
	// Migrate
	var migrateStatus bool
	var migrateRollback bool
	var migrateCmd = &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Database migration management",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := bootstrap.OpenSQLite(cmd.Context(), cfg.DB.Path)
			if err != nil {
				return err
			}
			fmt.Printf("Using DB path: %s\n", cfg.DB.Path)
			defer db.Close()

			if migrateStatus {
				return migrations.Status(db)
			}
			if migrateRollback {
				return migrations.Down(db)
			}

			action := "up"
			if len(args) > 0 {
				action = args[0]
			}

			switch action {
			case "up":
				if err := migrations.Up(db); err != nil {
					return err
				}
				version, err := migrations.Version(db)
				if err != nil {
					return err
				}
				fmt.Printf("Schema version: %d\n", version)
				return nil
			case "down":
				return migrations.Down(db)
			case "status":
				return migrations.Status(db)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show migration status")
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "Rollback the last migration")
	rootCmd.AddCommand(migrateCmd)

	// Reconcile
	var reconcileDay string
	var reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Flush one day of fast-store counters into the daily usage tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if reconcileDay != "" {
				parsed, err := parseDayFlag(reconcileDay)
				if err != nil {
					return err
				}
				day = parsed
			}

			logger := newLogger()
			infra, err := openInfra(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer infra.Close()

			res, err := infra.ReconcileJob("reconcile_manual", 0, cfg.Reconcile.LockTTL).Reconcile(cmd.Context(), day)
			if errors.Is(err, job.ErrReconcileBusy) {
				return fmt.Errorf("reconcile for %s is already running elsewhere", faststore.DayKey(day))
			}
			if err != nil {
				return err
			}
			fmt.Printf("Day %s: %d user rows, %d node rows, %d skipped\n", res.Day, res.UsersWritten, res.NodesWritten, res.Skipped)
			return nil
		},
	}
	reconcileCmd.Flags().StringVar(&reconcileDay, "day", "", "Day to reconcile (YYYY-MM-DD or YYYYMMDD, UTC); defaults to today")
	rootCmd.AddCommand(reconcileCmd)

	// Token
	var tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Signed subscription token commands",
	}
	var issueSID int64
	var issueTTL time.Duration
	var issueCmd = &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed subscription token for a sid",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issueSID <= 0 {
				return fmt.Errorf("--sid must be positive")
			}
			logger := newLogger()
			infra, err := openInfra(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer infra.Close()
			if infra.Tokens == nil {
				return fmt.Errorf("subscription.signing_key is not configured")
			}
			if _, err := infra.Users.Get(cmd.Context(), issueSID); err != nil {
				return fmt.Errorf("lookup sid %d: %w", issueSID, err)
			}
			tok, claims, err := infra.Tokens.IssueSubscription(issueSID, issueTTL)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			if claims.ExpiresAt != nil {
				fmt.Fprintf(os.Stderr, "expires at %s\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	issueCmd.Flags().Int64Var(&issueSID, "sid", 0, "Subscription service instance ID")
	issueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "Token lifetime (defaults to subscription.token_ttl)")
	tokenCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(tokenCmd)

	// User
	var userCmd = &cobra.Command{
		Use:   "user",
		Short: "Subscription account maintenance",
	}
	var rotateSID int64
	var rotateCmd = &cobra.Command{
		Use:   "rotate-secret",
		Short: "Replace a user's stable secret; derived node passwords change with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			infra, err := openInfra(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer infra.Close()
			secret, err := infra.Users.RotateSecret(cmd.Context(), rotateSID)
			if err != nil {
				return err
			}
			infra.Audit.Record(cmd.Context(), security.Event{
				Kind:     security.EventSecretRotated,
				Subject:  strconv.FormatInt(rotateSID, 10),
				Metadata: map[string]any{"source": "cli"},
				Occurred: time.Now().UTC(),
			})
			fmt.Println(secret)
			return nil
		},
	}
	rotateCmd.Flags().Int64Var(&rotateSID, "sid", 0, "Subscription service instance ID")
	userCmd.AddCommand(rotateCmd)

	var resetSID int64
	var resetReason string
	var resetCmd = &cobra.Command{
		Use:   "reset-traffic",
		Short: "Zero a user's cumulative traffic counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			infra, err := openInfra(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer infra.Close()
			res, err := infra.Traffic.Reset(cmd.Context(), resetSID, resetReason)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SID\tUPLOAD\tDOWNLOAD\tTOTAL\tRESET_AT")
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", res.SID, formatBytes(res.Upload), formatBytes(res.Download), formatBytes(res.Total),
				time.Unix(res.ResetAt, 0).UTC().Format(time.RFC3339))
			return w.Flush()
		},
	}
	resetCmd.Flags().Int64Var(&resetSID, "sid", 0, "Subscription service instance ID")
	resetCmd.Flags().StringVar(&resetReason, "reason", "manual", "Reason recorded in the audit log")
	userCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(userCmd)
}

func parseDayFlag(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		return t, nil
	}
	return faststore.ParseDay(raw)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
