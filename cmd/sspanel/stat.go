package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/sspanel/internal/bootstrap"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/repository/sqlite"
)

func init() {
	var statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Statistics commands",
		Long:  `View reconciled daily traffic for users and nodes.`,
	}

	// stat day
	var statDay string
	var statLimit int
	var dayCmd = &cobra.Command{
		Use:   "day",
		Short: "Show reconciled usage rows for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if statDay != "" {
				parsed, err := parseDayFlag(statDay)
				if err != nil {
					return err
				}
				day = parsed
			}
			db, err := bootstrap.OpenSQLite(cmd.Context(), cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			return runStatDay(cmd.Context(), sqlite.NewStore(db), day, statLimit)
		},
	}
	dayCmd.Flags().StringVar(&statDay, "day", "", "Day to show (YYYY-MM-DD, UTC); defaults to today")
	dayCmd.Flags().IntVarP(&statLimit, "limit", "l", 20, "Number of top users to show")
	statCmd.AddCommand(dayCmd)

	rootCmd.AddCommand(statCmd)
}

func runStatDay(ctx context.Context, store repository.Store, day time.Time, limit int) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	users, err := store.StatUsers().ListByDay(ctx, dayStart.Unix())
	if err != nil {
		return err
	}
	nodes, err := store.StatNodes().ListByDay(ctx, dayStart.Unix())
	if err != nil {
		return err
	}

	sortByTotal(users)
	sortByTotal(nodes)

	var total int64
	for _, row := range nodes {
		total += row.Upload + row.Download
	}

	fmt.Printf("Usage for %s\n", dayStart.Format("2006-01-02"))
	fmt.Printf("  Users with traffic: %d\n", len(users))
	fmt.Printf("  Nodes with traffic: %d\n", len(nodes))
	fmt.Printf("  Total:              %s\n\n", formatBytes(total))

	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tUPLOAD\tDOWNLOAD\tTOTAL")
	for _, row := range users {
		fmt.Fprintf(w, "user\t%d\t%s\t%s\t%s\n", row.EntityID, formatBytes(row.Upload), formatBytes(row.Download), formatBytes(row.Upload+row.Download))
	}
	for _, row := range nodes {
		fmt.Fprintf(w, "node\t%d\t%s\t%s\t%s\n", row.EntityID, formatBytes(row.Upload), formatBytes(row.Download), formatBytes(row.Upload+row.Download))
	}
	return w.Flush()
}

func sortByTotal(rows []repository.UsageRecord) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Upload+rows[i].Download > rows[j].Upload+rows[j].Download
	})
}
