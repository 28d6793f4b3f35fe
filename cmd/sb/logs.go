package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/models"
)

func newLogsCmd() *cobra.Command {
	var (
		configPath string
		opts       logsOpts
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the execution journal",
		Long:  "Displays recent pipeline runs from the execution journal. Supports filtering by status or session, and a --follow mode for tailing new runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVar(&opts.status, "status", "", "filter by status (success, error, timeout, pending)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "filter by session ID")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "tail mode: poll for new runs")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval in follow mode")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 20, "number of recent runs to show")

	cmd.AddCommand(newLogsStatsCmd())
	return cmd
}

type logsOpts struct {
	status    string
	sessionID string
	follow    bool
	interval  time.Duration
	lines     int
}

func runLogs(cmd *cobra.Command, configPath string, opts logsOpts) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return tailLogs(ctx, cmd.OutOrStdout(), journal.NewReader(gormDB), opts)
}

// tailLogs prints the most recent runs oldest first, then, in follow mode,
// polls for newer ones until ctx ends.
func tailLogs(ctx context.Context, out io.Writer, r *journal.Reader, opts logsOpts) error {
	f := journal.Filter{Status: opts.status, SessionID: opts.sessionID}
	rows, _, err := r.List(ctx, f, 1, opts.lines)
	if err != nil {
		return err
	}

	// Reverse for chronological display.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	if len(rows) == 0 && !opts.follow {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	for _, row := range rows {
		printRun(out, row)
	}
	if !opts.follow {
		return nil
	}

	var lastID uint
	if len(rows) > 0 {
		lastID = rows[len(rows)-1].ID
	} else if lastID, err = r.LatestID(ctx); err != nil {
		return err
	}

	interval := opts.interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			newRows, err := r.After(ctx, f, lastID, 100)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "poll error: %v\n", err)
				continue
			}
			for _, row := range newRows {
				printRun(out, row)
				lastID = row.ID
			}
		}
	}
}

func printRun(out io.Writer, row models.ExecutionLog) {
	hit := ""
	if row.CacheHit {
		hit = " [cache]"
	}
	rowsText := "-"
	if row.RowCount != nil {
		rowsText = fmt.Sprintf("%d rows", *row.RowCount)
	}
	fmt.Fprintf(out, "[%s] %-7s %6s %-9s%s %s\n",
		row.CreatedAt.Format("15:04:05"), row.Status, formatElapsed(row.ElapsedMs), rowsText, hit, truncate(row.Question, 60))
	if row.ErrorText != nil && *row.ErrorText != "" {
		fmt.Fprintf(out, "           %s\n", truncate(*row.ErrorText, 100))
	}
}

func newLogsStatsCmd() *cobra.Command {
	var (
		configPath string
		since      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer closeDB(gormDB)

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			st, err := journal.NewReader(gormDB).Stats(cmd.Context(), from)
			if err != nil {
				return err
			}
			printLogStats(cmd.OutOrStdout(), st, since)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window to summarise (0 for all time)")
	return cmd
}

func printLogStats(out io.Writer, st *journal.Stats, since time.Duration) {
	window := "all time"
	if since > 0 {
		window = "last " + since.String()
	}
	fmt.Fprintf(out, "Runs (%s): %s\n", window, formatCount(st.Total))
	fmt.Fprintf(out, "  success %s  error %s  timeout %s  pending %s\n",
		formatCount(st.Success), formatCount(st.Error), formatCount(st.Timeout), formatCount(st.Pending))
	fmt.Fprintf(out, "Cache hits: %s (%s)\n", formatCount(st.CacheHits), formatPercent(st.CacheHitRate))
	fmt.Fprintf(out, "Avg elapsed: %s\n", formatElapsed(int64(st.AvgElapsedMs)))
}
