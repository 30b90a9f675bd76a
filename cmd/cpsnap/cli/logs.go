package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
	"github.com/polarfoxDev/cpsnap/internal/logging"
)

func (a *app) newLogsCmd() *cobra.Command {
	var (
		runID  string
		policy string
		level  string
		since  string
		until  string
		limit  int
		prune  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query or prune the log database",
		Long: `Query the log entries stored in the history database.

Examples:
  cpsnap logs --policy daily --level ERROR
  cpsnap logs --run 3f2b9c1e-...           # one run, in the order written
  cpsnap logs --since 2025-03-01T00:00:00Z
  cpsnap logs --prune 720h                 # delete entries older than 30 days`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			if cmd.Flags().Changed("prune") {
				deleted, err := logger.PruneOldLogs(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Pruned %d log entries older than %v\n", deleted, prune)
				return nil
			}

			var entries []logging.LogEntry
			if runID != "" && policy == "" && level == "" && since == "" && until == "" {
				entries, err = logger.QueryByRunID(ctx, runID, limit)
			} else {
				opts := logging.QueryOptions{Policy: policy, RunID: runID, Limit: limit}
				if level != "" {
					if opts.Level, err = logging.ParseLevel(level); err != nil {
						return err
					}
				}
				if opts.Since, err = parseTimeFlag("since", since); err != nil {
					return err
				}
				if opts.Until, err = parseTimeFlag("until", until); err != nil {
					return err
				}
				entries, err = logger.Query(ctx, opts)
			}
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "No logs found matching criteria")
				return nil
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tPOLICY\tRUN\tMESSAGE")
			fmt.Fprintln(w, "─────────\t─────\t──────\t───\t───────")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Level,
					dash(e.Policy), dash(helpers.TruncateString(e.RunID, 8)), truncateMessage(e.Message))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "\nShowing %d results\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "filter by run ID")
	cmd.Flags().StringVar(&policy, "policy", "", "filter by retention policy")
	cmd.Flags().StringVar(&level, "level", "", "filter by log level (DEBUG, INFO, WARN, ERROR)")
	cmd.Flags().StringVar(&since, "since", "", "filter logs since time (RFC3339 format)")
	cmd.Flags().StringVar(&until, "until", "", "filter logs until time (RFC3339 format)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of logs to return")
	cmd.Flags().DurationVar(&prune, "prune", 0, "prune logs older than duration (e.g., '720h' for 30 days)")
	return cmd
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s time format: %w", name, err)
	}
	return t, nil
}

func truncateMessage(msg string) string {
	if len(msg) > 80 {
		return helpers.TruncateString(msg, 77) + "..."
	}
	return msg
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
