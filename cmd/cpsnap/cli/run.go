package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
	"github.com/polarfoxDev/cpsnap/internal/model"
	"github.com/polarfoxDev/cpsnap/internal/prompt"
	"github.com/polarfoxDev/cpsnap/internal/runner"
)

func (a *app) newRunCmd() *cobra.Command {
	var (
		dryRun      bool
		lockMode    string
		lockTimeout time.Duration
		noHistory   bool
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "run <policy>",
		Short: "Rotate the snapshots of a retention policy and take a new one",
		Long: `Run prunes the oldest snapshots of the policy until there is room for a
new one, creates the new snapshot directory and copies the sources into it.

Examples:
  cpsnap run daily               # take today's daily snapshot
  cpsnap run daily -t            # show what would happen
  cpsnap run weekly --lock fail  # give up if another run holds the destination`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			switch model.LockMode(lockMode) {
			case "":
			case model.LockWait, model.LockFail:
				cfg.Lock.Mode = model.LockMode(lockMode)
			default:
				return model.NewError(model.ErrConfigInvalid, model.PhaseConfig, "", fmt.Errorf("invalid --lock %q: must be 'wait' or 'fail'", lockMode))
			}
			if cmd.Flags().Changed("lock-timeout") {
				cfg.Lock.Timeout = lockTimeout
			}

			logger, db, closeFn, err := a.openLogger(cfg, !noHistory)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("using config: %s", a.resolvedConfigPath())

			r, err := runner.New(cfg, logger, db, prompt.New(nil, a.stderr).Secret)
			if err != nil {
				return err
			}
			if db != nil {
				// only runs of this host whose process has exited
				if n, err := db.CleanupInterruptedRuns(ctx, r.Host); err != nil {
					logger.Warn("cleanup interrupted runs: %v", err)
				} else if n > 0 {
					logger.Warn("marked %d interrupted run(s) as aborted", n)
				}
			}
			report, err := r.Run(ctx, args[0], dryRun)

			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
			} else {
				printReport(a, report)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "t", false, "only print what would be done; create and remove nothing")
	cmd.Flags().StringVar(&lockMode, "lock", "", "lock mode: wait or fail (overrides config)")
	cmd.Flags().DurationVar(&lockTimeout, "lock-timeout", 0, "give up waiting for the destination lock after this long")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run report as JSON")
	return cmd
}

func printReport(a *app, r *model.RunReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(a.stdout, "\nrun %s: %s\n", r.ID, r.Status)
	if r.SnapshotPath != "" {
		fmt.Fprintf(a.stdout, "  snapshot:  %s", r.SnapshotPath)
		if r.Refreshed {
			fmt.Fprint(a.stdout, " (refreshed)")
		}
		fmt.Fprintln(a.stdout)
	}
	for _, o := range r.Occupancy {
		fmt.Fprintf(a.stdout, "  %-9s  %s\n", o.Phase+":", helpers.FormatOccupancy(o.Count, r.Capacity))
	}
	if len(r.Pruned) > 0 {
		fmt.Fprintf(a.stdout, "  pruned:    %v\n", r.Pruned)
	}
}
