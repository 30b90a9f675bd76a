package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
	"github.com/polarfoxDev/cpsnap/internal/logging"
	"github.com/polarfoxDev/cpsnap/internal/model"
	"github.com/polarfoxDev/cpsnap/internal/runner"
)

func (a *app) newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <policy>",
		Short: "List the snapshots of a retention policy",
		Long: `List the snapshot directories of a policy, oldest first. Entries marked
with * belong to the policy's scope (in hostname mode, this host's snapshots)
and count against its capacity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			p, err := cfg.Policy(args[0])
			if err != nil {
				return err
			}
			logger, err := logging.New(nil, a.stderr)
			if err != nil {
				return err
			}
			if a.verbose {
				logger.SetConsoleLevel(logging.LevelDebug)
			}

			ctx, cancel := signalContext()
			defer cancel()

			r, err := runner.New(cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			dest, set, err := r.Snapshots(ctx, args[0])
			if err != nil {
				return err
			}
			scoped := set.Scoped(p, r.Host)

			fmt.Fprintf(a.stdout, "%s %s\n\n", dest, helpers.FormatOccupancy(scoped.Count(), p.Capacity))
			if set.Count() == 0 {
				fmt.Fprintln(a.stdout, "No snapshots found")
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tNAME\tMODIFIED")
			for _, e := range set.Entries() {
				mark := ""
				if scoped.Contains(e.Name) {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", mark, e.Name, formatTime(e))
			}
			return w.Flush()
		},
	}
}

func formatTime(e model.SnapshotEntry) string {
	if e.ModTime.IsZero() {
		return "-"
	}
	return e.ModTime.Local().Format("2006-01-02 15:04:05")
}
