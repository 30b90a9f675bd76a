package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/helpers"
)

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		policy string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.ListRuns(cmd.Context(), policy, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, "No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tPOLICY\tSTATUS\tSNAPSHOT\tOCCUPANCY\tID\tERROR")
			for _, r := range runs {
				occ := "-"
				if n := len(r.Occupancy); n > 0 {
					occ = helpers.FormatOccupancy(r.Occupancy[n-1].Count, r.Capacity)
				}
				status := string(r.Status)
				if r.DryRun {
					status += " (dry)"
				}
				snap := r.SnapshotName
				if snap == "" {
					snap = "-"
				}
				errText := "-"
				if r.ErrorKind != "" {
					errText = r.ErrorKind + ": " + helpers.TruncateString(r.Error, 60)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Policy, status, snap, occ, r.ID, errText)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "only show runs of this policy")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	return cmd
}
