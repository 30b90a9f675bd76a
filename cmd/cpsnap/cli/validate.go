package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and list its retention policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			out := a.stdout
			fmt.Fprintf(out, "Using config: %s\n\n", a.resolvedConfigPath())

			fmt.Fprintln(out, "Source directories:")
			for _, s := range cfg.SourcePaths {
				fmt.Fprintf(out, "- %s\n", s)
			}
			if cfg.Remote() {
				fmt.Fprintf(out, "\nBackup directory: %s:%s\n", cfg.Transport, cfg.BackupRoot)
			} else {
				fmt.Fprintf(out, "\nBackup directory: %s\n", cfg.BackupRoot)
			}

			names := make([]string, 0, len(cfg.Policies))
			for n := range cfg.Policies {
				names = append(names, n)
			}
			sort.Strings(names)
			fmt.Fprintln(out, "\nValid retains:")
			for _, n := range names {
				p := cfg.Policies[n]
				fmt.Fprintf(out, "- %s => num: %d, mode: %s, naming: %s\n", n, p.Capacity, p.Mode, p.Naming)
			}
			fmt.Fprintf(out, "\nMaterialize: %s, lock: %s\n", cfg.Materialize.Engine, cfg.Lock.Mode)
			return nil
		},
	}
}
