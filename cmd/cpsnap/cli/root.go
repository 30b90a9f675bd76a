// Package cli implements the cpsnap command-line interface using Cobra.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/polarfoxDev/cpsnap/internal/config"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

const defaultConfigPath = "conf/default.yaml"

// app holds the flags shared by every command
type app struct {
	configPath string
	verbose    bool
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "cpsnap",
		Short: "Snapshot backups with count-based retention, local or over SSH",
		Long: `cpsnap keeps a fixed number of snapshot directories per retention policy.
Each run prunes the oldest snapshots of the policy until there is room,
creates a new snapshot directory and copies the configured sources into it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (env: CPSNAP_CONFIG, default: "+defaultConfigPath+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "print debug messages")

	root.AddCommand(
		a.newRunCmd(),
		a.newValidateCmd(),
		a.newSnapshotsCmd(),
		a.newHistoryCmd(),
		a.newLogsCmd(),
		a.newServeCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code
func Execute(args []string) int {
	return execute(args, os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	printError(stderr, err)
	return ExitCode(err)
}

// ExitCode maps an error kind to a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrConfigInvalid):
		return 2
	case errors.Is(err, model.ErrSourceMissing):
		return 3
	case errors.Is(err, model.ErrTransport):
		return 4
	case errors.Is(err, model.ErrLockBusy):
		return 5
	case errors.Is(err, model.ErrPartialPrune), errors.Is(err, model.ErrCapacityNotFreed):
		return 6
	case errors.Is(err, model.ErrMaterialize):
		return 7
	default:
		return 1
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var me *model.Error
	var pe *model.PartialPruneError
	switch {
	case errors.As(err, &pe):
		fmt.Fprintf(w, "  kind:      %s\n", model.KindOf(err))
		fmt.Fprintf(w, "  deleted:   %v\n", pe.Deleted)
		fmt.Fprintf(w, "  failed:    %v\n", pe.Failed)
		fmt.Fprintf(w, "  remaining: %v\n", pe.Remaining)
	case errors.As(err, &me):
		fmt.Fprintf(w, "  kind:  %s\n", model.KindOf(err))
		if me.Phase != "" {
			fmt.Fprintf(w, "  phase: %s\n", me.Phase)
		}
		if me.Path != "" {
			fmt.Fprintf(w, "  path:  %s\n", me.Path)
		}
	}
}

func (a *app) resolvedConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	if p := os.Getenv("CPSNAP_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig reads, validates and resolves the configuration file
func (a *app) loadConfig() (*model.Configuration, error) {
	path := a.resolvedConfigPath()
	raw, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, w := range raw.Warnings {
		fmt.Fprintf(a.stderr, "Warning: %s: %s\n", path, w)
	}
	return raw.Resolve()
}
