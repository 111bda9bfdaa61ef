// Package cli builds the ibex command tree and drives the lifecycle shared by
// every command: settings, log file, single-instance lock, run, metrics.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/internal/version"
)

// App carries what the commands need from the process.
type App struct {
	Stdout   io.Writer
	Stderr   io.Writer
	UseColor bool
	// Bootstrap, when set, is replayed into the command log once it opens.
	Bootstrap *logging.BootstrapLogger

	settingsPath string
	dryRun       bool
}

// NewApp returns an App writing to the process streams.
func NewApp(useColor bool) *App {
	return &App{Stdout: os.Stdout, Stderr: os.Stderr, UseColor: useColor}
}

// NewRootCommand builds the ibex command tree.
func (a *App) NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ibex",
		Short: "Staged MySQL/InnoDB hot-backup pipeline",
		Long: `ibex coordinates InnoDB hot backups and moves them through a staged
directory pipeline. Each subcommand is meant to be triggered by cron.

Examples:
  ibex backup full -s /etc/ibex/ibex.conf
  ibex backup inc -s /etc/ibex/ibex.conf
  ibex archiver -s /etc/ibex/ibex.conf --dryrun`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	root.PersistentFlags().StringVarP(&a.settingsPath, "settings", "s", "", "Path to the settings file (required)")
	root.PersistentFlags().BoolVarP(&a.dryRun, "dryrun", "n", false, "Log what would be done without changing anything")

	root.AddCommand(
		a.newBackupCommand(),
		a.newArchiverCommand(),
		a.newWatchdogCommand(),
		a.newVersionCommand(),
	)
	return root
}

// Execute runs the command line args and returns the process exit code.
func (a *App) Execute(ctx context.Context, args []string) int {
	root := a.NewRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	var logged *loggedError
	if err != nil && !errors.Is(err, types.ErrLockHeld) && !errors.As(err, &logged) {
		fmt.Fprintf(a.Stderr, "Error: %v\n", err)
	}
	return types.ExitCodeFor(err).Int()
}

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ibex version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ibex %s\n", version.Info())
			return err
		},
	}
}
