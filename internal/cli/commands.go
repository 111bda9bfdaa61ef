package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/tis24dev/ibex/internal/archive"
	"github.com/tis24dev/ibex/internal/archiver"
	"github.com/tis24dev/ibex/internal/backup"
	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/runner"
	"github.com/tis24dev/ibex/internal/staging"
	"github.com/tis24dev/ibex/internal/status"
	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/internal/watchdog"
)

const (
	backupName   = "ibex-backup"
	archiverName = "ibex-archiver"
	watchdogName = "ibex-watchdog"
)

func backupTypeNames() []string {
	names := make([]string, len(types.BackupTypes))
	for i, t := range types.BackupTypes {
		names[i] = t.String()
	}
	return names
}

func (a *App) newBackupCommand() *cobra.Command {
	var noOffsite, clearStale bool

	cmd := &cobra.Command{
		Use:       "backup <" + strings.Join(backupTypeNames(), "|") + ">",
		Short:     "Run a full or incremental hot backup",
		ValidArgs: backupTypeNames(),
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			_, err := types.ParseBackupType(args[0])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			backupType, _ := types.ParseBackupType(args[0])

			settings, err := a.loadSettings()
			if err != nil {
				return a.configFailure(err)
			}
			cfg, err := settings.Backup()
			if err != nil {
				return a.configFailure(err)
			}
			recipients, err := archive.ResolveRecipients(cfg.Encryption)
			if err != nil {
				return a.configFailure(&types.ConfigError{Err: err})
			}

			sess, err := a.openSession(cmd.Context(), backupName, cfg.Common)
			if err != nil {
				return err
			}

			r := runner.New(sess.logger, a.dryRun)
			machine := backup.NewMachine(cfg, r,
				checks.NewChecker(sess.logger, a.dryRun),
				status.NewStore(sess.logger, a.dryRun),
				archive.NewBuilder(r, sess.logger, recipients),
				sess.logger)

			res, runErr := machine.Run(cmd.Context(), backup.Options{
				Type:       backupType,
				NoOffsite:  noOffsite,
				ClearStale: clearStale,
			})

			job := "backup_full"
			if backupType.IsIncremental() {
				job = "backup_inc"
			}
			return sess.finish(job, res.Severity, nil, runErr)
		},
	}

	cmd.Flags().BoolVarP(&noOffsite, "no-offsite", "o", false, "Keep the lastinc archive in the prepared directory instead of moving it offsite")
	cmd.Flags().BoolVar(&clearStale, "clear-stale", false, "Mark a leftover \"started\" status as failed and run anyway")
	return cmd
}

func (a *App) newArchiverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archiver",
		Short: "Compress incoming backups and ship them offsite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := a.loadSettings()
			if err != nil {
				return a.configFailure(err)
			}
			cfg, err := settings.Archiver()
			if err != nil {
				return a.configFailure(err)
			}
			if err := staging.ValidatePatterns(cfg.ScanExclude); err != nil {
				return a.configFailure(&types.ConfigError{Err: err})
			}
			recipients, err := archive.ResolveRecipients(cfg.Encryption)
			if err != nil {
				return a.configFailure(&types.ConfigError{Err: err})
			}

			sess, err := a.openSession(cmd.Context(), archiverName, cfg.Common)
			if err != nil {
				return err
			}

			r := runner.New(sess.logger, a.dryRun)
			arch, err := archiver.New(cfg, r,
				checks.NewChecker(sess.logger, a.dryRun),
				status.NewStore(sess.logger, a.dryRun),
				archive.NewBuilder(r, sess.logger, recipients),
				sess.logger)
			if err != nil {
				return sess.finish("archiver", types.SeverityCritical, nil, err)
			}

			summary, runErr := arch.Run(cmd.Context())
			return sess.finish("archiver", summary.Severity(), summary.Items(), runErr)
		},
	}
}

func (a *App) newWatchdogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Move secondary copies into storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := a.loadSettings()
			if err != nil {
				return a.configFailure(err)
			}
			cfg, err := settings.Watchdog()
			if err != nil {
				return a.configFailure(err)
			}
			if err := staging.ValidatePatterns(cfg.ScanExclude); err != nil {
				return a.configFailure(&types.ConfigError{Err: err})
			}

			sess, err := a.openSession(cmd.Context(), watchdogName, cfg.Common)
			if err != nil {
				return err
			}

			r := runner.New(sess.logger, a.dryRun)
			w, err := watchdog.New(cfg, r,
				checks.NewChecker(sess.logger, a.dryRun),
				status.NewStore(sess.logger, a.dryRun),
				sess.logger)
			if err != nil {
				return sess.finish("watchdog", types.SeverityCritical, nil, err)
			}

			summary, runErr := w.Run(cmd.Context())
			return sess.finish("watchdog", summary.Severity(), summary.Items(), runErr)
		},
	}
}
