// Package cli implements the dbsavr command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/supporttools/dbsavr/pkg/backup"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/history"
	"github.com/supporttools/dbsavr/pkg/logging"
	"github.com/supporttools/dbsavr/pkg/notify"
	"github.com/supporttools/dbsavr/pkg/storage"
	"github.com/supporttools/dbsavr/pkg/storage/backend"
)

// app carries the state shared by every command.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.AppConfig
	logger *logrus.Logger
	// open overrides the store opener built from configuration.
	open storage.Opener
}

// Execute runs the dbsavr command line.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// NewRootCmd creates the root command for the dbsavr CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbsavr",
		Short: "dbsavr - database backups to object storage",
		Long: `dbsavr dumps PostgreSQL, MySQL and MongoDB databases, compresses the
output and streams it to S3 compatible object storage. Old backups are removed
according to per schedule retention rules.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to config file (default $DBSAVR_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newBackupCmd(a))
	rootCmd.AddCommand(newCleanupCmd(a))
	rootCmd.AddCommand(newListDatabasesCmd(a))
	rootCmd.AddCommand(newListSchedulesCmd(a))
	rootCmd.AddCommand(newListBackupsCmd(a))
	rootCmd.AddCommand(newCheckCmd(a))
	rootCmd.AddCommand(newRunSchedulerCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// setup loads configuration and builds the logger. Logs go to the command's
// error stream so stdout stays machine readable.
func (a *app) setup(cmd *cobra.Command) error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.NewWithOutput(cmd.ErrOrStderr(), level, cfg.LogFormat)
	return nil
}

// opener returns the store factory for the configured backend.
func (a *app) opener() storage.Opener {
	if a.open != nil {
		return a.open
	}
	return backend.Opener(a.cfg, a.logger)
}

// manager builds a backup manager. The returned func releases the history
// connection when one was opened.
func (a *app) manager() (*backup.Manager, func()) {
	opts := []backup.Option{backup.WithLogger(a.logger)}
	release := func() {}

	if a.cfg.MetadataDB.Enabled {
		store, err := history.Open(a.cfg.MetadataDB, a.logger)
		if err != nil {
			a.logger.WithError(err).Warn("Run history is unavailable, continuing without it")
		} else {
			opts = append(opts, backup.WithRecorder(store))
			release = func() { _ = store.Close() }
		}
	}
	return backup.NewManager(a.cfg, a.opener(), opts...), release
}

func (a *app) notifier() notify.Notifier {
	return notify.FromConfig(a.cfg, a.logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
