package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/dbsavr/pkg/backup"
)

func newBackupCmd(a *app) *cobra.Command {
	var (
		prefix  string
		timeout time.Duration
		cleanup bool
		days    int
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "backup [database]",
		Short: "Back up a database now",
		Long: `Dump a database and upload the compressed output. Without --prefix the
database is backed up once per configured schedule prefix.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("specify either a database or --all")
			}
			if err := a.setup(cmd); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			m, release := a.manager()
			defer release()

			ids := args
			if all {
				ids = a.cfg.DatabaseIDs()
			}
			var jobs []backup.Job
			if cmd.Flags().Changed("prefix") {
				for _, id := range ids {
					jobs = append(jobs, backup.Job{DatabaseID: id, SchedulePrefix: prefix})
				}
			} else {
				jobs = m.PlanBackups(ids)
			}

			if timeout == 0 {
				timeout = a.cfg.Timeout()
			}
			results := m.RunJobs(ctx, jobs, backup.BackupOptions{
				Cleanup:       cleanup,
				RetentionDays: days,
				Timeout:       timeout,
			})

			notifier := a.notifier()
			failed := 0
			for _, r := range results {
				printBackupResult(cmd.OutOrStdout(), r)
				if !r.Succeeded() {
					failed++
				}
				_ = notifier.Notify(ctx, r)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d backups failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Schedule prefix to store the backup under")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the backup after this long (default pipeline.timeout)")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Delete expired backups of the same prefix afterwards")
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days for --cleanup (default from schedule)")
	cmd.Flags().BoolVar(&all, "all", false, "Back up every configured database")

	return cmd
}

func scopeName(id, prefix string) string {
	if prefix == "" {
		return id
	}
	return id + "/" + prefix
}

func printBackupResult(w io.Writer, r *backup.BackupResult) {
	name := scopeName(r.DatabaseID, r.SchedulePrefix)
	if !r.Succeeded() {
		fmt.Fprintf(w, "Backup failed: %s [%s during %s]\n", name, r.ErrorKind(), r.FailedStage)
		fmt.Fprintf(w, "  Error: %v\n", r.Err)
		return
	}

	fmt.Fprintf(w, "Backup succeeded: %s\n", name)
	fmt.Fprintf(w, "  Location: %s\n", r.Location)
	fmt.Fprintf(w, "  Size: %s\n", humanize.IBytes(uint64(r.Artifact.Size)))
	fmt.Fprintf(w, "  Duration: %s\n", r.Artifact.Duration.Round(time.Millisecond))
	if r.Cleanup != nil {
		fmt.Fprintf(w, "  Deleted old backups: %d\n", r.DeletedCount)
		if r.Cleanup.Err != nil {
			fmt.Fprintf(w, "  Cleanup: %v\n", r.Cleanup.Err)
		}
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	var (
		days   int
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "cleanup <database>",
		Short: "Delete backups older than the retention window",
		Long: `Apply retention to the stored backups of a database. Without --prefix each
schedule's own retention is applied to its own prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			m, release := a.manager()
			defer release()

			var results []*backup.CleanupResult
			if cmd.Flags().Changed("prefix") {
				results = append(results, m.RunCleanup(ctx, args[0], backup.CleanupOptions{
					SchedulePrefix: prefix,
					RetentionDays:  days,
				}))
			} else {
				results = m.RunCleanups(ctx, args[0], days)
			}

			incomplete := 0
			for _, r := range results {
				printCleanupResult(cmd.OutOrStdout(), r)
				if r.Status != backup.StatusSuccess {
					incomplete++
				}
			}
			if incomplete > 0 {
				return fmt.Errorf("%d of %d cleanups did not complete", incomplete, len(results))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 0, "Retention window in days (default from schedule)")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only clean this schedule prefix")

	return cmd
}

func printCleanupResult(w io.Writer, r *backup.CleanupResult) {
	name := scopeName(r.DatabaseID, r.SchedulePrefix)
	fmt.Fprintf(w, "Cleanup %s: %s (%d days) deleted=%d failed=%d retained=%d\n",
		name, r.Status, r.RetentionDays, len(r.Deleted), len(r.Failed), r.Retained)
	for _, key := range r.Deleted {
		fmt.Fprintf(w, "  deleted %s\n", key)
	}
	for _, key := range r.FailedKeys() {
		fmt.Fprintf(w, "  failed  %s: %v\n", key, r.Failed[key])
	}
	if r.Err != nil && len(r.Failed) == 0 {
		fmt.Fprintf(w, "  Error: %v\n", r.Err)
	}
}
