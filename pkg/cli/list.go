package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/dbsavr/pkg/history"
	"github.com/supporttools/dbsavr/pkg/schedule"
	"github.com/supporttools/dbsavr/pkg/scheduler"
)

const timeLayout = "2006-01-02 15:04:05"

type presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

func newListDatabasesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-databases",
		Short: "List configured databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENGINE\tHOST\tDATABASE\tBUCKET")
			for _, id := range a.cfg.DatabaseIDs() {
				t, err := a.cfg.Target(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%s\n", t.ID, t.Engine, t.Host, t.EffectivePort(), t.Database, t.Bucket)
			}
			return w.Flush()
		},
	}
}

func newListSchedulesCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "list-schedules",
		Short: "List backup schedules and their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			if err := a.setup(cmd); err != nil {
				return err
			}
			if len(a.cfg.Schedules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schedules configured")
				return nil
			}

			now := time.Now()
			upcoming, err := scheduler.NextRuns(a.cfg, now)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATABASE\tCRON\tPREFIX\tRETENTION\tNEXT RUN")
			for _, u := range upcoming {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dd\t%s (%s)\n",
					u.DatabaseID, u.CronExpression, orDash(u.Prefix), u.RetentionDays,
					u.Next.Format(timeLayout), humanize.RelTime(u.Next, now, "ago", "from now"))
				if count == 1 {
					continue
				}
				later, err := schedule.NextN(u.CronExpression, u.Next, count-1)
				if err != nil {
					return err
				}
				for _, t := range later {
					fmt.Fprintf(w, "\t\t\t\t%s (%s)\n", t.Format(timeLayout), humanize.RelTime(t, now, "ago", "from now"))
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of upcoming runs to show per schedule")
	return cmd
}

func newListBackupsCmd(a *app) *cobra.Command {
	var (
		prefix      string
		presign     time.Duration
		historySize int
	)

	cmd := &cobra.Command{
		Use:   "list-backups <database>",
		Short: "List stored backups of a database, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			if historySize > 0 {
				return a.printHistory(cmd, args[0], historySize)
			}

			m, release := a.manager()
			defer release()

			artifacts, err := m.ListArtifacts(ctx, args[0], prefix)
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups found")
				return nil
			}

			var signer presigner
			if presign > 0 {
				dest, err := a.cfg.Destination(args[0])
				if err != nil {
					return err
				}
				store, err := m.Store(ctx, dest.Bucket)
				if err != nil {
					return err
				}
				var ok bool
				if signer, ok = store.(presigner); !ok {
					return fmt.Errorf("presigned URLs require the s3 storage backend")
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			header := "KEY\tCREATED\tSIZE"
			if signer != nil {
				header += "\tURL"
			}
			fmt.Fprintln(w, header)
			for _, art := range artifacts {
				fmt.Fprintf(w, "%s\t%s\t%s", art.Key, art.Timestamp.Format(timeLayout), humanize.IBytes(uint64(art.Size)))
				if signer != nil {
					url, err := signer.PresignGet(ctx, art.Key, presign)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "\t%s", url)
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only list this schedule prefix")
	cmd.Flags().DurationVar(&presign, "presign", 0, "Add presigned download URLs valid for this long")
	cmd.Flags().IntVar(&historySize, "history", 0, "Show the last N recorded runs instead of bucket contents")

	return cmd
}

func (a *app) printHistory(cmd *cobra.Command, id string, limit int) error {
	if !a.cfg.MetadataDB.Enabled {
		return fmt.Errorf("run history requires metadata_database.enabled")
	}
	store, err := history.Open(a.cfg.MetadataDB, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(cmd.Context(), id, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tOPERATION\tSCHEDULE\tSTATUS\tSIZE\tDURATION\tDETAIL")
	for _, r := range runs {
		detail := r.Key()
		switch {
		case r.ErrorMessage != "":
			detail = r.ErrorKind + ": " + r.ErrorMessage
		case r.Operation == history.OperationCleanup:
			detail = fmt.Sprintf("deleted=%d failed=%d", r.DeletedCount, r.FailedCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(timeLayout), r.Operation, orDash(r.SchedulePrefix), r.Status,
			humanize.IBytes(uint64(r.SizeBytes)), time.Duration(r.DurationMs)*time.Millisecond, detail)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
