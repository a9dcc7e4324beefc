// history-recovery rebuilds the dbsavr run history from backups already in
// the bucket. Runs are keyed by object key, so it is safe to run repeatedly.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/history"
	"github.com/supporttools/dbsavr/pkg/logging"
	"github.com/supporttools/dbsavr/pkg/storage"
	"github.com/supporttools/dbsavr/pkg/storage/backend"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dryRun     = flag.Bool("dry-run", false, "Scan the bucket without writing history")
	verbose    = flag.Bool("verbose", false, "Log every recovered backup")
	onlyDB     = flag.String("database", "", "Only recover this database")
)

// Summary counts what a scan found.
type Summary struct {
	Databases int
	Artifacts int
	Skipped   int
	Bytes     int64
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := logging.New(level, cfg.LogFormat)

	if !cfg.MetadataDB.Enabled && !*dryRun {
		logger.Fatal("metadata_database.enabled is false; nothing to recover into (use -dry-run to scan only)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := cfg.DatabaseIDs()
	if *onlyDB != "" {
		ids = []string{*onlyDB}
	}

	logger.Info("Starting history recovery...")
	runs, summary, err := recoverRuns(ctx, cfg, backend.Opener(cfg, logger), ids, logger)
	if err != nil {
		logger.Fatalf("Failed to scan backups: %v", err)
	}

	logger.Infof("Recovery summary: %d databases, %d backups (%s), %d unrecognized objects",
		summary.Databases, summary.Artifacts, humanize.IBytes(uint64(summary.Bytes)), summary.Skipped)

	if *dryRun {
		logger.Info("Dry run completed - no changes were saved")
		return
	}

	store, err := history.Open(cfg.MetadataDB, logger)
	if err != nil {
		logger.Fatalf("Failed to open run history: %v", err)
	}
	defer store.Close()

	inserted, err := store.Import(ctx, runs)
	if err != nil {
		logger.Fatalf("Failed to import runs: %v", err)
	}
	logger.Infof("Recorded %d new runs (%d already present)", inserted, int64(len(runs))-inserted)
}

// recoverRuns lists every database scope and turns each recognized artifact
// into a recovered run. Objects that do not follow the key layout are counted
// and skipped.
func recoverRuns(ctx context.Context, cfg *config.AppConfig, open storage.Opener, ids []string, logger logrus.FieldLogger) ([]history.Run, Summary, error) {
	var (
		runs    []history.Run
		summary Summary
	)
	for _, id := range ids {
		target, err := cfg.Target(id)
		if err != nil {
			return nil, summary, err
		}
		dest, err := cfg.Destination(id)
		if err != nil {
			return nil, summary, err
		}
		store, err := open(ctx, dest.Bucket)
		if err != nil {
			return nil, summary, err
		}
		summary.Databases++

		for obj, err := range store.List(ctx, artifact.ScopePrefix(dest.Prefix, id, "")) {
			if err != nil {
				return nil, summary, err
			}
			a, ok := artifact.Parse(dest.Prefix, id, obj.Key)
			if !ok {
				summary.Skipped++
				logger.Debugf("Skipping object with non-standard name: %s", obj.Key)
				continue
			}

			location := dest.URL(obj.Key)
			key := obj.Key
			runs = append(runs, history.Run{
				ID:             uuid.NewSHA1(uuid.NameSpaceURL, []byte(location)).String(),
				Operation:      history.OperationRecovered,
				DatabaseID:     id,
				Engine:         string(target.Engine),
				SchedulePrefix: a.SchedulePrefix,
				Status:         "success",
				Bucket:         dest.Bucket,
				ObjectKey:      &key,
				SizeBytes:      obj.Size,
				StartedAt:      a.Timestamp,
				FinishedAt:     a.Timestamp,
			})
			summary.Artifacts++
			summary.Bytes += obj.Size
			logger.Debugf("Recovered backup: %s", location)
		}
	}
	return runs, summary, nil
}
