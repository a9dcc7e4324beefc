// Package backup orchestrates backup and retention runs: it resolves a
// database's configuration, drives the dump pipeline into object storage and
// applies retention to what is already stored.
package backup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/database"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/history"
	"github.com/supporttools/dbsavr/pkg/logging"
	"github.com/supporttools/dbsavr/pkg/metrics"
	"github.com/supporttools/dbsavr/pkg/pipeline"
	"github.com/supporttools/dbsavr/pkg/storage"
)

const recordTimeout = 10 * time.Second

// Runner executes one dump pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, run *history.Run) error
}

// BackupOptions defines options for a backup operation
type BackupOptions struct {
	SchedulePrefix string
	// Cleanup runs a retention pass over the same scope after a successful backup.
	Cleanup bool
	// RetentionDays overrides the configured window of that pass.
	RetentionDays int
	// Timeout bounds the dump and upload; zero means no extra deadline.
	Timeout time.Duration
}

// CleanupOptions defines options for a retention pass
type CleanupOptions struct {
	SchedulePrefix string
	// RetentionDays overrides the configured window when non-zero.
	RetentionDays int
}

// Job names one backup to run.
type Job struct {
	DatabaseID     string
	SchedulePrefix string
}

// Manager handles backup operations
type Manager struct {
	cfg      *config.AppConfig
	open     storage.Opener
	runner   Runner
	recorder Recorder
	clock    clock.Clock
	logger   logrus.FieldLogger

	locks *kmutex.Kmutex

	mu     sync.Mutex
	stores map[string]storage.ObjectStore
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRecorder stores every finished run.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithRunner replaces the dump pipeline.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// NewManager creates a new backup manager. open is called once per bucket.
func NewManager(cfg *config.AppConfig, open storage.Opener, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		open:   open,
		clock:  clock.WallClock,
		logger: logrus.StandardLogger(),
		locks:  kmutex.New(),
		stores: make(map[string]storage.ObjectStore),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = pipeline.New(pipeline.Config{
			CompressionLevel: cfg.Pipeline.CompressionLevel,
			TempDir:          cfg.Pipeline.WorkDir,
		}, m.logger)
	}
	return m
}

// Store returns the object store of a bucket, opening it on first use.
func (m *Manager) Store(ctx context.Context, bucket string) (storage.ObjectStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[bucket]; ok {
		return s, nil
	}
	s, err := m.open(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bucket %s", bucket)
	}
	m.stores[bucket] = s
	return s, nil
}

// RunBackup dumps one database into object storage. It never returns nil;
// failures are reported through the result.
func (m *Manager) RunBackup(ctx context.Context, id string, opts BackupOptions) *BackupResult {
	result := &BackupResult{
		RunID:          uuid.NewString(),
		DatabaseID:     id,
		SchedulePrefix: opts.SchedulePrefix,
		State:          StateResolving,
		StartedAt:      m.clock.Now(),
	}
	ctx = logging.WithSchedule(logging.WithDatabase(logging.WithRunID(ctx, result.RunID), id), opts.SchedulePrefix)
	logger := logging.FromContext(ctx, m.logger)

	req, dest, err := m.resolve(ctx, id, opts, result)
	if err != nil {
		m.fail(ctx, result, err)
		return result
	}

	logger.WithField("key", req.Key).Info("Starting backup")
	result.State = StateDumping

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	outcome, err := m.runner.Run(runCtx, req)
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindTransport {
			result.State = StateUploading
		}
		m.fail(ctx, result, err)
		return result
	}

	a, ok := artifact.Parse(dest.Prefix, id, outcome.Key)
	if !ok {
		logger.WithField("key", outcome.Key).Warn("Stored key does not parse as an artifact; retention will ignore it")
		a = artifact.Artifact{DatabaseID: id, SchedulePrefix: opts.SchedulePrefix, Timestamp: req.Timestamp, Ext: req.Strategy.Format().Ext()}
	}
	a.Key = outcome.Key
	a.Size = outcome.Size
	a.Duration = outcome.Duration
	result.Artifact = &a
	result.Location = dest.URL(outcome.Key)
	result.Status = StatusSuccess
	result.State = StateSucceeded
	result.FinishedAt = m.clock.Now()

	metrics.RecordBackupSuccess(id, string(result.Engine), a.Size, outcome.Duration, result.FinishedAt)
	logger.WithFields(logrus.Fields{
		"location": result.Location,
		"bytes":    a.Size,
		"duration": outcome.Duration.Round(time.Millisecond),
	}).Info("Backup completed")
	m.record(ctx, backupRun(result))

	if opts.Cleanup {
		cleanup := m.RunCleanup(ctx, id, CleanupOptions{
			SchedulePrefix: opts.SchedulePrefix,
			RetentionDays:  opts.RetentionDays,
		})
		result.Cleanup = cleanup
		result.DeletedCount = len(cleanup.Deleted)
		result.State = cleanup.State
		result.FinishedAt = m.clock.Now()
	}
	return result
}

// resolve turns configuration into a pipeline request. Every failure here is
// reported before a process is started or the network is touched.
func (m *Manager) resolve(ctx context.Context, id string, opts BackupOptions, result *BackupResult) (pipeline.Request, storage.Destination, error) {
	target, err := m.cfg.Target(id)
	if err != nil {
		return pipeline.Request{}, storage.Destination{}, err
	}
	result.Engine = target.Engine
	result.Bucket = target.Bucket

	strategy, err := database.NewStrategy(target)
	if err != nil {
		return pipeline.Request{}, storage.Destination{}, err
	}
	dest, err := m.cfg.Destination(id)
	if err != nil {
		return pipeline.Request{}, storage.Destination{}, err
	}
	if opts.Cleanup {
		policy, err := m.cfg.RetentionFor(id, opts.SchedulePrefix)
		if err != nil {
			return pipeline.Request{}, storage.Destination{}, err
		}
		if opts.RetentionDays != 0 {
			policy.Days = opts.RetentionDays
		}
		if err := policy.Validate(); err != nil {
			return pipeline.Request{}, storage.Destination{}, err
		}
	}

	store, err := m.Store(ctx, dest.Bucket)
	if err != nil {
		return pipeline.Request{}, storage.Destination{}, &errdefs.TransportError{Op: "open", Key: dest.Bucket, Err: err}
	}

	ts := m.clock.Now().UTC()
	return pipeline.Request{
		Strategy:  strategy,
		Store:     store,
		Key:       artifact.Key(dest.Prefix, id, opts.SchedulePrefix, ts, strategy.Format().Ext()),
		Timestamp: ts,
	}, dest, nil
}

func (m *Manager) fail(ctx context.Context, result *BackupResult, err error) {
	result.Status = StatusFailure
	result.FailedStage = result.State
	result.State = StateFailed
	result.Err = err
	result.FinishedAt = m.clock.Now()

	kind := errdefs.KindOf(err)
	metrics.RecordBackupFailure(result.DatabaseID, string(result.Engine), string(kind), result.Duration())
	logging.FromContext(ctx, m.logger).WithFields(logrus.Fields{
		"stage": result.FailedStage,
		"kind":  kind,
	}).WithError(err).Error("Backup failed")
	m.record(ctx, backupRun(result))
}

// PlanBackups expands database ids into one job per schedule prefix. A
// database without schedules gets a single unscoped job.
func (m *Manager) PlanBackups(ids []string) []Job {
	var jobs []Job
	for _, id := range ids {
		for _, prefix := range m.cfg.SchedulePrefixes(id) {
			jobs = append(jobs, Job{DatabaseID: id, SchedulePrefix: prefix})
		}
	}
	return jobs
}

// RunJobs runs backups with at most cfg.Workers in flight. Results are in job
// order.
func (m *Manager) RunJobs(ctx context.Context, jobs []Job, opts BackupOptions) []*BackupResult {
	results := make([]*BackupResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(max(m.cfg.Workers, 1))
	for i, job := range jobs {
		g.Go(func() error {
			jobOpts := opts
			jobOpts.SchedulePrefix = job.SchedulePrefix
			results[i] = m.RunBackup(ctx, job.DatabaseID, jobOpts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RunAll backs up every configured database.
func (m *Manager) RunAll(ctx context.Context, opts BackupOptions) []*BackupResult {
	return m.RunJobs(ctx, m.PlanBackups(m.cfg.DatabaseIDs()), opts)
}

// ListArtifacts returns the stored artifacts of a database, newest first.
// An empty schedule prefix lists every schedule.
func (m *Manager) ListArtifacts(ctx context.Context, id, schedulePrefix string) ([]artifact.Artifact, error) {
	dest, err := m.cfg.Destination(id)
	if err != nil {
		return nil, err
	}
	store, err := m.Store(ctx, dest.Bucket)
	if err != nil {
		return nil, err
	}

	var artifacts []artifact.Artifact
	for obj, err := range store.List(ctx, artifact.ScopePrefix(dest.Prefix, id, schedulePrefix)) {
		if err != nil {
			return nil, err
		}
		a, ok := artifact.Parse(dest.Prefix, id, obj.Key)
		if !ok {
			continue
		}
		a.Size = obj.Size
		artifacts = append(artifacts, a)
	}
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].Timestamp.After(artifacts[j].Timestamp)
	})
	return artifacts, nil
}

func (m *Manager) record(ctx context.Context, run *history.Run) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := m.recorder.Record(ctx, run); err != nil {
		logging.FromContext(ctx, m.logger).WithError(err).Warn("Failed to record run history")
	}
}

func backupRun(r *BackupResult) *history.Run {
	run := &history.Run{
		ID:             r.RunID,
		Operation:      history.OperationBackup,
		DatabaseID:     r.DatabaseID,
		Engine:         string(r.Engine),
		SchedulePrefix: r.SchedulePrefix,
		Status:         string(r.Status),
		Bucket:         r.Bucket,
		DurationMs:     r.Duration().Milliseconds(),
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if r.Err != nil {
		run.ErrorKind = string(errdefs.KindOf(r.Err))
		run.ErrorMessage = r.Err.Error()
	}
	if r.Artifact != nil {
		key := r.Artifact.Key
		run.ObjectKey = &key
		run.SizeBytes = r.Artifact.Size
	}
	return run
}
