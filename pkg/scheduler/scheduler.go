// Package scheduler manages scheduled backup operations.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/supporttools/dbsavr/pkg/backup"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/notify"
	"github.com/supporttools/dbsavr/pkg/schedule"
)

// BackupRunner runs one backup. *backup.Manager implements it.
type BackupRunner interface {
	RunBackup(ctx context.Context, id string, opts backup.BackupOptions) *backup.BackupResult
}

// Upcoming is the next trigger of one schedule.
type Upcoming struct {
	DatabaseID     string
	CronExpression string
	Prefix         string
	RetentionDays  int
	Next           time.Time
}

// Scheduler handles cron scheduling for backups
type Scheduler struct {
	cron     *cron.Cron
	runner   BackupRunner
	notifier notify.Notifier
	cfg      *config.AppConfig
	clock    clock.Clock
	logger   logrus.FieldLogger
	sem      *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	stopping bool
	running  sync.WaitGroup
	jobIDs   map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithNotifier sends the result of every scheduled run.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.AppConfig, runner BackupRunner, logger logrus.FieldLogger, opts ...Option) *Scheduler {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:   runner,
		notifier: notify.Nop{},
		cfg:      cfg,
		clock:    clock.WallClock,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(max(cfg.Workers, 1))),
		jobIDs:   make(map[string]cron.EntryID),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func jobName(sc config.ScheduleConfig) string {
	if sc.Prefix == "" {
		return sc.DatabaseName
	}
	return sc.DatabaseName + "/" + sc.Prefix
}

// SetupJobs configures all scheduled jobs
func (s *Scheduler) SetupJobs() error {
	if len(s.cfg.Schedules) == 0 {
		return fmt.Errorf("no schedules configured")
	}

	for _, sc := range s.cfg.Schedules {
		name := jobName(sc)
		if _, ok := s.jobIDs[name]; ok {
			return fmt.Errorf("duplicate schedule for %s", name)
		}

		sched, err := schedule.Parse(sc.CronExpression)
		if err != nil {
			return err
		}
		jobID := s.cron.Schedule(sched, cron.FuncJob(func() {
			s.Dispatch(sc)
		}))
		s.jobIDs[name] = jobID

		s.logger.WithFields(logrus.Fields{
			"database": sc.DatabaseName,
			"schedule": sc.Prefix,
			"cron":     sc.CronExpression,
		}).Info("Scheduled backup")
	}
	return nil
}

// Dispatch runs the backup of one schedule, waiting for a free worker first.
// It returns nil when the scheduler stopped before a worker was free.
func (s *Scheduler) Dispatch(sc config.ScheduleConfig) *backup.BackupResult {
	logger := s.logger.WithFields(logrus.Fields{"database": sc.DatabaseName, "schedule": sc.Prefix})

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		logger.Warn("Scheduler is stopping, backup not started")
		return nil
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		logger.Warn("Scheduler stopped before the backup could start")
		return nil
	}
	defer s.sem.Release(1)

	logger.Info("Starting scheduled backup")
	result := s.runner.RunBackup(s.ctx, sc.DatabaseName, backup.BackupOptions{
		SchedulePrefix: sc.Prefix,
		Cleanup:        sc.CleanupAfterBackup,
		Timeout:        s.cfg.Timeout(),
	})

	// The notifier gets its own deadline so a stopping scheduler still reports.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), time.Minute)
	defer cancel()
	if err := s.notifier.Notify(ctx, result); err != nil {
		logger.WithError(err).Warn("Notification was not delivered")
	}
	return result
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Backup scheduler started successfully")
}

// Stop halts scheduling and waits for running backups. When ctx ends first
// the running backups are cancelled, which terminates their dump processes.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
	case <-ctx.Done():
		s.logger.Warn("Cancelling running backups")
		s.cancel()
		<-done
	}
	s.logger.Info("Backup scheduler stopped")
}

// NextRuns returns the next trigger of every schedule after now, soonest
// first.
func (s *Scheduler) NextRuns(now time.Time) ([]Upcoming, error) {
	return NextRuns(s.cfg, now)
}

// Upcoming returns NextRuns for the current time.
func (s *Scheduler) Upcoming() ([]Upcoming, error) {
	return s.NextRuns(s.clock.Now())
}

// NextRuns computes the next trigger of every configured schedule.
func NextRuns(cfg *config.AppConfig, now time.Time) ([]Upcoming, error) {
	upcoming := make([]Upcoming, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		next, err := schedule.Next(sc.CronExpression, now)
		if err != nil {
			return nil, err
		}
		days := sc.RetentionDays
		if days == 0 {
			days = config.DefaultRetentionDays
		}
		upcoming = append(upcoming, Upcoming{
			DatabaseID:     sc.DatabaseName,
			CronExpression: sc.CronExpression,
			Prefix:         sc.Prefix,
			RetentionDays:  days,
			Next:           next,
		})
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].Next.Before(upcoming[j].Next)
	})
	return upcoming, nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
