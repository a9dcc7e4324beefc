package backup

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/history"
	"github.com/supporttools/dbsavr/pkg/logging"
	"github.com/supporttools/dbsavr/pkg/metrics"
	"github.com/supporttools/dbsavr/pkg/retention"
	"github.com/supporttools/dbsavr/pkg/storage"
)

// RunCleanup deletes the expired artifacts of one database scope. Deletion
// is best effort: a failed key does not stop the others. Cleanups of the same
// bucket and scope are serialized.
func (m *Manager) RunCleanup(ctx context.Context, id string, opts CleanupOptions) *CleanupResult {
	result := &CleanupResult{
		RunID:          uuid.NewString(),
		DatabaseID:     id,
		SchedulePrefix: opts.SchedulePrefix,
		StartedAt:      m.clock.Now(),
	}
	ctx = logging.WithSchedule(logging.WithDatabase(logging.WithRunID(ctx, result.RunID), id), opts.SchedulePrefix)
	logger := logging.FromContext(ctx, m.logger)

	policy, store, err := m.resolveCleanup(ctx, id, opts, result)
	if err != nil {
		m.finishCleanup(ctx, result, err)
		return result
	}

	lockKey := result.Bucket + "|" + policy.ListPrefix()
	m.locks.Lock(lockKey)
	defer m.locks.Unlock(lockKey)

	objects, err := storage.Collect(store.List(ctx, policy.ListPrefix()))
	if err != nil {
		m.finishCleanup(ctx, result, err)
		return result
	}

	decision := retention.Evaluate(policy, m.clock.Now(), objects)
	result.Retained = len(decision.Retained)
	result.Ignored = len(decision.Ignored)
	logger.WithFields(logrus.Fields{
		"retention_days": policy.Days,
		"expired":        len(decision.Expired),
		"retained":       result.Retained,
		"ignored":        result.Ignored,
	}).Info("Evaluated retention")
	if scheduled := scheduledPrefixes(policy.SchedulePrefix, decision.Expired); len(scheduled) > 0 {
		logger.WithField("schedule_prefixes", scheduled).Warnf(
			"Unscoped retention of %d days is expiring artifacts of scheduled backups", policy.Days)
	}

	if len(decision.Expired) > 0 {
		deleted := store.Delete(ctx, decision.ExpiredKeys())
		result.Deleted = deleted.Deleted
		if len(deleted.Failed) > 0 {
			result.Failed = deleted.Failed
			err = &errdefs.PartialCleanupError{Deleted: deleted.Deleted, Failed: deleted.Failed}
		}
	}
	m.finishCleanup(ctx, result, err)
	return result
}

// RunCleanups applies every retention rule of a database: one pass per
// schedule prefix, or one unscoped pass when it has no schedule.
func (m *Manager) RunCleanups(ctx context.Context, id string, retentionDays int) []*CleanupResult {
	policies, err := m.cfg.RetentionPolicies(id)
	if err != nil {
		result := &CleanupResult{RunID: uuid.NewString(), DatabaseID: id, StartedAt: m.clock.Now()}
		m.finishCleanup(ctx, result, err)
		return []*CleanupResult{result}
	}

	results := make([]*CleanupResult, 0, len(policies))
	for _, p := range policies {
		results = append(results, m.RunCleanup(ctx, id, CleanupOptions{
			SchedulePrefix: p.SchedulePrefix,
			RetentionDays:  retentionDays,
		}))
	}
	return results
}

func (m *Manager) resolveCleanup(ctx context.Context, id string, opts CleanupOptions, result *CleanupResult) (retention.Policy, storage.ObjectStore, error) {
	policy, err := m.cfg.RetentionFor(id, opts.SchedulePrefix)
	if err != nil {
		return retention.Policy{}, nil, err
	}
	if opts.RetentionDays != 0 {
		policy.Days = opts.RetentionDays
	}
	result.RetentionDays = policy.Days
	if err := policy.Validate(); err != nil {
		return retention.Policy{}, nil, err
	}

	dest, err := m.cfg.Destination(id)
	if err != nil {
		return retention.Policy{}, nil, err
	}
	result.Bucket = dest.Bucket

	store, err := m.Store(ctx, dest.Bucket)
	if err != nil {
		return retention.Policy{}, nil, &errdefs.TransportError{Op: "open", Key: dest.Bucket, Err: err}
	}
	return policy, store, nil
}

func (m *Manager) finishCleanup(ctx context.Context, result *CleanupResult, err error) {
	result.Err = err
	result.FinishedAt = m.clock.Now()

	switch {
	case err == nil:
		result.Status = StatusSuccess
		result.State = StateCleanupSucceeded
	case len(result.Deleted) > 0 && len(result.Failed) > 0:
		result.Status = StatusPartial
		result.State = StateCleanupPartial
	default:
		result.Status = StatusFailure
		result.State = StateCleanupFailed
	}

	metrics.RecordCleanup(result.DatabaseID, len(result.Deleted), len(result.Failed))
	logger := logging.FromContext(ctx, m.logger).WithFields(logrus.Fields{
		"deleted": len(result.Deleted),
		"failed":  len(result.Failed),
		"state":   result.State,
	})
	if err != nil {
		logger.WithError(err).Warn("Cleanup did not complete")
	} else {
		logger.Info("Cleanup completed")
	}
	m.record(ctx, cleanupRun(result))
}

// scheduledPrefixes returns the distinct schedule prefixes among expired
// artifacts when the pass itself is not scoped to a schedule.
func scheduledPrefixes(scope string, expired []artifact.Artifact) []string {
	if scope != "" {
		return nil
	}
	var out []string
	for _, a := range expired {
		if a.SchedulePrefix != "" && !slices.Contains(out, a.SchedulePrefix) {
			out = append(out, a.SchedulePrefix)
		}
	}
	slices.Sort(out)
	return out
}

func cleanupRun(r *CleanupResult) *history.Run {
	run := &history.Run{
		ID:             r.RunID,
		Operation:      history.OperationCleanup,
		DatabaseID:     r.DatabaseID,
		SchedulePrefix: r.SchedulePrefix,
		Status:         string(r.Status),
		Bucket:         r.Bucket,
		DeletedCount:   len(r.Deleted),
		FailedCount:    len(r.Failed),
		DurationMs:     r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if r.Err != nil {
		run.ErrorKind = string(errdefs.KindOf(r.Err))
		run.ErrorMessage = r.Err.Error()
	}
	return run
}
