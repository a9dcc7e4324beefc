package backup

import (
	"time"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/database"
	"github.com/supporttools/dbsavr/pkg/errdefs"
)

// State is a step of a backup run.
type State string

const (
	StateResolving        State = "resolving"
	StateDumping          State = "dumping"
	StateUploading        State = "uploading"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateCleanupSucceeded State = "cleanup_succeeded"
	StateCleanupPartial   State = "cleanup_partial"
	StateCleanupFailed    State = "cleanup_failed"
)

// Status is the outcome reported to callers.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusPartial is only used by cleanup runs.
	StatusPartial Status = "partial"
)

// BackupResult is the outcome of one backup run. Artifact is set iff the run
// succeeded; Err is set iff it failed. A cleanup pass triggered by the run
// never changes Status.
type BackupResult struct {
	RunID          string
	DatabaseID     string
	Engine         database.Engine
	SchedulePrefix string
	Bucket         string

	Status Status
	State  State
	// FailedStage is the step that was active when the run failed.
	FailedStage State
	Err         error

	Artifact *artifact.Artifact
	Location string

	Cleanup      *CleanupResult
	DeletedCount int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether an artifact was stored.
func (r *BackupResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ErrorKind classifies Err.
func (r *BackupResult) ErrorKind() errdefs.Kind {
	return errdefs.KindOf(r.Err)
}

// Duration is the wall time of the run including any cleanup.
func (r *BackupResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// CleanupResult is the outcome of one retention pass.
type CleanupResult struct {
	RunID          string
	DatabaseID     string
	SchedulePrefix string
	Bucket         string
	RetentionDays  int

	Status Status
	State  State
	Err    error

	Deleted  []string
	Failed   map[string]error
	Retained int
	Ignored  int

	StartedAt  time.Time
	FinishedAt time.Time
}

// FailedKeys returns the keys that could not be deleted, sorted.
func (r *CleanupResult) FailedKeys() []string {
	return (&errdefs.PartialCleanupError{Failed: r.Failed}).FailedKeys()
}
