// Package retention decides which stored artifacts have outlived their
// retention window. It performs no I/O.
package retention

import (
	"strings"
	"time"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

// Policy is a retention rule for one database, optionally narrowed to a
// schedule prefix.
type Policy struct {
	DatabaseID     string
	Days           int
	Prefix         string
	SchedulePrefix string
}

// Validate rejects windows shorter than one day.
func (p Policy) Validate() error {
	if p.DatabaseID == "" {
		return errdefs.NewConfigurationError("database", "database identifier is required")
	}
	if p.Days < 1 {
		return errdefs.NewConfigurationError(p.DatabaseID+".retention_days", "retention must be at least 1 day, got %d", p.Days)
	}
	return nil
}

// Window is the age an artifact must exceed to expire.
func (p Policy) Window() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// ListPrefix is the object store prefix the policy applies to.
func (p Policy) ListPrefix() string {
	return artifact.ScopePrefix(p.Prefix, p.DatabaseID, p.SchedulePrefix)
}

// Decision partitions a listing.
type Decision struct {
	Expired  []artifact.Artifact
	Retained []artifact.Artifact
	// Ignored holds keys that are not artifacts of the policy's scope.
	Ignored []string
}

// ExpiredKeys returns the keys to delete.
func (d Decision) ExpiredKeys() []string {
	keys := make([]string, len(d.Expired))
	for i, a := range d.Expired {
		keys[i] = a.Key
	}
	return keys
}

// Evaluate applies the policy at now. An artifact expires only when its age
// is strictly greater than the window; age is taken from the key, never from
// object metadata.
func Evaluate(p Policy, now time.Time, objects []storage.ObjectInfo) Decision {
	var d Decision
	window := p.Window()
	schedule := strings.Trim(p.SchedulePrefix, "/")

	for _, obj := range objects {
		a, ok := artifact.Parse(p.Prefix, p.DatabaseID, obj.Key)
		if !ok || (schedule != "" && a.SchedulePrefix != schedule) {
			d.Ignored = append(d.Ignored, obj.Key)
			continue
		}
		a.Size = obj.Size
		if now.Sub(a.Timestamp) > window {
			d.Expired = append(d.Expired, a)
		} else {
			d.Retained = append(d.Retained, a)
		}
	}
	return d
}
