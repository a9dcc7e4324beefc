// Package artifact builds and parses the object keys backups are stored under.
//
// Keys have the layout
//
//	{prefix}/{database_id}/[{schedule_prefix}/]{database_id}_{YYYYMMDD}_{HHMMSS}.{ext}
//
// where the timestamp is UTC. The artifact's creation time is always taken
// from the key so retention works the same on every storage backend.
package artifact

import (
	"path"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the time format embedded in artifact names.
const TimestampLayout = "20060102_150405"

var namePattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})\.(sql\.gz|tar\.gz)$`)

// Artifact is a stored backup object.
type Artifact struct {
	Key            string
	DatabaseID     string
	SchedulePrefix string
	Timestamp      time.Time
	Ext            string
	Size           int64
	// Duration of the run that produced the artifact; zero when listed from storage.
	Duration time.Duration
}

// Name returns the final path element of the key.
func (a Artifact) Name() string {
	return path.Base(a.Key)
}

// Key builds the object key for a backup started at ts.
func Key(prefix, databaseID, schedulePrefix string, ts time.Time, ext string) string {
	name := databaseID + "_" + ts.UTC().Format(TimestampLayout) + "." + ext
	return join(prefix, databaseID, schedulePrefix, name)
}

// ScopePrefix returns the listing prefix holding a database's artifacts,
// optionally narrowed to one schedule. It always ends with a slash so that
// "app" does not match "app2".
func ScopePrefix(prefix, databaseID, schedulePrefix string) string {
	return join(prefix, databaseID, schedulePrefix) + "/"
}

// Parse recognises key as an artifact of databaseID below prefix. Keys that
// do not follow the naming scheme return false and must be left alone.
func Parse(prefix, databaseID, key string) (Artifact, bool) {
	scope := ScopePrefix(prefix, databaseID, "")
	if !strings.HasPrefix(key, scope) {
		return Artifact{}, false
	}
	rest := strings.TrimPrefix(key, scope)
	dir, name := path.Split(rest)

	m := namePattern.FindStringSubmatch(name)
	if m == nil || m[1] != databaseID {
		return Artifact{}, false
	}
	ts, err := time.ParseInLocation(TimestampLayout, m[2], time.UTC)
	if err != nil {
		return Artifact{}, false
	}

	if strings.HasPrefix(dir, "/") || strings.Contains(dir, "//") {
		return Artifact{}, false
	}
	schedulePrefix := strings.TrimSuffix(dir, "/")

	return Artifact{
		Key:            key,
		DatabaseID:     databaseID,
		SchedulePrefix: schedulePrefix,
		Timestamp:      ts,
		Ext:            m[3],
	}, true
}

func join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
