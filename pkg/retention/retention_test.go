package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

var now = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

func objectAt(prefix, db, sched string, ts time.Time) storage.ObjectInfo {
	return storage.ObjectInfo{Key: artifact.Key(prefix, db, sched, ts, "sql.gz"), Size: 42}
}

func daysAgo(d int) time.Time {
	return now.Add(-time.Duration(d) * 24 * time.Hour)
}

func TestEvaluateAges(t *testing.T) {
	p := Policy{DatabaseID: "myapp_db", Days: 30, Prefix: "backups"}

	var objects []storage.ObjectInfo
	for _, age := range []int{5, 29, 30, 31, 90} {
		objects = append(objects, objectAt("backups", "myapp_db", "", daysAgo(age)))
	}

	d := Evaluate(p, now, objects)
	assert.Equal(t, []string{
		artifact.Key("backups", "myapp_db", "", daysAgo(31), "sql.gz"),
		artifact.Key("backups", "myapp_db", "", daysAgo(90), "sql.gz"),
	}, d.ExpiredKeys())
	assert.Len(t, d.Retained, 3)
	assert.Empty(t, d.Ignored)
	assert.Equal(t, int64(42), d.Expired[0].Size)
}

func TestEvaluateBoundary(t *testing.T) {
	for _, days := range []int{1, 7, 30, 365} {
		p := Policy{DatabaseID: "db", Days: days}
		edge := now.Add(-p.Window())

		d := Evaluate(p, now, []storage.ObjectInfo{
			objectAt("", "db", "", edge),
			objectAt("", "db", "", edge.Add(-time.Second)),
		})
		require.Len(t, d.Expired, 1, "days=%d", days)
		assert.True(t, d.Expired[0].Timestamp.Equal(edge.Add(-time.Second)))
		require.Len(t, d.Retained, 1)
		assert.True(t, d.Retained[0].Timestamp.Equal(edge))
	}
}

func TestEvaluateIgnoresForeignKeys(t *testing.T) {
	p := Policy{DatabaseID: "app", Days: 1, Prefix: "backups"}
	old := daysAgo(100)

	d := Evaluate(p, now, []storage.ObjectInfo{
		{Key: "backups/app/README.txt"},
		{Key: "backups/app/app_latest.sql.gz"},
		{Key: "backups/app/app_20250101_000000.sql"},
		{Key: "backups/app/other_20200101_000000.sql.gz"},
		objectAt("backups", "app2", "", old),
		objectAt("backups", "app", "daily", old),
	})

	assert.Len(t, d.Ignored, 5)
	require.Len(t, d.Expired, 1)
	assert.Equal(t, "daily", d.Expired[0].SchedulePrefix)
}

func TestEvaluateSchedulePrefix(t *testing.T) {
	p := Policy{DatabaseID: "app", Days: 7, Prefix: "backups", SchedulePrefix: "daily"}
	old := daysAgo(10)

	d := Evaluate(p, now, []storage.ObjectInfo{
		objectAt("backups", "app", "daily", old),
		objectAt("backups", "app", "weekly", old),
		objectAt("backups", "app", "", old),
	})
	require.Len(t, d.Expired, 1)
	assert.Equal(t, "backups/app/daily/app_20250302_100000.sql.gz", d.Expired[0].Key)
	assert.Len(t, d.Ignored, 2)
	assert.Equal(t, "backups/app/daily/", p.ListPrefix())
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{DatabaseID: "db", Days: 1}.Validate())

	for _, days := range []int{0, -5} {
		err := Policy{DatabaseID: "db", Days: days}.Validate()
		var cfgErr *errdefs.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "db.retention_days", cfgErr.Field)
	}
}
