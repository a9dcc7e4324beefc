package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	local := time.FixedZone("CET", 3600)
	ts := time.Date(2025, 3, 12, 11, 4, 5, 0, local)

	tests := []struct {
		name     string
		prefix   string
		schedule string
		ext      string
		want     string
	}{
		{"with schedule", "backups", "daily", "sql.gz", "backups/myapp_db/daily/myapp_db_20250312_100405.sql.gz"},
		{"without schedule", "backups", "", "tar.gz", "backups/myapp_db/myapp_db_20250312_100405.tar.gz"},
		{"empty prefix", "", "", "sql.gz", "myapp_db/myapp_db_20250312_100405.sql.gz"},
		{"slashes trimmed", "/backups/", "/hourly/", "sql.gz", "backups/myapp_db/hourly/myapp_db_20250312_100405.sql.gz"},
		{"nested prefix", "prod/db", "daily", "sql.gz", "prod/db/myapp_db/daily/myapp_db_20250312_100405.sql.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.prefix, "myapp_db", tt.schedule, ts, tt.ext))
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 59, 59, 987654321, time.UTC)

	for _, schedule := range []string{"", "daily", "tier/weekly"} {
		for _, prefix := range []string{"", "backups", "a/b"} {
			key := Key(prefix, "orders_db", schedule, ts, "sql.gz")
			a, ok := Parse(prefix, "orders_db", key)
			require.True(t, ok, key)
			assert.Equal(t, "orders_db", a.DatabaseID)
			assert.Equal(t, schedule, a.SchedulePrefix)
			assert.True(t, a.Timestamp.Equal(ts.Truncate(time.Second)), key)
			assert.Equal(t, "sql.gz", a.Ext)
			assert.Equal(t, key, a.Key)
		}
	}
}

func TestParseIgnoresForeignKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"other database", "backups/myapp_db/other_db_20250312_100405.sql.gz"},
		{"prefix collision", "backups/myapp_db2/myapp_db2_20250312_100405.sql.gz"},
		{"missing timestamp", "backups/myapp_db/myapp_db.sql.gz"},
		{"bad extension", "backups/myapp_db/myapp_db_20250312_100405.sql"},
		{"impossible date", "backups/myapp_db/myapp_db_20251340_100405.sql.gz"},
		{"readme", "backups/myapp_db/README.txt"},
		{"outside prefix", "elsewhere/myapp_db/myapp_db_20250312_100405.sql.gz"},
		{"empty segment", "backups/myapp_db//myapp_db_20250312_100405.sql.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse("backups", "myapp_db", tt.key)
			assert.False(t, ok)
		})
	}
}

func TestParseDatabaseIDWithUnderscores(t *testing.T) {
	a, ok := Parse("backups", "my_app_db", "backups/my_app_db/daily/my_app_db_20250101_000000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, "daily", a.SchedulePrefix)
	assert.Equal(t, "tar.gz", a.Ext)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), a.Timestamp)
	assert.Equal(t, "my_app_db_20250101_000000.tar.gz", a.Name())
}

func TestScopePrefix(t *testing.T) {
	assert.Equal(t, "backups/myapp_db/", ScopePrefix("backups", "myapp_db", ""))
	assert.Equal(t, "backups/myapp_db/daily/", ScopePrefix("backups/", "myapp_db", "daily"))
	assert.Equal(t, "myapp_db/", ScopePrefix("", "myapp_db", ""))
}
