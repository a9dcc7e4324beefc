package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir        string
	configPath string
	backupDir  string
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		backupDir:  filepath.Join(dir, "store"),
	}

	dump := writeScript(t, dir, "pg_dump", `echo "CREATE TABLE orders (id int);"`)
	broken := writeScript(t, dir, "mysqldump", `echo "Access denied for user" >&2; exit 2`)

	cfg := fmt.Sprintf(`
databases:
  myapp_db:
    type: postgresql
    host: db.internal
    username: backup
    password: s3cret
    database: myapp
    dump_binary: %s
  legacy_db:
    type: mysql
    host: legacy.internal
    database: legacy
    dump_binary: %s
s3:
  bucket_name: backups
  prefix: dbsavr
storage:
  backend: local
  local_directory: %s
pipeline:
  work_dir: %s
log_level: error
`, dump, broken, f.backupDir, dir)
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o600))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&app{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", f.configPath))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) seed(t *testing.T, key string) string {
	t.Helper()
	path := filepath.Join(f.backupDir, "backups", filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	return path
}

func TestBackupCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "backup", "myapp_db")
	require.NoError(t, err)
	assert.Contains(t, out, "Backup succeeded: myapp_db\n")
	assert.Contains(t, out, "Location: s3://backups/dbsavr/myapp_db/myapp_db_")

	matches, err := filepath.Glob(filepath.Join(f.backupDir, "backups", "dbsavr", "myapp_db", "myapp_db_*.sql.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	file, err := os.Open(matches[0])
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE orders (id int);\n", string(data))
}

func TestBackupCommandWithPrefixAndCleanup(t *testing.T) {
	f := newFixture(t)
	old := f.seed(t, "dbsavr/myapp_db/manual/myapp_db_20200101_000000.sql.gz")
	other := f.seed(t, "dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")

	out, err := f.run(t, "backup", "myapp_db", "--prefix", "manual", "--cleanup", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Backup succeeded: myapp_db/manual\n")
	assert.Contains(t, out, "Deleted old backups: 1\n")

	assert.NoFileExists(t, old)
	assert.FileExists(t, other)
}

func TestBackupCommandFailure(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "backup", "legacy_db")
	require.Error(t, err)
	assert.Equal(t, "1 of 1 backups failed", err.Error())
	assert.Contains(t, out, "Backup failed: legacy_db [dump during dumping]")
	assert.Contains(t, out, "Access denied for user")

	var files []string
	_ = filepath.WalkDir(f.backupDir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	assert.Empty(t, files)
}

func TestBackupAll(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "backup", "--all")
	require.Error(t, err)
	assert.Equal(t, "1 of 2 backups failed", err.Error())
	assert.Contains(t, out, "Backup failed: legacy_db")
	assert.Contains(t, out, "Backup succeeded: myapp_db")
}

func TestBackupRequiresTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "backup")
	require.EqualError(t, err, "specify either a database or --all")

	_, err = f.run(t, "backup", "myapp_db", "--all")
	require.EqualError(t, err, "specify either a database or --all")
}

func TestCleanupCommand(t *testing.T) {
	f := newFixture(t)
	expired := f.seed(t, "dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")
	foreign := f.seed(t, "dbsavr/myapp_db/notes.txt")

	out, err := f.run(t, "cleanup", "myapp_db")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleanup myapp_db: success (30 days) deleted=1 failed=0 retained=0")
	assert.Contains(t, out, "deleted dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")

	assert.NoFileExists(t, expired)
	assert.FileExists(t, foreign)
}

func TestCleanupRejectsInvalidRetention(t *testing.T) {
	f := newFixture(t)
	kept := f.seed(t, "dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")

	out, err := f.run(t, "cleanup", "myapp_db", "--days", "-3")
	require.Error(t, err)
	assert.Contains(t, out, "failure")
	assert.FileExists(t, kept)
}

func TestListBackups(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")
	f.seed(t, "dbsavr/myapp_db/daily/myapp_db_20210101_000000.sql.gz")

	out, err := f.run(t, "list-backups", "myapp_db")
	require.NoError(t, err)
	newer := strings.Index(out, "myapp_db_20210101_000000")
	older := strings.Index(out, "myapp_db_20200101_000000")
	require.NotEqual(t, -1, newer)
	require.NotEqual(t, -1, older)
	assert.Less(t, newer, older)
	assert.Contains(t, out, "2021-01-01 00:00:00")

	out, err = f.run(t, "list-backups", "myapp_db", "--prefix", "daily")
	require.NoError(t, err)
	assert.NotContains(t, out, "20200101")

	out, err = f.run(t, "list-backups", "legacy_db")
	require.NoError(t, err)
	assert.Equal(t, "No backups found\n", out)
}

func TestListBackupsPresignNeedsS3(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "dbsavr/myapp_db/myapp_db_20200101_000000.sql.gz")

	_, err := f.run(t, "list-backups", "myapp_db", "--presign", "15m")
	require.EqualError(t, err, "presigned URLs require the s3 storage backend")
}

func TestListDatabases(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "list-databases")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ENGINE")
	assert.Contains(t, lines[1], "legacy_db")
	assert.Contains(t, lines[1], "legacy.internal:3306")
	assert.Contains(t, lines[2], "myapp_db")
	assert.Contains(t, lines[2], "postgresql")
}

func TestListSchedulesEmpty(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "list-schedules")
	require.NoError(t, err)
	assert.Equal(t, "No schedules configured\n", out)
}

func TestListSchedulesCount(t *testing.T) {
	f := newFixture(t)
	cfg, err := os.ReadFile(f.configPath)
	require.NoError(t, err)
	cfg = append(cfg, []byte(`
schedules:
  - database_name: myapp_db
    cron_expression: "0 2 * * *"
    retention_days: 7
    prefix: daily
`)...)
	require.NoError(t, os.WriteFile(f.configPath, cfg, 0o600))

	out, err := f.run(t, "list-schedules", "--count", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "myapp_db")
	assert.Contains(t, lines[1], "daily")
	assert.Contains(t, lines[1], "7d")
	for _, line := range lines[1:] {
		assert.Contains(t, line, " 02:00:00")
	}

	out, err = f.run(t, "list-schedules")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	_, err = f.run(t, "list-schedules", "--count", "0")
	require.EqualError(t, err, "--count must be at least 1, got 0")
}

func TestMissingConfig(t *testing.T) {
	cmd := newRootCmd(&app{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"list-databases", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd(&app{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}
