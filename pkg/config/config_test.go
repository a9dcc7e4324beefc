package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/dbsavr/pkg/database"
	"github.com/supporttools/dbsavr/pkg/errdefs"
)

const sampleConfig = `
databases:
  myapp_db:
    type: postgresql
    host: db.internal
    username: backup
    password: s3cret
    database: myapp
    options:
      extra_args: ["--exclude-table=audit_log"]
  events:
    type: mongo
    host: mongo.internal
    port: 27018
    username: root
    password: rootpw
    database: events
    bucket_name: events-backups
    options:
      auth_db: admin
s3:
  bucket_name: backups
  prefix: dbsavr
schedules:
  - database_name: myapp_db
    cron_expression: "0 2 * * *"
    retention_days: 7
    prefix: daily
  - database_name: myapp_db
    cron_expression: "0 3 * * 0"
    retention_days: 90
    prefix: weekly
    cleanup_after_backup: true
workers: 3
`

func parseSample(t *testing.T) *AppConfig {
	t.Helper()
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	return cfg
}

func requireConfigError(t *testing.T, err error, field string) {
	t.Helper()
	var cfgErr *errdefs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, field, cfgErr.Field)
}

func TestParseDefaults(t *testing.T) {
	cfg := parseSample(t)

	assert.Equal(t, BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, time.Hour, cfg.Timeout())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "9090", cfg.Metrics.Port)
	assert.Equal(t, []string{"events", "myapp_db"}, cfg.DatabaseIDs())
}

func TestTarget(t *testing.T) {
	cfg := parseSample(t)

	target, err := cfg.Target("events")
	require.NoError(t, err)
	assert.Equal(t, database.Target{
		ID:           "events",
		Engine:       database.EngineMongo,
		Host:         "mongo.internal",
		Port:         27018,
		Username:     "root",
		Password:     "rootpw",
		Database:     "events",
		AuthDatabase: "admin",
		Bucket:       "events-backups",
	}, target)

	target, err = cfg.Target("myapp_db")
	require.NoError(t, err)
	assert.Equal(t, "backups", target.Bucket)
	assert.Equal(t, []string{"--exclude-table=audit_log"}, target.ExtraArgs)

	_, err = cfg.Target("missing")
	requireConfigError(t, err, "databases")
}

func TestDestination(t *testing.T) {
	cfg := parseSample(t)
	dest, err := cfg.Destination("myapp_db")
	require.NoError(t, err)
	assert.Equal(t, "backups", dest.Bucket)
	assert.Equal(t, "dbsavr", dest.Prefix)
	assert.Equal(t, "s3://backups/dbsavr/x", dest.URL("dbsavr/x"))
}

func TestRetention(t *testing.T) {
	cfg := parseSample(t)

	p, err := cfg.RetentionFor("myapp_db", "weekly")
	require.NoError(t, err)
	assert.Equal(t, 90, p.Days)
	assert.Equal(t, "dbsavr/myapp_db/weekly/", p.ListPrefix())

	p, err = cfg.RetentionFor("myapp_db", "")
	require.NoError(t, err)
	assert.Equal(t, 7, p.Days)
	assert.Equal(t, "dbsavr/myapp_db/", p.ListPrefix())

	p, err = cfg.RetentionFor("events", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRetentionDays, p.Days)

	policies, err := cfg.RetentionPolicies("myapp_db")
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "daily", policies[0].SchedulePrefix)
	assert.Equal(t, 90, policies[1].Days)

	assert.Equal(t, []string{"daily", "weekly"}, cfg.SchedulePrefixes("myapp_db"))
	assert.Equal(t, []string{""}, cfg.SchedulePrefixes("events"))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "no databases",
			yaml:  "s3: {bucket_name: b}",
			field: "databases",
		},
		{
			name: "missing host",
			yaml: `
databases:
  app: {type: mysql, database: app}
s3: {bucket_name: b}`,
			field: "databases[app].host",
		},
		{
			name: "slash in database id",
			yaml: `
databases:
  team/app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}`,
			field: "databases[team/app]",
		},
		{
			name: "unknown engine",
			yaml: `
databases:
  app: {type: oracle, host: h, database: app}
s3: {bucket_name: b}`,
			field: "app.type",
		},
		{
			name: "no bucket",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}`,
			field: "app.bucket_name",
		},
		{
			name: "schedule for unknown database",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}
schedules:
  - {database_name: other, cron_expression: "0 2 * * *"}`,
			field: "schedules[0].database_name",
		},
		{
			name: "bad cron",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}
schedules:
  - {database_name: app, cron_expression: "every day"}`,
			field: "schedules[0].cron_expression",
		},
		{
			name: "negative retention",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}
schedules:
  - {database_name: app, cron_expression: "0 2 * * *", retention_days: -1}`,
			field: "schedules[0].retention_days",
		},
		{
			name: "local backend without directory",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
storage: {backend: local}`,
			field: "storage.local_directory",
		},
		{
			name: "bad timeout",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}
pipeline: {timeout: soon}`,
			field: "pipeline.timeout",
		},
		{
			name: "email without smtp",
			yaml: `
databases:
  app: {type: mysql, host: h, database: app}
s3: {bucket_name: b}
notifications_email: ops@example.com`,
			field: "smtp.server",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			requireConfigError(t, err, tt.field)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("S3_BUCKET", "env-bucket")
	t.Setenv("S3_PATH_STYLE", "yes")
	t.Setenv("WORKERS", "8")
	t.Setenv("SMTP_USE_TLS", "true")

	cfg := parseSample(t)
	assert.Equal(t, "env-bucket", cfg.S3.BucketName)
	assert.True(t, cfg.S3.PathStyle)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbsavr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	requireConfigError(t, err, "")
}

func TestDisplayConfigurationMasksSecrets(t *testing.T) {
	cfg := parseSample(t)
	cfg.S3.SecretKey = "AKIASECRETVALUE"

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	cfg.DisplayConfiguration(logger)

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		line, err := e.String()
		require.NoError(t, err)
		assert.NotContains(t, line, "s3cret")
		assert.NotContains(t, line, "AKIASECRETVALUE")
	}
}

func TestDisplayConfigurationShowsDefaultPort(t *testing.T) {
	cfg := parseSample(t)

	logger, hook := test.NewNullLogger()
	cfg.DisplayConfiguration(logger)

	ports := map[string]interface{}{}
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Database: ") {
			ports[strings.TrimPrefix(e.Message, "Database: ")] = e.Data["port"]
		}
	}
	assert.Equal(t, map[string]interface{}{"events": 27018, "myapp_db": 5432}, ports)
}

func TestMaskSensitiveInfo(t *testing.T) {
	assert.Equal(t, "[not set]", maskSensitiveInfo(""))
	assert.Equal(t, "****", maskSensitiveInfo("abcd"))
	assert.Equal(t, "s3****et", maskSensitiveInfo("s3cret"))
}
