// Package config provides configuration loading and management for dbsavr
package config

import (
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/database"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/retention"
	"github.com/supporttools/dbsavr/pkg/schedule"
	"github.com/supporttools/dbsavr/pkg/storage"
)

const (
	// DefaultPath is used when neither --config nor DBSAVR_CONFIG is set.
	DefaultPath = "config.yaml"
	// DefaultRetentionDays applies to databases without a schedule.
	DefaultRetentionDays = 30

	BackendS3    = "s3"
	BackendLocal = "local"
)

// DatabaseOptions holds engine specific settings
type DatabaseOptions struct {
	ExtraArgs []string `yaml:"extra_args"`
	AuthDB    string   `yaml:"auth_db"`
}

// DatabaseConfig defines one database to back up
type DatabaseConfig struct {
	Type       string          `yaml:"type" validate:"required"`
	Host       string          `yaml:"host" validate:"required"`
	Port       int             `yaml:"port" validate:"gte=0,lte=65535"`
	Username   string          `yaml:"username"`
	Password   string          `yaml:"password"`
	Database   string          `yaml:"database" validate:"required"`
	BucketName string          `yaml:"bucket_name"`
	DumpBinary string          `yaml:"dump_binary"`
	Options    DatabaseOptions `yaml:"options"`
}

// S3Config defines S3 storage settings
type S3Config struct {
	BucketName         string `yaml:"bucket_name"`
	Prefix             string `yaml:"prefix"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle          bool   `yaml:"path_style"`
	AccessKey          string `yaml:"access_key"`
	SecretKey          string `yaml:"secret_key"`
	CustomCAPath       string `yaml:"custom_ca_path"`
	SkipCertValidation bool   `yaml:"skip_cert_validation"`
}

// StorageConfig selects the object store backend
type StorageConfig struct {
	Backend        string `yaml:"backend" validate:"omitempty,oneof=s3 local"`
	LocalDirectory string `yaml:"local_directory"`
}

// ScheduleConfig binds a cron expression and retention rule to a database
type ScheduleConfig struct {
	DatabaseName       string `yaml:"database_name" validate:"required"`
	CronExpression     string `yaml:"cron_expression" validate:"required"`
	RetentionDays      int    `yaml:"retention_days"`
	Prefix             string `yaml:"prefix"`
	CleanupAfterBackup bool   `yaml:"cleanup_after_backup"`
}

// PipelineConfig tunes dump execution
type PipelineConfig struct {
	Timeout          string `yaml:"timeout"`
	CompressionLevel int    `yaml:"compression_level" validate:"gte=0,lte=9"`
	PartSizeMB       int    `yaml:"part_size_mb" validate:"gte=0"`
	WorkDir          string `yaml:"work_dir"`
}

// SMTPConfig defines the mail relay used for notifications
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender" validate:"omitempty,email"`
	UseTLS   bool   `yaml:"use_tls"`
	UseSSL   bool   `yaml:"use_ssl"`
}

// MetadataDBConfig defines MySQL connection settings for the run history database
type MetadataDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Databases          map[string]DatabaseConfig `yaml:"databases" validate:"required,min=1,dive"`
	S3                 S3Config                  `yaml:"s3"`
	Storage            StorageConfig             `yaml:"storage"`
	Schedules          []ScheduleConfig          `yaml:"schedules" validate:"dive"`
	Workers            int                       `yaml:"workers" validate:"gte=0"`
	Pipeline           PipelineConfig            `yaml:"pipeline"`
	LogLevel           string                    `yaml:"log_level"`
	LogFormat          string                    `yaml:"log_format" validate:"omitempty,oneof=text json"`
	NotificationsEmail string                    `yaml:"notifications_email" validate:"omitempty,email"`
	SMTP               SMTPConfig                `yaml:"smtp"`
	MetadataDB         MetadataDBConfig          `yaml:"metadata_database"`
	Metrics            MetricsConfig             `yaml:"metrics"`

	ConfigFile string `yaml:"-"`
}

// Load reads the configuration file at path, applies .env and environment
// overrides and validates the result.
func Load(path string) (*AppConfig, error) {
	if path == "" {
		path = getEnvOrDefault("DBSAVR_CONFIG", DefaultPath)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.NewConfigurationError("", "failed to read %s: %v", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.NewConfigurationError("", "invalid YAML: %v", err)
	}
	cfg.applyEnvironment()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overrides file values with environment variables
func (c *AppConfig) applyEnvironment() {
	c.S3.BucketName = getEnvOrDefault("S3_BUCKET", c.S3.BucketName)
	c.S3.Prefix = getEnvOrDefault("S3_PREFIX", c.S3.Prefix)
	c.S3.Region = getEnvOrDefault("S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", c.S3.PathStyle)
	c.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", c.S3.CustomCAPath)
	c.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", c.S3.SkipCertValidation)

	c.Storage.Backend = getEnvOrDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", c.Storage.LocalDirectory)

	c.Workers = parseEnvInt("WORKERS", c.Workers)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.NotificationsEmail = getEnvOrDefault("NOTIFICATIONS_EMAIL", c.NotificationsEmail)

	c.SMTP.Server = getEnvOrDefault("SMTP_SERVER", c.SMTP.Server)
	c.SMTP.Port = parseEnvInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnvOrDefault("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnvOrDefault("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.Sender = getEnvOrDefault("SMTP_SENDER", c.SMTP.Sender)
	c.SMTP.UseTLS = parseEnvBool("SMTP_USE_TLS", c.SMTP.UseTLS)
	c.SMTP.UseSSL = parseEnvBool("SMTP_USE_SSL", c.SMTP.UseSSL)

	c.MetadataDB.Enabled = parseEnvBool("METADATA_DB_ENABLED", c.MetadataDB.Enabled)
	c.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", c.MetadataDB.Host)
	c.MetadataDB.Port = parseEnvInt("METADATA_DB_PORT", c.MetadataDB.Port)
	c.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", c.MetadataDB.Username)
	c.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", c.MetadataDB.Password)
	c.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", c.MetadataDB.Database)
	c.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", c.MetadataDB.AutoMigrate)

	c.Metrics.Port = getEnvOrDefault("METRICS_PORT", c.Metrics.Port)
}

// setDefaults ensures all config fields have reasonable default values
func (c *AppConfig) setDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendS3
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.Pipeline.Timeout == "" {
		c.Pipeline.Timeout = "1h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Metrics.Port == "" {
		c.Metrics.Port = "9090"
	}
	for i := range c.Schedules {
		if c.Schedules[i].RetentionDays == 0 {
			c.Schedules[i].RetentionDays = DefaultRetentionDays
		}
	}

	if c.SMTP.Port == 0 {
		switch {
		case c.SMTP.UseTLS:
			c.SMTP.Port = 587
		case c.SMTP.UseSSL:
			c.SMTP.Port = 465
		default:
			c.SMTP.Port = 25
		}
	}

	if c.MetadataDB.Enabled {
		if c.MetadataDB.Host == "" {
			c.MetadataDB.Host = "localhost"
		}
		if c.MetadataDB.Port == 0 {
			c.MetadataDB.Port = 3306
		}
		if c.MetadataDB.Database == "" {
			c.MetadataDB.Database = "dbsavr"
		}
		if c.MetadataDB.MaxOpenConns == 0 {
			c.MetadataDB.MaxOpenConns = 10
		}
		if c.MetadataDB.MaxIdleConns == 0 {
			c.MetadataDB.MaxIdleConns = 5
		}
		if c.MetadataDB.ConnMaxLifetime == "" {
			c.MetadataDB.ConnMaxLifetime = "5m"
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration. The first problem found is returned
// as an errdefs.ConfigurationError.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
			return errdefs.NewConfigurationError(field, "failed %q validation", fe.Tag())
		}
		return errdefs.NewConfigurationError("", "%v", err)
	}

	for _, id := range c.DatabaseIDs() {
		if strings.Contains(id, "/") {
			return errdefs.NewConfigurationError("databases["+id+"]", "database identifier must not contain '/'")
		}
		t, err := c.Target(id)
		if err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if c.Storage.Backend == BackendS3 && t.Bucket == "" {
			return errdefs.NewConfigurationError(id+".bucket_name", "no bucket configured and s3.bucket_name is empty")
		}
	}

	for i, s := range c.Schedules {
		field := "schedules[" + strconv.Itoa(i) + "]"
		if _, ok := c.Databases[s.DatabaseName]; !ok {
			return errdefs.NewConfigurationError(field+".database_name", "unknown database %q", s.DatabaseName)
		}
		if _, err := schedule.Parse(s.CronExpression); err != nil {
			return errdefs.NewConfigurationError(field+".cron_expression", "invalid cron expression %q", s.CronExpression)
		}
		if s.RetentionDays < 1 {
			return errdefs.NewConfigurationError(field+".retention_days", "retention must be at least 1 day, got %d", s.RetentionDays)
		}
	}

	if c.Storage.Backend == BackendLocal && c.Storage.LocalDirectory == "" {
		return errdefs.NewConfigurationError("storage.local_directory", "required when storage.backend is local")
	}
	if c.S3.CustomCAPath != "" {
		if _, err := os.Stat(c.S3.CustomCAPath); err != nil {
			return errdefs.NewConfigurationError("s3.custom_ca_path", "%s is not accessible: %v", c.S3.CustomCAPath, err)
		}
	}
	if d, err := time.ParseDuration(c.Pipeline.Timeout); err != nil || d <= 0 {
		return errdefs.NewConfigurationError("pipeline.timeout", "invalid duration %q", c.Pipeline.Timeout)
	}
	if c.NotificationsEmail != "" && c.SMTP.Server == "" {
		return errdefs.NewConfigurationError("smtp.server", "required when notifications_email is set")
	}

	if c.MetadataDB.Enabled {
		if c.MetadataDB.Username == "" {
			return errdefs.NewConfigurationError("metadata_database.username", "required when enabled")
		}
		if _, err := time.ParseDuration(c.MetadataDB.ConnMaxLifetime); err != nil {
			return errdefs.NewConfigurationError("metadata_database.connMaxLifetime", "invalid duration %q", c.MetadataDB.ConnMaxLifetime)
		}
	}
	return nil
}

// DatabaseIDs returns the configured database identifiers in order.
func (c *AppConfig) DatabaseIDs() []string {
	ids := make([]string, 0, len(c.Databases))
	for id := range c.Databases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *AppConfig) database(id string) (DatabaseConfig, error) {
	db, ok := c.Databases[id]
	if !ok {
		return DatabaseConfig{}, errdefs.NewConfigurationError("databases", "database %q not found in configuration", id)
	}
	return db, nil
}

// Target resolves the dump target for a database.
func (c *AppConfig) Target(id string) (database.Target, error) {
	db, err := c.database(id)
	if err != nil {
		return database.Target{}, err
	}
	engine, err := database.ParseEngine(db.Type)
	if err != nil {
		return database.Target{}, errdefs.NewConfigurationError(id+".type", "unsupported database type %q", db.Type)
	}
	bucket := db.BucketName
	if bucket == "" {
		bucket = c.S3.BucketName
	}
	return database.Target{
		ID:           id,
		Engine:       engine,
		Host:         db.Host,
		Port:         db.Port,
		Username:     db.Username,
		Password:     db.Password,
		Database:     db.Database,
		AuthDatabase: db.Options.AuthDB,
		Bucket:       bucket,
		ExtraArgs:    db.Options.ExtraArgs,
		DumpBinary:   db.DumpBinary,
	}, nil
}

// Destination resolves where a database's artifacts are written.
func (c *AppConfig) Destination(id string) (storage.Destination, error) {
	t, err := c.Target(id)
	if err != nil {
		return storage.Destination{}, err
	}
	return storage.Destination{
		Bucket:    t.Bucket,
		Prefix:    c.S3.Prefix,
		Region:    c.S3.Region,
		Endpoint:  c.S3.Endpoint,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		PathStyle: c.S3.PathStyle,
	}, nil
}

// SchedulesFor returns the schedules of a database in configuration order.
func (c *AppConfig) SchedulesFor(id string) []ScheduleConfig {
	var out []ScheduleConfig
	for _, s := range c.Schedules {
		if s.DatabaseName == id {
			out = append(out, s)
		}
	}
	return out
}

// RetentionFor returns the retention rule for a database scoped to a
// schedule prefix. An empty prefix covers every artifact of the database and
// uses the first schedule's window.
func (c *AppConfig) RetentionFor(id, schedulePrefix string) (retention.Policy, error) {
	if _, err := c.database(id); err != nil {
		return retention.Policy{}, err
	}
	policy := retention.Policy{
		DatabaseID:     id,
		Days:           DefaultRetentionDays,
		Prefix:         c.S3.Prefix,
		SchedulePrefix: schedulePrefix,
	}
	schedules := c.SchedulesFor(id)
	if len(schedules) > 0 {
		policy.Days = schedules[0].RetentionDays
	}
	for _, s := range schedules {
		if s.Prefix == schedulePrefix {
			policy.Days = s.RetentionDays
			break
		}
	}
	return policy, nil
}

// RetentionPolicies returns one policy per schedule prefix of a database, or
// a single unscoped default policy when it has no schedule.
func (c *AppConfig) RetentionPolicies(id string) ([]retention.Policy, error) {
	schedules := c.SchedulesFor(id)
	if len(schedules) == 0 {
		p, err := c.RetentionFor(id, "")
		if err != nil {
			return nil, err
		}
		return []retention.Policy{p}, nil
	}
	seen := make(map[string]bool)
	var policies []retention.Policy
	for _, s := range schedules {
		if seen[s.Prefix] {
			continue
		}
		seen[s.Prefix] = true
		policies = append(policies, retention.Policy{
			DatabaseID:     id,
			Days:           s.RetentionDays,
			Prefix:         c.S3.Prefix,
			SchedulePrefix: s.Prefix,
		})
	}
	return policies, nil
}

// SchedulePrefixes returns the distinct schedule prefixes of a database. A
// database without schedules yields a single empty prefix.
func (c *AppConfig) SchedulePrefixes(id string) []string {
	schedules := c.SchedulesFor(id)
	if len(schedules) == 0 {
		return []string{""}
	}
	seen := make(map[string]bool)
	var prefixes []string
	for _, s := range schedules {
		if !seen[s.Prefix] {
			seen[s.Prefix] = true
			prefixes = append(prefixes, s.Prefix)
		}
	}
	return prefixes
}

// Timeout returns the per-run deadline.
func (c *AppConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.Timeout)
	if err != nil {
		return time.Hour
	}
	return d
}

// PartSize returns the multipart upload part size in bytes, zero for the default.
func (c *AppConfig) PartSize() int64 {
	return int64(c.Pipeline.PartSizeMB) << 20
}

// ListPrefix returns the listing prefix for a database scope.
func (c *AppConfig) ListPrefix(id, schedulePrefix string) string {
	return artifact.ScopePrefix(c.S3.Prefix, id, schedulePrefix)
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		return defaultValue
	}
}
