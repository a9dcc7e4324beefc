// Package history persists backup and cleanup runs to the metadata database.
package history

import (
	"context"
	"net"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/dbsavr/pkg/config"
)

// Operation values.
const (
	OperationBackup    = "backup"
	OperationCleanup   = "cleanup"
	OperationRecovered = "recovered"
)

// Run is one row of the backup_runs table.
type Run struct {
	ID             string  `gorm:"primaryKey;type:varchar(36)"`
	Operation      string  `gorm:"type:varchar(16);not null;index"`
	DatabaseID     string  `gorm:"type:varchar(255);not null;index:idx_runs_database_started,priority:1"`
	Engine         string  `gorm:"type:varchar(32)"`
	SchedulePrefix string  `gorm:"type:varchar(255)"`
	Status         string  `gorm:"type:varchar(32);not null"`
	ErrorKind      string  `gorm:"type:varchar(32)"`
	ErrorMessage   string  `gorm:"type:text"`
	Bucket         string  `gorm:"type:varchar(255)"`
	ObjectKey      *string `gorm:"type:varchar(700);uniqueIndex"`
	SizeBytes      int64
	DurationMs     int64
	DeletedCount   int
	FailedCount    int
	StartedAt      time.Time `gorm:"not null;index:idx_runs_database_started,priority:2"`
	FinishedAt     time.Time
}

// TableName specifies the table name for the Run model
func (Run) TableName() string {
	return "backup_runs"
}

// Key returns the object key or an empty string.
func (r Run) Key() string {
	if r.ObjectKey == nil {
		return ""
	}
	return *r.ObjectKey
}

// Store reads and writes run records.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the metadata database and migrates it when configured to.
func Open(cfg config.MetadataDBConfig, log logrus.FieldLogger) (*Store, error) {
	dsn := gomysql.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}

	logLevel := logger.Silent
	if l, ok := log.(*logrus.Logger); ok && l.IsLevelEnabled(logrus.DebugLevel) {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn.FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to metadata database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database connection")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime); err == nil {
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	store := New(db)
	if cfg.AutoMigrate {
		log.Info("Running database migrations for backup_runs")
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	log.Infof("Connected to metadata database at %s", dsn.Addr)
	return store, nil
}

// Migrate creates or updates the backup_runs table.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&Run{}); err != nil {
		return errors.Wrap(err, "failed to migrate backup_runs")
	}
	return nil
}

// Record inserts a run.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return errors.Wrapf(err, "failed to record %s run %s", run.Operation, run.ID)
	}
	return nil
}

// Recent returns the latest runs of a database, newest first.
func (s *Store) Recent(ctx context.Context, databaseID string, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).
		Where("database_id = ?", databaseID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load history of %s", databaseID)
	}
	return runs, nil
}

// Import inserts runs, skipping those whose object key is already recorded.
// It returns the number of rows inserted.
func (s *Store) Import(ctx context.Context, runs []Run) (int64, error) {
	if len(runs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(runs, 500)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to import runs")
	}
	return res.RowsAffected, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database connection")
	}
	return sqlDB.Close()
}
