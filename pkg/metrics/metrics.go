// Package metrics provides Prometheus metrics for backup and retention runs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups performed
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsavr_backup_total",
		Help: "The total number of backups performed",
	}, []string{"database", "engine", "status"})

	// BackupDuration measures time taken to dump, compress and upload a backup
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbsavr_backup_duration_seconds",
		Help:    "Time taken to perform a backup",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"database"})

	// BackupSize tracks size of the last uploaded artifact in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsavr_backup_size_bytes",
		Help: "Size of the last backup artifact in bytes",
	}, []string{"database"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbsavr_backup_last_success_timestamp",
		Help: "Unix timestamp of the last successful backup",
	}, []string{"database"})

	// BackupFailures counts failed backups by error kind
	BackupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsavr_backup_failures_total",
		Help: "The total number of failed backups by error kind",
	}, []string{"database", "kind"})

	// RetentionDeletes counts objects handled by retention cleanup
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsavr_retention_deletes_total",
		Help: "The total number of expired backups deleted or failed to delete",
	}, []string{"database", "result"})

	// UploadBytes counts compressed bytes written to object storage
	UploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsavr_upload_bytes_total",
		Help: "The total number of compressed bytes uploaded",
	}, []string{"database"})
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// RecordBackupSuccess updates the metrics of a successful backup.
func RecordBackupSuccess(database, engine string, size int64, duration time.Duration, at time.Time) {
	BackupCount.WithLabelValues(database, engine, StatusSuccess).Inc()
	BackupDuration.WithLabelValues(database).Observe(duration.Seconds())
	BackupSize.WithLabelValues(database).Set(float64(size))
	UploadBytes.WithLabelValues(database).Add(float64(size))
	LastBackupTimestamp.WithLabelValues(database).Set(float64(at.Unix()))
}

// RecordBackupFailure updates the metrics of a failed backup.
func RecordBackupFailure(database, engine, kind string, duration time.Duration) {
	BackupCount.WithLabelValues(database, engine, StatusFailure).Inc()
	BackupDuration.WithLabelValues(database).Observe(duration.Seconds())
	BackupFailures.WithLabelValues(database, kind).Inc()
}

// RecordCleanup counts deleted and failed retention deletions.
func RecordCleanup(database string, deleted, failed int) {
	RetentionDeletes.WithLabelValues(database, "deleted").Add(float64(deleted))
	RetentionDeletes.WithLabelValues(database, "failed").Add(float64(failed))
}

// NewServer returns the HTTP server for metrics and health check endpoints.
// Each register func may add routes to the same mux.
func NewServer(port string, register ...func(*http.ServeMux)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	for _, fn := range register {
		fn(mux)
	}

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// StartMetricsServer serves metrics until ctx is cancelled.
func StartMetricsServer(ctx context.Context, port string, logger logrus.FieldLogger, register ...func(*http.ServeMux)) error {
	server := NewServer(port, register...)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting metrics server on port %s", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to stop metrics server")
	}
	<-errCh
	logger.Info("Metrics server stopped")
	return nil
}
