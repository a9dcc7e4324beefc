// Package adminserver exposes schedules, stored backups and manual triggers
// over HTTP next to the metrics endpoint of the scheduler.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/dbsavr/pkg/artifact"
	"github.com/supporttools/dbsavr/pkg/backup"
	"github.com/supporttools/dbsavr/pkg/config"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/scheduler"
)

// Backups is the part of the backup manager the server reads from.
type Backups interface {
	ListArtifacts(ctx context.Context, id, schedulePrefix string) ([]artifact.Artifact, error)
	RunCleanups(ctx context.Context, id string, retentionDays int) []*backup.CleanupResult
}

// Dispatcher runs backups through the scheduler's worker pool.
type Dispatcher interface {
	Dispatch(sc config.ScheduleConfig) *backup.BackupResult
	Upcoming() ([]scheduler.Upcoming, error)
}

// Server represents the admin HTTP API
type Server struct {
	cfg     *config.AppConfig
	backups Backups
	sched   Dispatcher
	logger  logrus.FieldLogger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewServer creates a new admin server instance
func NewServer(cfg *config.AppConfig, backups Backups, sched Dispatcher, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		backups: backups,
		sched:   sched,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// RegisterRoutes registers all HTTP routes
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/api/schedules", s.schedulesHandler)
	mux.HandleFunc("/api/backups", s.listBackupsHandler)
	mux.HandleFunc("/api/backups/run", s.runBackupHandler)
	mux.HandleFunc("/api/retention/run", s.runRetentionHandler)
}

// Wait blocks until backups started through the API have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

type backupView struct {
	Key       string    `json:"key"`
	Database  string    `json:"database"`
	Schedule  string    `json:"schedule,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Size      string    `json:"size"`
}

type scheduleView struct {
	Database      string    `json:"database"`
	Cron          string    `json:"cron"`
	Prefix        string    `json:"prefix,omitempty"`
	RetentionDays int       `json:"retention_days"`
	NextRun       time.Time `json:"next_run"`
}

type cleanupView struct {
	Database      string            `json:"database"`
	Schedule      string            `json:"schedule,omitempty"`
	Status        string            `json:"status"`
	RetentionDays int               `json:"retention_days"`
	Deleted       []string          `json:"deleted"`
	Failed        map[string]string `json:"failed,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Error encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// knownDatabase writes a 400 or 404 and returns false when the database
// query parameter is missing or not configured.
func (s *Server) knownDatabase(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("database")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing required parameter: database")
		return "", false
	}
	if _, ok := s.cfg.Databases[id]; !ok {
		s.writeError(w, http.StatusNotFound, "unknown database: "+id)
		return "", false
	}
	return id, true
}

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) schedulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	upcoming, err := s.sched.Upcoming()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]scheduleView, 0, len(upcoming))
	for _, u := range upcoming {
		views = append(views, scheduleView{
			Database:      u.DatabaseID,
			Cron:          u.CronExpression,
			Prefix:        u.Prefix,
			RetentionDays: u.RetentionDays,
			NextRun:       u.Next,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": views, "count": len(views)})
}

func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.knownDatabase(w, r)
	if !ok {
		return
	}

	artifacts, err := s.backups.ListArtifacts(r.Context(), id, r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.WithError(err).WithField("database", id).Warn("Failed to list backups")
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	views := make([]backupView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, backupView{
			Key:       a.Key,
			Database:  a.DatabaseID,
			Schedule:  a.SchedulePrefix,
			CreatedAt: a.Timestamp,
			SizeBytes: a.Size,
			Size:      humanize.IBytes(uint64(a.Size)),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": views, "count": len(views)})
}

// schedule returns the configured schedule of a scope, or an ad hoc one
// without cleanup.
func (s *Server) schedule(id, prefix string) config.ScheduleConfig {
	for _, sc := range s.cfg.SchedulesFor(id) {
		if sc.Prefix == prefix {
			return sc
		}
	}
	return config.ScheduleConfig{DatabaseName: id, Prefix: prefix}
}

// runBackupHandler starts a backup in the background. One run per scope may
// be in flight.
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.knownDatabase(w, r)
	if !ok {
		return
	}
	sc := s.schedule(id, r.URL.Query().Get("prefix"))
	scope := sc.DatabaseName + "/" + sc.Prefix

	s.mu.Lock()
	if s.running[scope] {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, "a backup of this scope is already running")
		return
	}
	s.running[scope] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, scope)
			s.mu.Unlock()
		}()
		if result := s.sched.Dispatch(sc); result != nil && !result.Succeeded() {
			s.logger.WithField("database", id).WithError(result.Err).Warn("Manual backup failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "started",
		"database": id,
		"prefix":   sc.Prefix,
	})
}

// runRetentionHandler applies retention synchronously and reports each pass.
func (s *Server) runRetentionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.knownDatabase(w, r)
	if !ok {
		return
	}

	results := s.backups.RunCleanups(r.Context(), id, 0)
	views := make([]cleanupView, 0, len(results))
	status := http.StatusOK
	for _, res := range results {
		v := cleanupView{
			Database:      res.DatabaseID,
			Schedule:      res.SchedulePrefix,
			Status:        string(res.Status),
			RetentionDays: res.RetentionDays,
			Deleted:       res.Deleted,
		}
		if v.Deleted == nil {
			v.Deleted = []string{}
		}
		if len(res.Failed) > 0 {
			v.Failed = make(map[string]string, len(res.Failed))
			for key, err := range res.Failed {
				v.Failed[key] = err.Error()
			}
		}
		if res.Err != nil {
			v.Error = res.Err.Error()
			switch errdefs.KindOf(res.Err) {
			case errdefs.KindPartialCleanup:
			case errdefs.KindConfiguration:
				status = http.StatusBadRequest
			default:
				status = http.StatusBadGateway
			}
		}
		views = append(views, v)
	}
	s.writeJSON(w, status, map[string]interface{}{"results": views})
}
