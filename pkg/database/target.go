// Package database describes backup targets and builds dump tool invocations for them.
package database

import (
	"strings"

	"github.com/supporttools/dbsavr/pkg/errdefs"
)

// Engine identifies the database family of a target.
type Engine string

const (
	EnginePostgres Engine = "postgresql"
	EngineMySQL    Engine = "mysql"
	EngineMongo    Engine = "mongodb"
)

// ParseEngine maps a configured type name onto an Engine. MariaDB shares the
// MySQL strategy.
func ParseEngine(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgresql", "postgres":
		return EnginePostgres, nil
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "mongodb", "mongo":
		return EngineMongo, nil
	}
	return "", errdefs.NewConfigurationError("type", "unsupported database type %q", name)
}

// DefaultPort returns the well known port of the engine.
func (e Engine) DefaultPort() int {
	switch e {
	case EnginePostgres:
		return 5432
	case EngineMySQL:
		return 3306
	case EngineMongo:
		return 27017
	}
	return 0
}

// Target is the immutable description of one database to back up.
type Target struct {
	ID           string
	Engine       Engine
	Host         string
	Port         int
	Username     string
	Password     string
	Database     string
	AuthDatabase string
	Bucket       string
	ExtraArgs    []string
	// DumpBinary overrides the tool looked up on PATH.
	DumpBinary string
}

// Validate checks the connection attributes every strategy requires.
func (t Target) Validate() error {
	if t.ID == "" {
		return errdefs.NewConfigurationError("id", "database identifier is required")
	}
	if strings.Contains(t.ID, "/") {
		return errdefs.NewConfigurationError("id", "database identifier %q must not contain '/'", t.ID)
	}
	if t.Host == "" {
		return errdefs.NewConfigurationError(t.ID+".host", "host is required")
	}
	if t.Database == "" {
		return errdefs.NewConfigurationError(t.ID+".database", "database name is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return errdefs.NewConfigurationError(t.ID+".port", "port %d out of range", t.Port)
	}
	return nil
}

// EffectivePort is the configured port, or the engine default when unset.
func (t Target) EffectivePort() int {
	if t.Port == 0 {
		return t.Engine.DefaultPort()
	}
	return t.Port
}

func (t Target) binary(fallback string) string {
	if t.DumpBinary != "" {
		return t.DumpBinary
	}
	return fallback
}
