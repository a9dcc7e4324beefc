package database

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/supporttools/dbsavr/pkg/errdefs"
)

// Format is the container shape of a dump tool's output.
type Format int

const (
	// FormatStream is a single byte stream on stdout (SQL text).
	FormatStream Format = iota
	// FormatDirectory is a directory tree that has to be archived before compression.
	FormatDirectory
)

// Ext returns the artifact file extension for the format.
func (f Format) Ext() string {
	if f == FormatDirectory {
		return "tar.gz"
	}
	return "sql.gz"
}

func (f Format) String() string {
	if f == FormatDirectory {
		return "directory"
	}
	return "stream"
}

// File is written by the pipeline before the dump tool starts.
type File struct {
	Path    string
	Content []byte
}

// Command is a runnable dump tool invocation.
type Command struct {
	Path string
	Args []string
	// Env holds variables added to the inherited environment.
	Env []string
	// OutputDir is set for FormatDirectory commands.
	OutputDir string
	Files     []File
}

// Tool returns the base name of the executable.
func (c Command) Tool() string {
	return filepath.Base(c.Path)
}

// String renders the command line with secrets masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	for _, arg := range c.Args {
		if strings.HasPrefix(arg, "--password=") {
			arg = "--password=********"
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Invocation carries the per-run values a strategy may need.
type Invocation struct {
	// WorkDir is a private, empty directory owned by the run.
	WorkDir   string
	Timestamp time.Time
}

// Strategy builds the dump command for one engine.
type Strategy interface {
	Engine() Engine
	Format() Format
	Command(inv Invocation) (Command, error)
}

// NewStrategy selects the strategy for the target's engine.
func NewStrategy(t Target) (Strategy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch t.Engine {
	case EnginePostgres:
		return &postgresStrategy{target: t}, nil
	case EngineMySQL:
		return &mysqlStrategy{target: t}, nil
	case EngineMongo:
		return &mongoStrategy{target: t}, nil
	}
	return nil, errdefs.NewConfigurationError(t.ID+".type", "unsupported database type %q", string(t.Engine))
}

func withExtraArgs(required []string, extra []string) []string {
	args := make([]string, 0, len(required)+len(extra))
	args = append(args, required...)
	return append(args, extra...)
}
