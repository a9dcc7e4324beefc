// Package errdefs defines the failure taxonomy shared by the backup engine.
package errdefs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a failure for reporting and metrics labels.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindDump           Kind = "dump"
	KindTransport      Kind = "transport"
	KindPartialCleanup Kind = "partial_cleanup"
	KindInterrupted    Kind = "interrupted"
	KindUnknown        Kind = "unknown"
)

// ConfigurationError is returned before any subprocess or network call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DumpError reports a dump tool that exited non-zero or died unexpectedly.
// ExitCode is -1 when the process never started or was killed by a signal.
type DumpError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *DumpError) Error() string {
	var b strings.Builder
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, "%s exited with status %d", e.Tool, e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, "%s terminated unexpectedly: %v", e.Tool, e.Err)
	} else {
		fmt.Fprintf(&b, "%s terminated unexpectedly", e.Tool)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *DumpError) Unwrap() error { return e.Err }

// TransportError wraps an object store failure.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PartialCleanupError lists the keys a retention pass could not delete.
type PartialCleanupError struct {
	Deleted []string
	Failed  map[string]error
}

func (e *PartialCleanupError) Error() string {
	keys := e.FailedKeys()
	if len(keys) == 0 {
		return "cleanup incomplete"
	}
	first := keys[0]
	return fmt.Sprintf("cleanup deleted %d object(s), failed to delete %d (first %s: %v)",
		len(e.Deleted), len(keys), first, e.Failed[first])
}

// FailedKeys returns the failed keys in lexical order.
func (e *PartialCleanupError) FailedKeys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KindOf classifies err. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		cfgErr     *ConfigurationError
		dumpErr    *DumpError
		transErr   *TransportError
		cleanupErr *PartialCleanupError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &dumpErr):
		return KindDump
	case errors.As(err, &transErr):
		return KindTransport
	case errors.As(err, &cleanupErr):
		return KindPartialCleanup
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindInterrupted
	}
	return KindUnknown
}
