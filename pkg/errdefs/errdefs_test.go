package errdefs

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"configuration", NewConfigurationError("type", "unsupported engine %q", "oracle"), KindConfiguration},
		{"dump", &DumpError{Tool: "pg_dump", ExitCode: 1}, KindDump},
		{"wrapped transport", errors.Wrap(&TransportError{Op: "put", Err: errors.New("403")}, "upload"), KindTransport},
		{"partial cleanup", &PartialCleanupError{Failed: map[string]error{"a": errors.New("x")}}, KindPartialCleanup},
		{"stacked dump", errors.WithMessage(errors.WithStack(&DumpError{Tool: "mongodump", ExitCode: 1}), "backup"), KindDump},
		{"wrapped configuration", errors.Wrapf(NewConfigurationError("port", "out of range"), "database %s", "app"), KindConfiguration},
		{"wrapped cancel", errors.Wrap(context.Canceled, "backup interrupted"), KindInterrupted},
		{"deadline", fmt.Errorf("pipeline: %w", context.DeadlineExceeded), KindInterrupted},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestDumpErrorMessageCarriesStderr(t *testing.T) {
	err := &DumpError{Tool: "mysqldump", ExitCode: 2, Stderr: "mysqldump: Got error: 2003: connection refused\n"}
	assert.Equal(t, "mysqldump exited with status 2: mysqldump: Got error: 2003: connection refused", err.Error())

	killed := &DumpError{Tool: "pg_dump", ExitCode: -1, Err: errors.New("signal: killed")}
	assert.Contains(t, killed.Error(), "terminated unexpectedly: signal: killed")
}

func TestPartialCleanupErrorFailedKeysSorted(t *testing.T) {
	err := &PartialCleanupError{
		Deleted: []string{"a"},
		Failed: map[string]error{
			"z": errors.New("denied"),
			"b": errors.New("denied"),
		},
	}
	assert.Equal(t, []string{"b", "z"}, err.FailedKeys())
	assert.Contains(t, err.Error(), "failed to delete 2")
}
