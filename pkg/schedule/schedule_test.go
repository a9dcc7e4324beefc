package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/dbsavr/pkg/errdefs"
)

func TestNext(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"daily at two", "0 2 * * *", time.Date(2025, 3, 13, 2, 0, 0, 0, time.UTC)},
		{"every fifteen minutes", "*/15 * * * *", time.Date(2025, 3, 12, 10, 15, 0, 0, time.UTC)},
		{"dom or dow picks monday", "0 2 1 * 1", time.Date(2025, 3, 17, 2, 0, 0, 0, time.UTC)},
		{"dom or dow picks the thirteenth", "0 0 13 * 5", time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)},
		{"dow only", "30 4 * * 0", time.Date(2025, 3, 16, 4, 30, 0, 0, time.UTC)},
		{"dom only", "0 0 1 * *", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"strictly after now", "0 10 * * *", time.Date(2025, 3, 13, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.expr, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.UTC())
		})
	}
}

func TestNextN(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	got, err := NextN("0 2 * * *", now, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2025, 3, 15, 2, 0, 0, 0, time.UTC), got[2].UTC())

	for _, n := range []int{0, -1} {
		got, err = NextN("0 2 * * *", now, n)
		require.NoError(t, err)
		assert.Empty(t, got)
	}

	_, err = NextN("bogus", now, -1)
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	for _, expr := range []string{"", "61 * * * *", "* * *", "0 2 * * mon-funday"} {
		_, err := Next(expr, time.Now())
		var cfgErr *errdefs.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr, expr)
	}
}
