package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerDrainsToZero(t *testing.T) {
	ctx := context.Background()
	tr := New()

	n, err := tr.AddPending(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	for want := int64(2); want >= 0; want-- {
		n, err = tr.DonePending(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
}

func TestTrackerFailuresByKind(t *testing.T) {
	ctx := context.Background()
	tr := New()

	require.NoError(t, tr.RecordFailure(ctx, 1, "category"))
	require.NoError(t, tr.RecordFailure(ctx, 1, "product"))
	require.NoError(t, tr.RecordFailure(ctx, 1, "product"))

	got, err := tr.Failures(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"category": 1, "product": 2}, got)

	require.NoError(t, tr.Clear(ctx, 1))
	got, err = tr.Failures(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}
