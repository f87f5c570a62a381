package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowLossTotals(t *testing.T) {
	var w Window
	w.Record(16, 30*time.Millisecond, 90*time.Millisecond, 0.69)
	w.Record(16, 10*time.Millisecond, 110*time.Millisecond, 0.41)
	w.Record(4, 20*time.Millisecond, 40*time.Millisecond, 0.25)

	snap := w.Snapshot()
	require.Equal(t, 3, snap.Steps)
	require.Equal(t, 36, snap.Samples)
	require.InDelta(t, 1.35, snap.TotalLoss, 1e-9)
	require.InDelta(t, 0.45, snap.MeanLoss, 1e-9)
	require.Equal(t, 0.25, snap.LastLoss)
	require.InDelta(t, 20.0, snap.AvgDataMS, 1e-6)
	require.InDelta(t, 80.0, snap.AvgComputeMS, 1e-6)
	require.InDelta(t, 120.0, snap.ImagesPerSec, 1e-6)
}

func TestWindowResetsBetweenEpochs(t *testing.T) {
	var w Window
	w.Record(2, time.Millisecond, time.Millisecond, 3.5)
	first := w.Snapshot()
	require.Equal(t, 3.5, first.TotalLoss)

	require.Equal(t, Snapshot{}, w.Snapshot())

	w.Record(2, time.Millisecond, time.Millisecond, 1.5)
	second := w.Snapshot()
	require.Equal(t, 1, second.Steps)
	require.Equal(t, 1.5, second.TotalLoss)
	require.Equal(t, 1.5, second.MeanLoss)
}
