package metrics

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	losses  []float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		Steps:   len(w.losses),
		Samples: w.samples,
	}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if snap.Steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(snap.Steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(snap.Steps)
		snap.TotalLoss = floats.Sum(w.losses)
		snap.MeanLoss = stat.Mean(w.losses, nil)
		snap.LastLoss = w.losses[snap.Steps-1]
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.losses = w.losses[:0]
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	Samples      int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	TotalLoss    float64
	MeanLoss     float64
	LastLoss     float64
}

