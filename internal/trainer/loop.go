package trainer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"roadseg/internal/config"
	"roadseg/internal/dataset"
	"roadseg/internal/metrics"
	"roadseg/internal/model"
)

// State is the lifecycle of a Trainer.
type State int

const (
	Idle State = iota
	EpochRunning
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case EpochRunning:
		return "epoch-running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyRun is returned when Run is called on a Trainer that has left Idle.
var ErrAlreadyRun = errors.New("trainer: already run")

// Source produces one epoch of batches per call.
type Source interface {
	Batches(batchSize int) iter.Seq2[dataset.Batch, error]
}

// EpochReport summarises one epoch. Loss is the sum of the step losses.
type EpochReport struct {
	Epoch   int
	Loss    float64
	Steps   int
	Samples int
	Metrics metrics.Snapshot
}

// Trainer owns the model parameters for the duration of Run.
type Trainer struct {
	model   model.Model
	source  Source
	hp      config.Hyperparams
	state   State
	history metrics.History
}

// New validates hp and returns an Idle trainer.
func New(m model.Model, source Source, hp config.Hyperparams) (*Trainer, error) {
	if m == nil {
		return nil, errors.New("trainer: model is nil")
	}
	if source == nil {
		return nil, errors.New("trainer: batch source is nil")
	}
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	return &Trainer{model: m, source: source, hp: hp}, nil
}

// State reports where the trainer is in its lifecycle.
func (t *Trainer) State() State {
	return t.state
}

// History returns the per-epoch losses recorded so far.
func (t *Trainer) History() *metrics.History {
	return &t.history
}

// Run executes hp.Epochs epochs, one optimization step per batch. Any batch
// or step error aborts the run. ctx is checked between steps.
func (t *Trainer) Run(ctx context.Context) ([]EpochReport, error) {
	if t.state != Idle {
		return nil, ErrAlreadyRun
	}
	defer func() { t.state = Done }()

	reports := make([]EpochReport, 0, t.hp.Epochs)
	for epoch := 1; epoch <= t.hp.Epochs; epoch++ {
		t.state = EpochRunning
		report, err := t.runEpoch(ctx, epoch)
		if err != nil {
			return reports, err
		}
		t.history.Add(report.Loss)
		reports = append(reports, report)

		log.Printf("epoch=%d steps=%d samples=%d loss=%.3f images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
			report.Epoch,
			report.Steps,
			report.Samples,
			report.Loss,
			report.Metrics.ImagesPerSec,
			report.Metrics.AvgDataMS,
			report.Metrics.AvgComputeMS,
		)
	}
	return reports, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochReport, error) {
	var window metrics.Window
	step := 0

	startData := time.Now()
	for batch, err := range t.source.Batches(t.hp.BatchSize) {
		if err != nil {
			return EpochReport{}, fmt.Errorf("epoch %d: next batch: %w", epoch, err)
		}
		if err := ctx.Err(); err != nil {
			return EpochReport{}, err
		}
		dataTime := time.Since(startData)
		step++

		startCompute := time.Now()
		loss, err := t.model.TrainStep(batch)
		if err != nil {
			return EpochReport{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Size, dataTime, computeTime, loss)
		startData = time.Now()
	}

	snap := window.Snapshot()
	return EpochReport{
		Epoch:   epoch,
		Loss:    snap.TotalLoss,
		Steps:   snap.Steps,
		Samples: snap.Samples,
		Metrics: snap,
	}, nil
}
