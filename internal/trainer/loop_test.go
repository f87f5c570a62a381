package trainer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"iter"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"roadseg/internal/config"
	"roadseg/internal/dataset"
	"roadseg/internal/model"
)

type countingModel struct {
	steps int
	sizes []int
	loss  float64
	err   error
}

func (m *countingModel) TrainStep(batch dataset.Batch) (float64, error) {
	m.steps++
	m.sizes = append(m.sizes, batch.Size)
	return m.loss, m.err
}

type sliceSource struct {
	sizes []int
	err   error
	calls int
}

func (s *sliceSource) Batches(int) iter.Seq2[dataset.Batch, error] {
	s.calls++
	return func(yield func(dataset.Batch, error) bool) {
		for _, n := range s.sizes {
			if !yield(dataset.Batch{Size: n}, nil) {
				return
			}
		}
		if s.err != nil {
			yield(dataset.Batch{}, s.err)
		}
	}
}

func hyper(epochs, batchSize int) config.Hyperparams {
	return config.Hyperparams{Epochs: epochs, BatchSize: batchSize, KeepProb: 0.5, LearningRate: 0.001}
}

func TestRunReportsOneLossPerEpoch(t *testing.T) {
	m := &countingModel{loss: 0.25}
	src := &sliceSource{sizes: []int{2, 2, 1}}
	tr, err := New(m, src, hyper(3, 2))
	require.NoError(t, err)
	require.Equal(t, Idle, tr.State())

	reports, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Done, tr.State())
	require.Len(t, reports, 3)
	require.Equal(t, 3, src.calls)
	require.Equal(t, 9, m.steps)
	for i, r := range reports {
		require.Equal(t, i+1, r.Epoch)
		require.Equal(t, 3, r.Steps)
		require.Equal(t, 5, r.Samples)
		require.InDelta(t, 0.75, r.Loss, 1e-9)
	}
	require.Equal(t, []float64{0.75, 0.75, 0.75}, tr.History().Losses())
}

func TestRunAbortsOnStepError(t *testing.T) {
	boom := errors.New("shape mismatch")
	m := &countingModel{err: boom}
	tr, err := New(m, &sliceSource{sizes: []int{2, 2}}, hyper(2, 2))
	require.NoError(t, err)

	reports, err := tr.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Empty(t, reports)
	require.Equal(t, 1, m.steps)
	require.Equal(t, Done, tr.State())
}

func TestRunAbortsOnBatchError(t *testing.T) {
	boom := errors.New("decode failed")
	m := &countingModel{}
	tr, err := New(m, &sliceSource{sizes: []int{2}, err: boom}, hyper(1, 2))
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, m.steps)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	m := &countingModel{}
	tr, err := New(m, &sliceSource{sizes: []int{1, 1}}, hyper(1, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, m.steps)
}

func TestRunOnlyOnce(t *testing.T) {
	tr, err := New(&countingModel{}, &sliceSource{sizes: []int{1}}, hyper(1, 1))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestNewRejectsBadHyperparams(t *testing.T) {
	_, err := New(&countingModel{}, &sliceSource{}, hyper(0, 1))
	require.Error(t, err)
	_, err = New(nil, &sliceSource{}, hyper(1, 1))
	require.Error(t, err)
}

func TestRunSyntheticDataset(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		writeSolid(t, filepath.Join(root, "image_2", fmt.Sprintf("um_%06d.png", i)), color.RGBA{R: 90, G: 90, B: 90, A: 255})
		writeSolid(t, filepath.Join(root, "gt_image_2", fmt.Sprintf("um_road_%06d.png", i)), color.RGBA{R: 255, B: 255, A: 255})
	}
	pairs, err := dataset.DiscoverPairs(root)
	require.NoError(t, err)
	require.Len(t, pairs, 4)

	shape := dataset.Shape{Height: 4, Width: 4}
	gen := dataset.NewGenerator(pairs, shape, 1)
	base := model.NewPixelSoftmax(shape, config.NumClasses, 0.1, 1)
	counted := &stepCounter{Model: base}

	tr, err := New(counted, gen, hyper(1, 2))
	require.NoError(t, err)
	reports, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, counted.steps)
	require.Len(t, reports, 1)
	loss := reports[0].Loss
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss %f", loss)
	require.GreaterOrEqual(t, loss, 0.0)
}

type stepCounter struct {
	model.Model
	steps int
}

func (s *stepCounter) TrainStep(batch dataset.Batch) (float64, error) {
	s.steps++
	return s.Model.TrainStep(batch)
}

func writeSolid(t *testing.T, path string, fill color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}
