package export

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roadseg/internal/dataset"
	"roadseg/internal/model"
)

// leftHalf marks the left half of every image as road.
type leftHalf struct {
	shape dataset.Shape
	calls int
}

func (p *leftHalf) Predict(img []float32) ([]float32, error) {
	p.calls++
	out := make([]float32, p.shape.Pixels())
	for y := 0; y < p.shape.Height; y++ {
		for x := 0; x < p.shape.Width/2; x++ {
			out[y*p.shape.Width+x] = 0.9
		}
	}
	return out, nil
}

type failing struct{}

func (failing) Predict([]float32) ([]float32, error) { return nil, errors.New("engine down") }

var stamp = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func TestRunWritesOneFilePerImage(t *testing.T) {
	testDir := t.TempDir()
	inputs := []string{
		writeBlack(t, filepath.Join(testDir, "um_000000.png")),
		writeBlack(t, filepath.Join(testDir, "umm_000001.png")),
		writeBlack(t, filepath.Join(testDir, "uu_000002.png")),
	}
	shape := dataset.Shape{Height: 4, Width: 8}
	p := &leftHalf{shape: shape}
	runs := filepath.Join(t.TempDir(), "runs")

	outDir, err := Run(p, inputs, shape, runs, stamp)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(runs, "20261017_093000"), outDir)
	require.Equal(t, 3, p.calls)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"um_000000.png", "umm_000001.png", "uu_000002.png"}, names)

	img := readPNG(t, filepath.Join(outDir, "um_000000.png"))
	require.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
	r, g, b, _ := img.At(1, 1).RGBA()
	require.Zero(t, r>>8)
	require.InDelta(t, 127, g>>8, 1)
	require.Zero(t, b>>8)
	r, g, b, _ = img.At(6, 1).RGBA()
	require.Zero(t, r>>8|g>>8|b>>8)
}

func TestRunReplacesExistingDir(t *testing.T) {
	testDir := t.TempDir()
	input := writeBlack(t, filepath.Join(testDir, "um_000000.png"))
	shape := dataset.Shape{Height: 4, Width: 8}
	runs := t.TempDir()

	stale := filepath.Join(RunDir(runs, stamp), "stale.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	outDir, err := Run(&leftHalf{shape: shape}, []string{input}, shape, runs, stamp)
	require.NoError(t, err)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "um_000000.png", entries[0].Name())
}

func TestRunPropagatesPredictError(t *testing.T) {
	input := writeBlack(t, filepath.Join(t.TempDir(), "um_000000.png"))
	_, err := Run(failing{}, []string{input}, dataset.Shape{Height: 4, Width: 8}, t.TempDir(), stamp)
	require.ErrorContains(t, err, "engine down")
}

func TestRunWithBaselineModel(t *testing.T) {
	input := writeBlack(t, filepath.Join(t.TempDir(), "um_000000.png"))
	shape := dataset.Shape{Height: 4, Width: 8}

	var p model.Predictor = model.NewPixelSoftmax(shape, 2, 0.1, 1)
	outDir, err := Run(p, []string{input}, shape, t.TempDir(), stamp)
	require.NoError(t, err)

	img := readPNG(t, filepath.Join(outDir, "um_000000.png"))
	require.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
}

func writeBlack(t *testing.T, path string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}
