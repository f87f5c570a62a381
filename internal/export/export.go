// Package export runs a trained model over held-out images and writes the
// predicted road area as a translucent overlay.
package export

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"roadseg/internal/dataset"
	"roadseg/internal/model"
)

// Threshold is the road probability above which a pixel is painted.
const Threshold = 0.5

// RoadOverlay is blended over pixels classified as road.
var RoadOverlay = color.NRGBA{G: 255, A: 127}

// RunDir is the timestamped output directory for a run started at now.
func RunDir(runsDir string, now time.Time) string {
	return filepath.Join(runsDir, now.Format("20060102_150405"))
}

// Run predicts every image and writes one overlay PNG per input, named after
// the input, into a fresh timestamped directory under runsDir. An existing
// directory with the same name is replaced.
func Run(p model.Predictor, images []string, shape dataset.Shape, runsDir string, now time.Time) (string, error) {
	outDir := RunDir(runsDir, now)
	if err := os.RemoveAll(outDir); err != nil {
		return "", fmt.Errorf("export: clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("export: mkdir %s: %w", outDir, err)
	}

	log.Printf("export dir=%s images=%d", outDir, len(images))
	for _, path := range images {
		out, err := Overlay(p, path, shape)
		if err != nil {
			return outDir, err
		}
		if err := writePNG(filepath.Join(outDir, filepath.Base(path)), out); err != nil {
			return outDir, err
		}
	}
	return outDir, nil
}

// Overlay resizes the image at path, predicts it and paints the road area.
func Overlay(p model.Predictor, path string, shape dataset.Shape) (*image.RGBA, error) {
	img, err := dataset.ReadResized(path, shape, draw.BiLinear)
	if err != nil {
		return nil, err
	}
	probs, err := p.Predict(dataset.ToCHW(img))
	if err != nil {
		return nil, fmt.Errorf("export: predict %s: %w", filepath.Base(path), err)
	}
	if len(probs) != shape.Pixels() {
		return nil, fmt.Errorf("export: predict %s: %d scores for %d pixels", filepath.Base(path), len(probs), shape.Pixels())
	}

	mask := image.NewNRGBA(img.Bounds())
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			if probs[y*shape.Width+x] > Threshold {
				mask.SetNRGBA(x, y, RoadOverlay)
			}
		}
	}
	draw.Draw(img, img.Bounds(), mask, image.Point{}, draw.Over)
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("export: encode %s: %w", path, err)
	}
	return f.Close()
}
