package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// History is the per-epoch loss of a training run.
type History struct {
	losses []float64
}

// Add appends the loss of the next epoch.
func (h *History) Add(loss float64) {
	h.losses = append(h.losses, loss)
}

// Losses returns a copy of the recorded epoch losses.
func (h *History) Losses() []float64 {
	return append([]float64(nil), h.losses...)
}

// Plot writes a loss-per-epoch line chart to path. The format follows the
// file extension (png, svg, pdf).
func (h *History) Plot(path string) error {
	if len(h.losses) == 0 {
		return errors.New("history: no epochs recorded")
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	pts := make(plotter.XYs, len(h.losses))
	for i, loss := range h.losses {
		pts[i].X = float64(i + 1)
		pts[i].Y = loss
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("history: line: %w", err)
	}
	p.Add(line, plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("history: save %s: %w", path, err)
	}
	return nil
}
