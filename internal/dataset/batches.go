package dataset

import (
	"errors"
	"fmt"
	"iter"
	"math/rand"
)

// ErrBatchSize is returned for batch sizes below one.
var ErrBatchSize = errors.New("dataset: batch size must be >= 1")

// Batch is a group of samples laid out NCHW. Images has 3 channels, Labels
// has 2 (background, road).
type Batch struct {
	Keys   []string
	Images []float32
	Labels []float32
	Size   int
	Shape  Shape
}

// Generator yields shuffled batches over a fixed set of pairs.
type Generator struct {
	pairs []Pair
	shape Shape
	rng   *rand.Rand
}

// NewGenerator builds a generator. The pairs are copied.
func NewGenerator(pairs []Pair, shape Shape, seed int64) *Generator {
	return &Generator{
		pairs: append([]Pair(nil), pairs...),
		shape: shape,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Len is the number of samples in one epoch.
func (g *Generator) Len() int {
	return len(g.pairs)
}

// Shape is the pixel size of every yielded sample.
func (g *Generator) Shape() Shape {
	return g.shape
}

// Batches returns one epoch: every pair exactly once, in a fresh random
// order. All batches hold batchSize samples except possibly the last.
// Files are read lazily as each batch is drawn; a read error ends the
// sequence.
func (g *Generator) Batches(batchSize int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		if batchSize < 1 {
			yield(Batch{}, fmt.Errorf("%w (got %d)", ErrBatchSize, batchSize))
			return
		}
		order := g.rng.Perm(len(g.pairs))
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			batch, err := g.load(order[start:end])
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

func (g *Generator) load(indices []int) (Batch, error) {
	n := len(indices)
	imgSize := 3 * g.shape.Pixels()
	lblSize := 2 * g.shape.Pixels()
	batch := Batch{
		Keys:   make([]string, 0, n),
		Images: make([]float32, n*imgSize),
		Labels: make([]float32, n*lblSize),
		Size:   n,
		Shape:  g.shape,
	}
	for i, idx := range indices {
		pair := g.pairs[idx]
		img, err := LoadImage(pair.Image, g.shape)
		if err != nil {
			return Batch{}, fmt.Errorf("load %s: %w", pair.Key, err)
		}
		lbl, err := LoadLabel(pair.Label, g.shape)
		if err != nil {
			return Batch{}, fmt.Errorf("load %s: %w", pair.Key, err)
		}
		copy(batch.Images[i*imgSize:], img)
		copy(batch.Labels[i*lblSize:], lbl)
		batch.Keys = append(batch.Keys, pair.Key)
	}
	return batch, nil
}
