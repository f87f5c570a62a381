package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"roadseg/internal/dataset"
)

// PixelSoftmax is a per-pixel linear classifier over RGB with softmax
// cross-entropy. It needs no pretrained weights and is used as a baseline.
type PixelSoftmax struct {
	shape   dataset.Shape
	weights [][3]float64
	bias    []float64
	lr      float64
}

// NewPixelSoftmax constructs the model with random initialization.
func NewPixelSoftmax(shape dataset.Shape, numClasses int, lr float64, seed int64) *PixelSoftmax {
	if numClasses <= 0 {
		numClasses = 2
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([][3]float64, numClasses)
	for c := range weights {
		for j := range weights[c] {
			weights[c][j] = (rng.Float64()*2 - 1) * 0.01
		}
	}
	return &PixelSoftmax{
		shape:   shape,
		weights: weights,
		bias:    make([]float64, numClasses),
		lr:      lr,
	}
}

// TrainStep executes one SGD step over every pixel of the batch and returns
// the mean loss per pixel.
func (m *PixelSoftmax) TrainStep(batch dataset.Batch) (float64, error) {
	if batch.Shape != m.shape {
		return 0, fmt.Errorf("pixel softmax: batch shape %v, model expects %v", batch.Shape, m.shape)
	}
	if batch.Size == 0 {
		return 0, nil
	}
	numClasses := len(m.bias)
	plane := m.shape.Pixels()
	gradW := make([][3]float64, numClasses)
	gradB := make([]float64, numClasses)
	totalLoss := 0.0

	for n := 0; n < batch.Size; n++ {
		img := batch.Images[n*3*plane : (n+1)*3*plane]
		lbl := batch.Labels[n*numClasses*plane : (n+1)*numClasses*plane]
		for p := 0; p < plane; p++ {
			px := [3]float64{float64(img[p]), float64(img[plane+p]), float64(img[2*plane+p])}
			probs := softmax(m.logits(px))
			for c := 0; c < numClasses; c++ {
				target := float64(lbl[c*plane+p])
				if target > 0 {
					totalLoss -= target * math.Log(math.Max(probs[c], 1e-9))
				}
				grad := probs[c] - target
				gradB[c] += grad
				for j := range px {
					gradW[c][j] += grad * px[j]
				}
			}
		}
	}

	count := float64(batch.Size * plane)
	for c := 0; c < numClasses; c++ {
		m.bias[c] -= m.lr * gradB[c] / count
		for j := range m.weights[c] {
			m.weights[c][j] -= m.lr * gradW[c][j] / count
		}
	}
	return totalLoss / count, nil
}

// Predict returns the road probability of every pixel.
func (m *PixelSoftmax) Predict(image []float32) ([]float32, error) {
	plane := m.shape.Pixels()
	if len(image) != 3*plane {
		return nil, fmt.Errorf("pixel softmax: image has %d values, want %d", len(image), 3*plane)
	}
	out := make([]float32, plane)
	for p := range out {
		px := [3]float64{float64(image[p]), float64(image[plane+p]), float64(image[2*plane+p])}
		out[p] = float32(softmax(m.logits(px))[1])
	}
	return out, nil
}

func (m *PixelSoftmax) logits(px [3]float64) []float64 {
	logits := make([]float64, len(m.bias))
	for c := range logits {
		sum := m.bias[c]
		for j, v := range px {
			sum += m.weights[c][j] * v
		}
		logits[c] = sum
	}
	return logits
}

// softmax normalises logits through their log-sum-exp.
func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - lse)
	}
	return out
}
