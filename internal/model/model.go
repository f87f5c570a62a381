package model

import "roadseg/internal/dataset"

// Model defines the training functionality the loop drives.
type Model interface {
	TrainStep(batch dataset.Batch) (float64, error)
}

// Predictor maps one CHW image to a per-pixel road probability.
type Predictor interface {
	Predict(image []float32) ([]float32, error)
}
