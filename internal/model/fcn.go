package model

import (
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"roadseg/internal/config"
	"roadseg/internal/dataset"
)

// FCN is a fully convolutional segmentation network with its loss and
// optimizer compiled onto one gorgonia tape machine, plus a forward-only
// machine for inference over the same nodes. The graph has a fixed
// batch dimension; shorter batches are zero padded and the padded pixels are
// excluded from the loss.
type FCN struct {
	hp         config.Hyperparams
	shape      dataset.Shape
	numClasses int
	rng        *rand.Rand

	handles    Handles
	labels     *gorgonia.Node
	weights    *gorgonia.Node
	norm       *gorgonia.Node
	learnables gorgonia.Nodes

	lossVal  gorgonia.Value
	probsVal gorgonia.Value

	vm     gorgonia.VM
	infer  gorgonia.VM
	solver gorgonia.Solver

	input     *tensor.Dense
	labelBuf  *tensor.Dense
	weightBuf *tensor.Dense
}

// NewFCN loads the backbone in dir and attaches the decoder, loss and Adam
// optimizer.
func NewFCN(dir string, shape dataset.Shape, hp config.Hyperparams, seed int64) (*FCN, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	g := gorgonia.NewGraph()
	n, h, w := hp.BatchSize, shape.Height, shape.Width

	bb, err := LoadBackbone(g, dir, n, h, w)
	if err != nil {
		return nil, err
	}
	handles, err := bb.Handles()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	head, err := Layers(handles, config.NumClasses, rng)
	if err != nil {
		return nil, err
	}

	m := &FCN{
		hp:         hp,
		shape:      shape,
		numClasses: config.NumClasses,
		rng:        rng,
		handles:    handles,
		learnables: append(bb.Learnables(), head.Learnables...),
	}

	rows := n * h * w
	m.labels = gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(rows, m.numClasses), gorgonia.WithName("correct_label"))
	m.weights = gorgonia.NewVector(g, tensor.Float32, gorgonia.WithShape(rows), gorgonia.WithName("pixel_weight"))
	m.norm = gorgonia.NewScalar(g, tensor.Float32, gorgonia.WithName("pixel_count"))

	probs, loss, err := m.optimize(head.Output, rows)
	if err != nil {
		return nil, err
	}
	gorgonia.Read(loss, &m.lossVal)
	readProbs := gorgonia.Read(probs, &m.probsVal)

	// The forward subgraph is taken before Grad adds the backward nodes.
	forward := g.SubgraphRoots(readProbs)

	if _, err := gorgonia.Grad(loss, m.learnables...); err != nil {
		return nil, fmt.Errorf("grad: %w", err)
	}

	m.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(m.learnables...))
	m.infer = gorgonia.NewTapeMachine(forward)
	m.solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(hp.LearningRate))

	m.input = tensor.New(tensor.WithShape(n, 3, h, w), tensor.Of(tensor.Float32))
	m.labelBuf = tensor.New(tensor.WithShape(rows, m.numClasses), tensor.Of(tensor.Float32))
	m.weightBuf = tensor.New(tensor.WithShape(rows), tensor.Of(tensor.Float32))
	return m, nil
}

// optimize reshapes the NCHW logits to one row per pixel and builds the
// weighted mean softmax cross-entropy.
func (m *FCN) optimize(logits *gorgonia.Node, rows int) (probs, loss *gorgonia.Node, err error) {
	nhwc, err := gorgonia.Transpose(logits, 0, 2, 3, 1)
	if err != nil {
		return nil, nil, err
	}
	flat, err := gorgonia.Reshape(nhwc, tensor.Shape{rows, m.numClasses})
	if err != nil {
		return nil, nil, err
	}
	if probs, err = gorgonia.SoftMax(flat); err != nil {
		return nil, nil, err
	}

	// Squeeze probabilities into [eps, 1-eps] so the log stays finite and
	// never positive in float32.
	squeezed, err := gorgonia.Mul(probs, gorgonia.NewConstant(float32(1-2e-7)))
	if err != nil {
		return nil, nil, err
	}
	safe, err := gorgonia.Add(squeezed, gorgonia.NewConstant(float32(1e-7)))
	if err != nil {
		return nil, nil, err
	}
	logp, err := gorgonia.Log(safe)
	if err != nil {
		return nil, nil, err
	}
	picked, err := gorgonia.HadamardProd(m.labels, logp)
	if err != nil {
		return nil, nil, err
	}
	perPixel, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, nil, err
	}
	weighted, err := gorgonia.HadamardProd(perPixel, m.weights)
	if err != nil {
		return nil, nil, err
	}
	total, err := gorgonia.Sum(weighted)
	if err != nil {
		return nil, nil, err
	}
	neg, err := gorgonia.Neg(total)
	if err != nil {
		return nil, nil, err
	}
	if loss, err = gorgonia.Div(neg, m.norm); err != nil {
		return nil, nil, err
	}
	return probs, loss, nil
}

// Handles exposes the backbone tensors the decoder was built on.
func (m *FCN) Handles() Handles {
	return m.handles
}

// TrainStep runs one forward/backward pass and one Adam update, returning
// the mean cross-entropy over the batch's pixels.
func (m *FCN) TrainStep(batch dataset.Batch) (float64, error) {
	if batch.Size < 1 || batch.Size > m.hp.BatchSize {
		return 0, fmt.Errorf("fcn: batch of %d samples, graph holds %d", batch.Size, m.hp.BatchSize)
	}
	if batch.Shape != m.shape {
		return 0, fmt.Errorf("fcn: batch shape %v, graph expects %v", batch.Shape, m.shape)
	}
	if err := m.feed(batch.Images, batch.Labels, batch.Size, m.hp.KeepProb); err != nil {
		return 0, err
	}
	defer m.vm.Reset()

	if err := m.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("fcn: run: %w", err)
	}
	if err := m.solver.Step(gorgonia.NodesToValueGrads(m.learnables)); err != nil {
		return 0, fmt.Errorf("fcn: optimizer step: %w", err)
	}
	return float64(m.lossVal.Data().(float32)), nil
}

// Predict runs the forward-only machine on one CHW image with dropout
// disabled and returns the road probability of every pixel, row-major.
// Parameters and optimizer state are left untouched.
func (m *FCN) Predict(image []float32) ([]float32, error) {
	if len(image) != 3*m.shape.Pixels() {
		return nil, fmt.Errorf("fcn: image has %d values, want %d", len(image), 3*m.shape.Pixels())
	}
	if err := m.feed(image, nil, 1, 1); err != nil {
		return nil, err
	}
	defer m.infer.Reset()

	if err := m.infer.RunAll(); err != nil {
		return nil, fmt.Errorf("fcn: run: %w", err)
	}
	probs := m.probsVal.Data().([]float32)
	out := make([]float32, m.shape.Pixels())
	for i := range out {
		out[i] = probs[i*m.numClasses+1]
	}
	return out, nil
}

// Close releases both tape machines.
func (m *FCN) Close() error {
	err := m.vm.Close()
	if ierr := m.infer.Close(); err == nil {
		err = ierr
	}
	return err
}

// feed fills the input placeholders. labels is NCHW like the batch; nil
// labels (inference) give every pixel zero weight.
func (m *FCN) feed(images, labels []float32, size int, keep float64) error {
	in := m.input.Data().([]float32)
	copy(in, images)
	clear(in[len(images):])

	plane := m.shape.Pixels()
	lbl := m.labelBuf.Data().([]float32)
	wts := m.weightBuf.Data().([]float32)
	clear(lbl)
	clear(wts)
	count := float32(1)
	if labels != nil {
		for n := 0; n < size; n++ {
			for p := 0; p < plane; p++ {
				row := n*plane + p
				for c := 0; c < m.numClasses; c++ {
					lbl[row*m.numClasses+c] = labels[(n*m.numClasses+c)*plane+p]
				}
				wts[row] = 1
			}
		}
		count = float32(size * plane)
	}

	if err := gorgonia.Let(m.handles.Input, m.input); err != nil {
		return fmt.Errorf("fcn: feed %s: %w", InputTensor, err)
	}
	if err := gorgonia.Let(m.labels, m.labelBuf); err != nil {
		return fmt.Errorf("fcn: feed labels: %w", err)
	}
	if err := gorgonia.Let(m.weights, m.weightBuf); err != nil {
		return fmt.Errorf("fcn: feed weights: %w", err)
	}
	if err := gorgonia.Let(m.norm, count); err != nil {
		return fmt.Errorf("fcn: feed pixel count: %w", err)
	}
	return m.handles.KeepProb.Set(keep, m.rng)
}
