package model

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrMissingBackbone indicates the pretrained weights are not where the
// config says they are.
var ErrMissingBackbone = errors.New("model: pretrained backbone missing")

// Tensor names exported by a backbone.
const (
	InputTensor    = "image_input"
	KeepProbTensor = "keep_prob"
	Layer3Tensor   = "layer3_out"
	Layer4Tensor   = "layer4_out"
	Layer7Tensor   = "layer7_out"
)

// Manifest describes a backbone stored as manifest.yaml plus .npy weights
// under variables/.
type Manifest struct {
	Tag     string            `yaml:"tag"`
	Layers  []LayerSpec       `yaml:"layers"`
	Outputs map[string]string `yaml:"outputs"`
}

// LayerSpec is one backbone layer. Op is conv, maxpool or dropout.
type LayerSpec struct {
	Name    string `yaml:"name"`
	Op      string `yaml:"op"`
	Weights string `yaml:"weights"`
	Bias    string `yaml:"bias"`
	Pad     int    `yaml:"pad"`
	Size    int    `yaml:"size"`
	ReLU    bool   `yaml:"relu"`
}

// Handles are the backbone tensors the segmentation head attaches to.
type Handles struct {
	Input    *gorgonia.Node
	KeepProb *KeepProb
	Layer3   *gorgonia.Node
	Layer4   *gorgonia.Node
	Layer7   *gorgonia.Node
}

// Backbone is a loaded pretrained network on a gorgonia graph.
type Backbone struct {
	Tag        string
	learnables gorgonia.Nodes
	tensors    map[string]*gorgonia.Node
	keep       *KeepProb
}

// ReadManifest parses dir/manifest.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingBackbone, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("manifest %s: no layers", dir)
	}
	return &m, nil
}

// LoadBackbone builds the network in dir on g for NCHW input of the given
// batch and spatial size.
func LoadBackbone(g *gorgonia.ExprGraph, dir string, batch, height, width int) (*Backbone, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	bb := &Backbone{
		Tag:     m.Tag,
		tensors: make(map[string]*gorgonia.Node),
		keep:    &KeepProb{},
	}
	x := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(batch, 3, height, width), gorgonia.WithName(InputTensor))
	bb.tensors[InputTensor] = x

	for _, spec := range m.Layers {
		switch spec.Op {
		case "conv":
			x, err = bb.conv(g, dir, spec, x)
		case "maxpool":
			size := spec.Size
			if size <= 0 {
				size = 2
			}
			x, err = gorgonia.MaxPool2D(x, tensor.Shape{size, size}, []int{0, 0}, []int{size, size})
		case "dropout":
			x, err = bb.keep.attach(g, spec.Name, x)
		default:
			err = fmt.Errorf("unknown op %q", spec.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
		}
		bb.tensors[spec.Name] = x
	}

	for _, name := range []string{Layer3Tensor, Layer4Tensor, Layer7Tensor} {
		layer, ok := m.Outputs[name]
		if !ok {
			return nil, fmt.Errorf("manifest %s: output %s not declared", dir, name)
		}
		node, ok := bb.tensors[layer]
		if !ok {
			return nil, fmt.Errorf("manifest %s: output %s refers to unknown layer %s", dir, name, layer)
		}
		bb.tensors[name] = node
	}
	return bb, nil
}

// Tensor looks up a named tensor.
func (bb *Backbone) Tensor(name string) (*gorgonia.Node, error) {
	n, ok := bb.tensors[name]
	if !ok {
		return nil, fmt.Errorf("backbone %s: no tensor named %s", bb.Tag, name)
	}
	return n, nil
}

// Handles resolves the tensors the head needs by name.
func (bb *Backbone) Handles() (Handles, error) {
	h := Handles{KeepProb: bb.keep}
	for _, t := range []struct {
		name string
		dst  **gorgonia.Node
	}{
		{InputTensor, &h.Input},
		{Layer3Tensor, &h.Layer3},
		{Layer4Tensor, &h.Layer4},
		{Layer7Tensor, &h.Layer7},
	} {
		n, err := bb.Tensor(t.name)
		if err != nil {
			return Handles{}, err
		}
		*t.dst = n
	}
	return h, nil
}

// Learnables are the pretrained weights; they are fine-tuned with the head.
func (bb *Backbone) Learnables() gorgonia.Nodes {
	return bb.learnables
}

func (bb *Backbone) conv(g *gorgonia.ExprGraph, dir string, spec LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	wt, err := readNpy(dir, spec.Weights)
	if err != nil {
		return nil, err
	}
	shp := wt.Shape()
	if len(shp) != 4 {
		return nil, fmt.Errorf("weights %s: want 4 dims, got %v", spec.Weights, shp)
	}
	if in := x.Shape()[1]; shp[1] != in {
		return nil, fmt.Errorf("weights %s: %d input channels, layer receives %d", spec.Weights, shp[1], in)
	}
	w := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(shp...), gorgonia.WithName(spec.Name+"_W"), gorgonia.WithValue(wt))
	bb.learnables = append(bb.learnables, w)

	out, err := gorgonia.Conv2d(x, w, tensor.Shape{shp[2], shp[3]}, []int{spec.Pad, spec.Pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}

	if spec.Bias != "" {
		bt, err := readNpy(dir, spec.Bias)
		if err != nil {
			return nil, err
		}
		if bt.Shape().TotalSize() != shp[0] {
			return nil, fmt.Errorf("bias %s: want %d values, got %v", spec.Bias, shp[0], bt.Shape())
		}
		if err := bt.Reshape(1, shp[0], 1, 1); err != nil {
			return nil, fmt.Errorf("bias %s: %w", spec.Bias, err)
		}
		b := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(1, shp[0], 1, 1), gorgonia.WithName(spec.Name+"_b"), gorgonia.WithValue(bt))
		bb.learnables = append(bb.learnables, b)
		if out, err = gorgonia.BroadcastAdd(out, b, nil, []byte{0, 2, 3}); err != nil {
			return nil, err
		}
	}

	if spec.ReLU {
		return gorgonia.Rectify(out)
	}
	return out, nil
}

func readNpy(dir, name string) (*tensor.Dense, error) {
	if name == "" {
		return nil, errors.New("weights file not named")
	}
	path := filepath.Join(dir, "variables", name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingBackbone, path)
		}
		return nil, err
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("read %s: want float32, got %v", path, t.Dtype())
	}
	return t, nil
}

// KeepProb controls the backbone's dropout layers. Each layer multiplies its
// input by a mask input; Set refills the masks with Bernoulli(p)/p samples,
// so p = 1 turns dropout off.
type KeepProb struct {
	masks  []*gorgonia.Node
	values []*tensor.Dense
}

func (k *KeepProb) attach(g *gorgonia.ExprGraph, name string, x *gorgonia.Node) (*gorgonia.Node, error) {
	shp := x.Shape().Clone()
	mask := gorgonia.NewTensor(g, tensor.Float32, shp.Dims(), gorgonia.WithShape(shp...), gorgonia.WithName(name+"_"+KeepProbTensor))
	k.masks = append(k.masks, mask)
	k.values = append(k.values, tensor.New(tensor.WithShape(shp...), tensor.Of(tensor.Float32)))
	return gorgonia.HadamardProd(x, mask)
}

// Layers is the number of dropout layers controlled.
func (k *KeepProb) Layers() int {
	return len(k.masks)
}

// Set samples new masks for keep probability p.
func (k *KeepProb) Set(p float64, rng *rand.Rand) error {
	if p <= 0 || p > 1 {
		return fmt.Errorf("keep probability %g out of range", p)
	}
	scale := float32(1 / p)
	for i, mask := range k.masks {
		data := k.values[i].Data().([]float32)
		for j := range data {
			if p == 1 || rng.Float64() < p {
				data[j] = scale
			} else {
				data[j] = 0
			}
		}
		if err := gorgonia.Let(mask, k.values[i]); err != nil {
			return fmt.Errorf("set %s: %w", mask.Name(), err)
		}
	}
	return nil
}
