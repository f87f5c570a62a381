package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Head is the skip-connection decoder attached to a backbone.
type Head struct {
	Output     *gorgonia.Node
	Learnables gorgonia.Nodes

	rng *rand.Rand
}

// Layers builds the decoder: a 1x1 convolution scores layer7, which is then
// upsampled back to input resolution, adding layer4 and layer3 on the way.
// Each upsampling step is a 3x3 convolution at the lower resolution followed
// by a nearest-neighbour upsample, standing in for a strided transposed
// convolution. The last step reaches full resolution with numClasses
// channels and is smoothed by one more 3x3 convolution. Initial weights are
// drawn from rng.
func Layers(h Handles, numClasses int, rng *rand.Rand) (*Head, error) {
	head := &Head{rng: rng}

	l8, err := head.conv(h.Layer7, "fcn_layer8", numClasses, 1)
	if err != nil {
		return nil, err
	}

	l9, err := head.upsample(l8, "fcn_layer9", h.Layer4.Shape()[1], 2)
	if err != nil {
		return nil, err
	}
	skip4, err := gorgonia.Add(l9, h.Layer4)
	if err != nil {
		return nil, fmt.Errorf("skip from layer4: %w", err)
	}

	l10, err := head.upsample(skip4, "fcn_layer10", h.Layer3.Shape()[1], 2)
	if err != nil {
		return nil, err
	}
	skip3, err := gorgonia.Add(l10, h.Layer3)
	if err != nil {
		return nil, fmt.Errorf("skip from layer3: %w", err)
	}

	l11, err := head.upsample(skip3, "fcn_layer11", numClasses, 8)
	if err != nil {
		return nil, err
	}
	out, err := head.conv(l11, "fcn_layer11_smooth", numClasses, 3)
	if err != nil {
		return nil, err
	}
	head.Output = out
	return head, nil
}

func (hd *Head) upsample(x *gorgonia.Node, name string, filters, scale int) (*gorgonia.Node, error) {
	scored, err := hd.conv(x, name, filters, 3)
	if err != nil {
		return nil, err
	}
	up, err := upsampleNearest(scored, name, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return up, nil
}

// upsampleNearest repeats every pixel of an NCHW tensor scale times along H
// and W. Each axis is one product with a fixed 0/1 matrix.
func upsampleNearest(x *gorgonia.Node, name string, scale int) (*gorgonia.Node, error) {
	shp := x.Shape()
	n, c, h, w := shp[0], shp[1], shp[2], shp[3]
	g := x.Graph()

	// (N*C*H, W) x (W, sW): widen rows.
	rows, err := gorgonia.Reshape(x, tensor.Shape{n * c * h, w})
	if err != nil {
		return nil, err
	}
	wide, err := gorgonia.Mul(rows, repeatMatrix(g, name+"_up_w", w, scale))
	if err != nil {
		return nil, err
	}

	// Swap H and sW, then widen H the same way.
	planes, err := gorgonia.Reshape(wide, tensor.Shape{n * c, h, w * scale})
	if err != nil {
		return nil, err
	}
	cols, err := gorgonia.Transpose(planes, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	cols, err = gorgonia.Reshape(cols, tensor.Shape{n * c * w * scale, h})
	if err != nil {
		return nil, err
	}
	tall, err := gorgonia.Mul(cols, repeatMatrix(g, name+"_up_h", h, scale))
	if err != nil {
		return nil, err
	}

	planes, err = gorgonia.Reshape(tall, tensor.Shape{n * c, w * scale, h * scale})
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.Transpose(planes, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(out, tensor.Shape{n, c, h * scale, w * scale})
}

// repeatMatrix is the (size, size*scale) matrix with m[i][j] = 1 iff j/scale == i.
func repeatMatrix(g *gorgonia.ExprGraph, name string, size, scale int) *gorgonia.Node {
	data := make([]float32, size*size*scale)
	for i := 0; i < size; i++ {
		for k := 0; k < scale; k++ {
			data[i*size*scale+i*scale+k] = 1
		}
	}
	m := tensor.New(tensor.WithShape(size, size*scale), tensor.WithBacking(data))
	return gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(size, size*scale), gorgonia.WithName(name), gorgonia.WithValue(m))
}

func (hd *Head) conv(x *gorgonia.Node, name string, filters, kernel int) (*gorgonia.Node, error) {
	g := x.Graph()
	in := x.Shape()[1]
	w := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(filters, in, kernel, kernel),
		gorgonia.WithName(name+"_W"),
		gorgonia.WithValue(hd.glorot(filters, in, kernel)))
	b := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(1, filters, 1, 1),
		gorgonia.WithName(name+"_b"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, filters, 1, 1), tensor.Of(tensor.Float32))))
	hd.Learnables = append(hd.Learnables, w, b)

	pad := kernel / 2
	out, err := gorgonia.Conv2d(x, w, tensor.Shape{kernel, kernel}, []int{pad, pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out, err = gorgonia.BroadcastAdd(out, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// glorot draws a (filters, in, k, k) kernel from N(0, 2/(fanIn+fanOut)).
func (hd *Head) glorot(filters, in, kernel int) *tensor.Dense {
	area := kernel * kernel
	std := math.Sqrt(2 / float64((in+filters)*area))
	data := make([]float32, filters*in*area)
	for i := range data {
		data[i] = float32(hd.rng.NormFloat64() * std)
	}
	return tensor.New(tensor.WithShape(filters, in, kernel, kernel), tensor.WithBacking(data))
}
