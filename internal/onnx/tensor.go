package onnx

import (
	"errors"
	"fmt"
)

// Layout describes the axis order of a single-image tensor.
type Layout int

const (
	// LayoutNHWC is [N, H, W, C], channels last.
	LayoutNHWC Layout = iota
	// LayoutNCHW is [N, C, H, W], channels first.
	LayoutNCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Tensor represents a simple float32 tensor prepared for ONNX input.
// Data layout is row-major in the order given by Layout.
type Tensor struct {
	Data   []float32
	Shape  []int64
	Layout Layout
}

// NewImageTensor builds a single-image tensor with a leading batch dimension of 1.
// data must be length C*H*W already ordered according to layout.
func NewImageTensor(data []float32, layout Layout, c, h, w int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	expected := c * h * w
	if len(data) != expected {
		return Tensor{}, fmt.Errorf("unexpected data length: got %d, want %d", len(data), expected)
	}
	var shape []int64
	switch layout {
	case LayoutNHWC:
		shape = []int64{1, int64(h), int64(w), int64(c)}
	case LayoutNCHW:
		shape = []int64{1, int64(c), int64(h), int64(w)}
	default:
		return Tensor{}, fmt.Errorf("unsupported layout %s", layout)
	}
	return Tensor{Data: data, Shape: shape, Layout: layout}, nil
}

// ValidateShape ensures a shape is rank 4 with positive dimensions.
func ValidateShape(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
	}
	return nil
}

// Dims returns channels, height and width regardless of layout.
func (t Tensor) Dims() (c, h, w int) {
	if len(t.Shape) != 4 {
		return 0, 0, 0
	}
	if t.Layout == LayoutNCHW {
		return int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	}
	return int(t.Shape[3]), int(t.Shape[1]), int(t.Shape[2])
}

// VerifyImageTensor checks data length matches the shape.
func VerifyImageTensor(t Tensor) error {
	if err := ValidateShape(t.Shape); err != nil {
		return err
	}
	expected := int(t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3])
	if len(t.Data) != expected {
		return fmt.Errorf("tensor data length %d != expected %d for shape %v", len(t.Data), expected, t.Shape)
	}
	return nil
}

// ToLayout returns the tensor rearranged into layout. The receiver is
// returned unchanged when it already matches.
func (t Tensor) ToLayout(layout Layout) (Tensor, error) {
	if t.Layout == layout {
		return t, nil
	}
	if err := VerifyImageTensor(t); err != nil {
		return Tensor{}, err
	}
	c, h, w := t.Dims()
	out := make([]float32, len(t.Data))
	plane := h * w
	for y := range h {
		for x := range w {
			for ch := range c {
				hwc := (y*w+x)*c + ch
				chw := ch*plane + y*w + x
				if layout == LayoutNCHW {
					out[chw] = t.Data[hwc]
				} else {
					out[hwc] = t.Data[chw]
				}
			}
		}
	}
	return NewImageTensor(out, layout, c, h, w)
}

// InputSpec is the image input a model declares. Height or Width are 0 when dynamic.
type InputSpec struct {
	Layout   Layout
	Channels int
	Height   int
	Width    int
}

// InputSpecFromShape infers the layout of a declared image input. A trailing
// channel axis of 3 means NHWC, a second axis of 3 means NCHW. Dynamic
// dimensions are reported as -1 by onnxruntime and mapped to 0.
func InputSpecFromShape(dims []int64) (InputSpec, error) {
	if len(dims) != 4 {
		return InputSpec{}, fmt.Errorf("expected rank-4 image input, got shape %v", dims)
	}
	pos := func(v int64) int {
		if v > 0 {
			return int(v)
		}
		return 0
	}
	switch {
	case dims[3] == 3:
		return InputSpec{Layout: LayoutNHWC, Channels: 3, Height: pos(dims[1]), Width: pos(dims[2])}, nil
	case dims[1] == 3:
		return InputSpec{Layout: LayoutNCHW, Channels: 3, Height: pos(dims[2]), Width: pos(dims[3])}, nil
	default:
		return InputSpec{}, fmt.Errorf("cannot infer RGB layout from input shape %v", dims)
	}
}

// TensorStats computes simple statistics for debug output.
func TensorStats(data []float32) (float32, float32, float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	var minVal, maxVal, mean float32
	minVal, maxVal = data[0], data[0]
	var sum float64
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
	}
	mean = float32(sum / float64(len(data)))
	return minVal, maxVal, mean
}
