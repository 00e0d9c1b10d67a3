// Package tensor provides the dense float32 buffers merge arithmetic
// runs on. Checkpoint dtypes convert to float32 at load time and back at
// save time; everything in between stays float32.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major float32 buffer with a shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New wraps data in a tensor after checking it matches the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	n := numElements(shape)
	if n != len(data) {
		return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, numElements(s))}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int {
	return len(t.Data)
}

// Rows returns the size of the leading dimension (1 for rank-0 tensors).
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowLen returns the number of elements per leading-dimension row.
func (t *Tensor) RowLen() int {
	r := t.Rows()
	if r == 0 {
		return 0
	}
	return len(t.Data) / r
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := Zeros(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// ShapeEquals reports whether two tensors have identical shapes.
func (t *Tensor) ShapeEquals(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// ShapeString renders the shape as "4096x11008".
func (t *Tensor) ShapeString() string {
	if len(t.Shape) == 0 {
		return "scalar"
	}
	parts := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return strings.Join(parts, "x")
}
