package tensor

import (
	"fmt"
	"math"
)

// Interpolation falls back to linear when the vectors are this close to
// colinear, where the spherical formula loses precision.
const dotThreshold = 0.9995

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("shape mismatch: %s vs %s", a.ShapeString(), b.ShapeString())
	}
	out := Zeros(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Scale returns s * t as a new tensor.
func Scale(t *Tensor, s float64) *Tensor {
	out := Zeros(t.Shape...)
	for i := range out.Data {
		out.Data[i] = float32(s * float64(t.Data[i]))
	}
	return out
}

// AddScaled accumulates dst += s * src in place.
func AddScaled(dst, src *Tensor, s float64) error {
	if !dst.ShapeEquals(src) {
		return fmt.Errorf("shape mismatch: %s vs %s", dst.ShapeString(), src.ShapeString())
	}
	for i := range dst.Data {
		dst.Data[i] += float32(s * float64(src.Data[i]))
	}
	return nil
}

// WeightedSum computes sum(ws[i] * ts[i]). With normalize set the result
// is divided by the sum of weights when that sum is nonzero.
func WeightedSum(ts []*Tensor, ws []float64, normalize bool) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("weighted sum of zero tensors")
	}
	if len(ts) != len(ws) {
		return nil, fmt.Errorf("got %d tensors but %d weights", len(ts), len(ws))
	}
	out := Zeros(ts[0].Shape...)
	total := 0.0
	for i, t := range ts {
		if err := AddScaled(out, t, ws[i]); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		total += ws[i]
	}
	if normalize && total != 0 {
		inv := 1.0 / total
		for i := range out.Data {
			out.Data[i] = float32(float64(out.Data[i]) * inv)
		}
	}
	return out, nil
}

// Lerp linearly interpolates (1-t)*a + t*b.
func Lerp(a, b *Tensor, t float64) (*Tensor, error) {
	return WeightedSum([]*Tensor{a, b}, []float64{1 - t, t}, false)
}

// Slerp spherically interpolates between a and b, treating each tensor as
// one flattened vector. Degenerate and near-colinear inputs fall back to
// linear interpolation.
func Slerp(a, b *Tensor, t float64) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("shape mismatch: %s vs %s", a.ShapeString(), b.ShapeString())
	}
	na, nb := norm(a.Data), norm(b.Data)
	if na == 0 || nb == 0 {
		return Lerp(a, b, t)
	}
	dot := 0.0
	for i := range a.Data {
		dot += float64(a.Data[i]) * float64(b.Data[i])
	}
	dot /= na * nb
	if math.Abs(dot) > dotThreshold {
		return Lerp(a, b, t)
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	s0 := math.Sin((1-t)*theta) / sinTheta
	s1 := math.Sin(t*theta) / sinTheta
	out := Zeros(a.Shape...)
	for i := range out.Data {
		out.Data[i] = float32(s0*float64(a.Data[i]) + s1*float64(b.Data[i]))
	}
	return out, nil
}

func norm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// PermuteCols gathers columns of a rank-2 tensor: output column j comes
// from source column perm[j], and a negative index leaves the column
// zeroed.
func PermuteCols(t *Tensor, perm []int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("cannot permute columns of a rank-%d tensor", len(t.Shape))
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := Zeros(rows, len(perm))
	for j, src := range perm {
		if src < 0 {
			continue
		}
		if src >= cols {
			return nil, fmt.Errorf("column %d out of range for %d columns", src, cols)
		}
		for i := 0; i < rows; i++ {
			out.Data[i*len(perm)+j] = t.Data[i*cols+src]
		}
	}
	return out, nil
}

// PermuteRows gathers rows of t into a new tensor: output row i comes from
// source row perm[i], and a negative index leaves the row zeroed.
func PermuteRows(t *Tensor, perm []int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot permute rows of a scalar")
	}
	rowLen := t.RowLen()
	outShape := make([]int, len(t.Shape))
	copy(outShape, t.Shape)
	outShape[0] = len(perm)
	out := Zeros(outShape...)
	for i, src := range perm {
		if src < 0 {
			continue
		}
		if src >= t.Rows() {
			return nil, fmt.Errorf("row %d out of range for %d rows", src, t.Rows())
		}
		copy(out.Data[i*rowLen:(i+1)*rowLen], t.Data[src*rowLen:(src+1)*rowLen])
	}
	return out, nil
}
