package core

import "fmt"

// LayerRange addresses a contiguous half-open run [Start, End) of hidden
// layers inside a model.
type LayerRange struct {
	Start int
	End   int
}

// Len returns the number of layers the range covers.
func (r LayerRange) Len() int {
	return r.End - r.Start
}

// Validate checks that the range is non-negative and ordered.
func (r LayerRange) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("layer range start %d is negative", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("layer range [%d, %d) is inverted", r.Start, r.End)
	}
	return nil
}

// String renders the range in half-open notation.
func (r LayerRange) String() string {
	return fmt.Sprintf("[%d:%d)", r.Start, r.End)
}
