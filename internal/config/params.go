package config

import (
	"fmt"
	"strings"
)

// ParamValue is a scalar or a gradient. A gradient is a list of knots
// interpolated piecewise-linearly at the layer fraction t, so a parameter
// can sweep across a slice's depth.
type ParamValue struct {
	Scalar   float64
	Gradient []float64
}

// ScalarValue wraps a plain number.
func ScalarValue(x float64) ParamValue {
	return ParamValue{Scalar: x}
}

// GradientValue wraps interpolation knots.
func GradientValue(knots []float64) ParamValue {
	return ParamValue{Gradient: knots}
}

// IsGradient reports whether the value interpolates by t.
func (v ParamValue) IsGradient() bool {
	return len(v.Gradient) > 0
}

// At evaluates the value at layer fraction t in [0, 1].
func (v ParamValue) At(t float64) float64 {
	if !v.IsGradient() {
		return v.Scalar
	}
	knots := v.Gradient
	if len(knots) == 1 {
		return knots[0]
	}
	scaled := t * float64(len(knots)-1)
	i := int(scaled)
	if i >= len(knots)-1 {
		return knots[len(knots)-1]
	}
	frac := scaled - float64(i)
	return (1-frac)*knots[i] + frac*knots[i+1]
}

// ParamSetting is one conditional parameter entry. An empty Filter
// matches every tensor; otherwise the filter matches tensors whose name
// contains it as a substring.
type ParamSetting struct {
	Filter string
	Value  ParamValue
}

// Matches reports whether the setting applies to the tensor name.
func (s ParamSetting) Matches(tensor string) bool {
	return s.Filter == "" || strings.Contains(tensor, s.Filter)
}

// ParamSet maps parameter names to their conditional settings, first
// match wins within each class (filtered vs unfiltered).
type ParamSet map[string][]ParamSetting

// lookup scans the settings for name and returns the first entry of the
// requested class that matches the tensor, evaluated at t.
func (p ParamSet) lookup(name, tensor string, t float64, filtered bool) (float64, bool) {
	for _, s := range p[name] {
		if filtered != (s.Filter != "") {
			continue
		}
		if filtered && !s.Matches(tensor) {
			continue
		}
		return s.Value.At(t), true
	}
	return 0, false
}

// MissingParameterError reports a required parameter that resolved to no
// value anywhere in the precedence chain.
type MissingParameterError struct {
	Parameter string
	Tensor    string
	Model     string
}

func (e *MissingParameterError) Error() string {
	model := e.Model
	if model == "" {
		model = "<none>"
	}
	return fmt.Sprintf("no value for required parameter %q (tensor %q, model %s)", e.Parameter, e.Tensor, model)
}
