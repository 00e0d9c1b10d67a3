package config

import (
	"github.com/Protekly/mergekit/pkg/core"
)

// Reader resolves parameter values for one (tensor, model, t) context.
// Readers are immutable values; the For/With helpers return adjusted
// copies, so a reader can be threaded through planning without shared
// state.
type Reader struct {
	Config *MergeConfig
	Slice  *OutputSlice // owning output slice, nil outside slice planning
	T      float64
	Tensor string
}

// ForTensor returns a copy scoped to the given tensor name.
func (r Reader) ForTensor(name string) Reader {
	r.Tensor = name
	return r
}

// ForSlice returns a copy scoped to the given output slice.
func (r Reader) ForSlice(s *OutputSlice) Reader {
	r.Slice = s
	return r
}

// WithT returns a copy at the given layer interpolation fraction.
func (r Reader) WithT(t float64) Reader {
	r.T = t
	return r
}

// BaseModel returns the config's base model (zero when none).
func (r Reader) BaseModel() core.ModelRef {
	return r.Config.BaseModel
}

// Parameter resolves a parameter for the acting model (zero ModelRef
// means no acting model). Precedence, most specific first:
//
//  1. filtered setting on the model's slice entry matching the tensor
//  2. filtered global setting matching the tensor
//  3. unfiltered setting on the model's slice entry
//  4. unfiltered global setting
//  5. the declared default
//
// A required parameter that falls through every scope yields a
// *MissingParameterError; otherwise the default is returned. The boolean
// reports whether a configured value was found, so callers can tell a
// resolved value apart from the default fallback.
func (r Reader) Parameter(name string, model core.ModelRef, required bool, def float64) (float64, bool, error) {
	var modelParams ParamSet
	if r.Slice != nil && !model.IsZero() {
		for i := range r.Slice.Sources {
			if r.Slice.Sources[i].Model == model {
				modelParams = r.Slice.Sources[i].Parameters
				break
			}
		}
	}
	var globalParams ParamSet
	if r.Config != nil {
		globalParams = r.Config.Parameters
	}

	if v, ok := modelParams.lookup(name, r.Tensor, r.T, true); ok {
		return v, true, nil
	}
	if v, ok := globalParams.lookup(name, r.Tensor, r.T, true); ok {
		return v, true, nil
	}
	if v, ok := modelParams.lookup(name, r.Tensor, r.T, false); ok {
		return v, true, nil
	}
	if v, ok := globalParams.lookup(name, r.Tensor, r.T, false); ok {
		return v, true, nil
	}

	if required {
		return 0, false, &MissingParameterError{
			Parameter: name,
			Tensor:    r.Tensor,
			Model:     model.String(),
		}
	}
	return def, false, nil
}
