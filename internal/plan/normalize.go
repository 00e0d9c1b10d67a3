package plan

import (
	"fmt"
	"strings"

	"github.com/Protekly/mergekit/internal/arch"
	"github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/pkg/core"
)

// Normalize rewrites the shorthand models list into a single full-depth
// output slice. Non-base models keep their listing order; a declared
// base model is forced to source position 0, with a synthetic full-depth
// slice when it was not listed. The models list is cleared afterwards,
// so a second call is a no-op.
func Normalize(cfg *config.MergeConfig, infos map[core.ModelRef]*arch.Info) error {
	if len(cfg.Models) == 0 {
		return nil
	}
	if len(cfg.Slices) > 0 {
		return config.ErrBothModelsAndSlices
	}

	fullDepth := func(ref core.ModelRef) (core.LayerRange, error) {
		info, ok := infos[ref]
		if !ok {
			return core.LayerRange{}, fmt.Errorf("no architecture info for model %s", ref)
		}
		return core.LayerRange{Start: 0, End: info.LayerCount()}, nil
	}

	var baseSlice *config.InputSlice
	sources := make([]config.InputSlice, 0, len(cfg.Models)+1)
	for _, m := range cfg.Models {
		r, err := fullDepth(m.Model)
		if err != nil {
			return err
		}
		s := config.InputSlice{Model: m.Model, Range: r, Parameters: m.Parameters}
		if m.Model == cfg.BaseModel {
			base := s
			baseSlice = &base
			continue
		}
		sources = append(sources, s)
	}

	if !cfg.BaseModel.IsZero() {
		if baseSlice == nil {
			r, err := fullDepth(cfg.BaseModel)
			if err != nil {
				return err
			}
			baseSlice = &config.InputSlice{Model: cfg.BaseModel, Range: r}
		}
		sources = append([]config.InputSlice{*baseSlice}, sources...)
	}

	cfg.Slices = []config.OutputSlice{{Sources: sources}}
	cfg.Models = nil
	return nil
}

// SliceLengthError reports an output slice whose sources disagree on
// layer-range length.
type SliceLengthError struct {
	Slice  int
	Ranges []core.LayerRange
}

func (e *SliceLengthError) Error() string {
	parts := make([]string, len(e.Ranges))
	for i, r := range e.Ranges {
		parts[i] = r.String()
	}
	return fmt.Sprintf("output slice %d: all sources must span the same number of layers, got %s",
		e.Slice, strings.Join(parts, ", "))
}
