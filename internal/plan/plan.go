// Package plan compiles a merge configuration into a flat,
// dependency-ordered task list. Planning is single-threaded and performs
// no tensor I/O: it normalizes the config, resolves every parameter,
// verifies slice structure, and wires load, align, merge, save, and
// finalize tasks into one implicit graph, so configuration mistakes
// surface before the first byte of any checkpoint is read.
package plan

import (
	"fmt"
	"log/slog"

	"github.com/Protekly/mergekit/internal/align"
	"github.com/Protekly/mergekit/internal/arch"
	"github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/method"
	"github.com/Protekly/mergekit/internal/tensorio"
	"github.com/Protekly/mergekit/internal/tokenizer"
	"github.com/Protekly/mergekit/pkg/core"
)

// Options adjust planning beyond what the merge config itself carries.
type Options struct {
	// OutPath is the output checkpoint directory.
	OutPath string
	// CloneTensors copies every tensor before it is written, so writes
	// never share a buffer with another task.
	CloneTensors bool
	// Logger receives planning logs. Defaults to a discard logger.
	Logger *slog.Logger
}

// Plan is one compiled merge: every save task in output order, then the
// finalize task, then the tokenizer build when one was requested. List
// order is a scheduling hint; correctness comes from the dependency
// edges alone.
type Plan struct {
	Tasks     []graph.Task
	Finalize  *tensorio.FinalizeModel
	Tokenizer *tokenizer.BuildTask
}

// Roots returns the terminal tasks an executor should demand. The
// finalize task reaches every tensor task; the tokenizer build is listed
// separately so it runs even for plans without vocabulary weights.
func (pl *Plan) Roots() []graph.Task {
	roots := []graph.Task{pl.Finalize}
	if pl.Tokenizer != nil {
		roots = append(roots, pl.Tokenizer)
	}
	return roots
}

// Planner compiles one merge configuration against the architectures of
// its referenced models. Construction resolves everything that can fail
// fast: the merge method, each model's architecture, and the normalized
// slice structure. The zero value is not usable; use NewPlanner.
type Planner struct {
	cfg    *config.MergeConfig
	opts   Options
	logger *slog.Logger

	method  method.Method
	permute method.Method
	infos   map[core.ModelRef]*arch.Info
	out     *arch.Info
	cache   *tensorio.LoaderCache
	writer  *tensorio.WriterTask
	aligner *align.SpacePlanner
	tok     *tokenizer.BuildTask

	tasks  []graph.Task
	saves  []graph.Task
	layers int
}

// NewPlanner builds a planner for cfg. The config is validated and
// normalized in place; the shorthand models list becomes a single
// full-depth output slice with the base model first.
func NewPlanner(cfg *config.MergeConfig, opts Options) (*Planner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.OutPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := method.Get(cfg.MergeMethod)
	if err != nil {
		return nil, err
	}

	refs := cfg.ReferencedModels()
	infos := make(map[core.ModelRef]*arch.Info, len(refs))
	var first *arch.Info
	for _, ref := range refs {
		info, err := arch.InfoFor(ref)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = info
		} else if info.Definition().ModelType != first.Definition().ModelType {
			return nil, fmt.Errorf("model %s is %s but other inputs are %s; cannot merge across architectures",
				ref, info.Definition().ModelType, first.Definition().ModelType)
		}
		infos[ref] = info
	}

	if err := Normalize(cfg, infos); err != nil {
		return nil, err
	}

	total := 0
	for _, s := range cfg.Slices {
		total += s.Sources[0].Range.Len()
	}
	out, err := infos[cfg.Slices[0].Sources[0].Model].WithLayerCount(total)
	if err != nil {
		return nil, err
	}

	configYAML, err := cfg.CanonicalYAML()
	if err != nil {
		return nil, fmt.Errorf("rendering canonical config: %w", err)
	}

	p := &Planner{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		method: m,
		infos:  infos,
		out:    out,
		cache:  tensorio.NewLoaderCache(),
		writer: tensorio.NewWriterTask(opts.OutPath, cfg.DType, cfg.OutShardSize, configYAML),
	}
	if cfg.TokenizerSource != "" {
		p.tok = tokenizer.NewBuildTask(cfg.BaseModel, refs, cfg.TokenizerSource)
		p.permute = method.NewTokenizerPermute(p.tok)
	}
	if cfg.AlignWeights {
		p.aligner = align.NewSpacePlanner(cfg.BaseModel, cfg.DType, p.cache)
	}
	return p, nil
}

// Cache returns the loader cache every load task of this plan shares.
// The caller closes it once execution finishes.
func (p *Planner) Cache() *tensorio.LoaderCache {
	return p.cache
}

// Close releases the shared loader cache.
func (p *Planner) Close() error {
	return p.cache.Close()
}

// OutputArch returns the architecture of the merged model.
func (p *Planner) OutputArch() *arch.Info {
	return p.out
}

// Method returns the resolved merge method.
func (p *Planner) Method() method.Method {
	return p.method
}

// Config returns the planner's normalized configuration.
func (p *Planner) Config() *config.MergeConfig {
	return p.cfg
}

// Plan compiles the full task list. The sequence is fixed: procedural
// spaces, pre weights at t=0 with the first slice's sources, every
// output slice in declared order, post weights at t=1 with the last
// slice's sources, one finalize task over every save, and the tokenizer
// build last when one was requested.
func (p *Planner) Plan() (*Plan, error) {
	if err := p.checkSliceLengths(); err != nil {
		return nil, err
	}

	p.tasks = make([]graph.Task, 0, 2)
	p.saves = make([]graph.Task, 0, 2)
	p.layers = 0

	if p.aligner != nil {
		for _, id := range p.out.ProceduralSpaces() {
			p.aligner.AddProceduralSpace(id)
		}
	}

	reader := config.Reader{Config: p.cfg}

	firstSlice := &p.cfg.Slices[0]
	err := p.planFrame(p.out.PreWeights(), (*arch.Info).PreWeights, firstSlice,
		reader.ForSlice(firstSlice).WithT(0))
	if err != nil {
		return nil, err
	}

	for i := range p.cfg.Slices {
		if err := p.planSlice(i); err != nil {
			return nil, err
		}
	}

	lastSlice := &p.cfg.Slices[len(p.cfg.Slices)-1]
	err = p.planFrame(p.out.PostWeights(), (*arch.Info).PostWeights, lastSlice,
		reader.ForSlice(lastSlice).WithT(1))
	if err != nil {
		return nil, err
	}

	finalize := tensorio.NewFinalizeModel(p.writer, p.saves)
	p.tasks = append(p.tasks, finalize)
	if p.tok != nil {
		p.tasks = append(p.tasks, p.tok)
	}

	p.logger.Info("merge plan compiled",
		"method", p.method.Name(),
		"tensors", len(p.saves),
		"layers", p.layers,
		"tasks", len(p.tasks))

	return &Plan{Tasks: p.tasks, Finalize: finalize, Tokenizer: p.tok}, nil
}

// planFrame plans the weights outside the layer stack. perModel selects
// the matching weight list from each source model's own architecture
// info.
func (p *Planner) planFrame(outWeights []core.WeightInfo, perModel func(*arch.Info) []core.WeightInfo, s *config.OutputSlice, reader config.Reader) error {
	for wi, outW := range outWeights {
		inputs := make([]align.ModelWeight, len(s.Sources))
		for i, src := range s.Sources {
			inputs[i] = align.ModelWeight{Model: src.Model, Weight: perModel(p.infos[src.Model])[wi]}
		}
		if err := p.planTensor(outW, inputs, reader); err != nil {
			return err
		}
	}
	return nil
}

// checkSliceLengths rejects any output slice whose sources disagree on
// layer-range length, before a single tensor task exists.
func (p *Planner) checkSliceLengths() error {
	for idx := range p.cfg.Slices {
		s := &p.cfg.Slices[idx]
		n := s.Sources[0].Range.Len()
		for _, src := range s.Sources[1:] {
			if src.Range.Len() != n {
				ranges := make([]core.LayerRange, len(s.Sources))
				for i, sc := range s.Sources {
					ranges[i] = sc.Range
				}
				return &SliceLengthError{Slice: idx, Ranges: ranges}
			}
		}
	}
	return nil
}

// planSlice plans each layer position of one output slice at its
// interpolation fraction. A single-layer slice sits at the far end of
// the range, t=1, not its midpoint.
func (p *Planner) planSlice(idx int) error {
	s := &p.cfg.Slices[idx]
	n := s.Sources[0].Range.Len()
	p.logger.Debug("planning output slice", "slice", idx, "layers", n)

	reader := config.Reader{Config: p.cfg}.ForSlice(s)
	for li := 0; li < n; li++ {
		t := 1.0
		if n > 1 {
			t = float64(li) / float64(n-1)
		}
		if err := p.planLayer(s, li, reader.WithT(t)); err != nil {
			return err
		}
	}
	return nil
}

// planLayer plans every weight of one output layer. Output names expand
// at the cumulative output depth; each source contributes its weight at
// its own absolute depth Range.Start+offset.
func (p *Planner) planLayer(s *config.OutputSlice, offset int, reader config.Reader) error {
	outWeights := p.out.LayerWeights(p.layers)
	inWeights := make([][]core.WeightInfo, len(s.Sources))
	for i, src := range s.Sources {
		inWeights[i] = p.infos[src.Model].LayerWeights(src.Range.Start + offset)
	}

	for wi, outW := range outWeights {
		inputs := make([]align.ModelWeight, len(s.Sources))
		for i, src := range s.Sources {
			inputs[i] = align.ModelWeight{Model: src.Model, Weight: inWeights[i][wi]}
		}
		if err := p.planTensor(outW, inputs, reader); err != nil {
			return err
		}
	}
	p.layers++
	return nil
}

// planTensor builds the task subgraph for one output tensor: method
// selection, parameter resolution, alignment registration, per-model
// loads, the gather node, the compute task, and the save task.
func (p *Planner) planTensor(w core.WeightInfo, inputs []align.ModelWeight, reader config.Reader) error {
	m := p.method
	if p.permute != nil && (w.IsEmbed || w.IsLMHead) {
		m = p.permute
	}

	base := p.cfg.BaseModel

	outReader := reader.ForTensor(w.Name)
	params := make(map[string]float64, len(m.Parameters()))
	for _, def := range m.Parameters() {
		v, _, err := outReader.Parameter(def.Name, core.ModelRef{}, def.Required, def.Default)
		if err != nil {
			return err
		}
		params[def.Name] = v
	}

	// Per-model parameters resolve against the input weight's name, which
	// differs from the output name when layer indices are remapped. The
	// base model is exempt from requiredness; a required parameter it
	// does not configure stays absent from its map.
	tensorParams := make(map[core.ModelRef]map[string]float64, len(inputs))
	for _, in := range inputs {
		isBase := !base.IsZero() && in.Model == base
		inReader := reader.ForTensor(in.Weight.Name)
		mp := make(map[string]float64, len(m.TensorParameters()))
		for _, def := range m.TensorParameters() {
			v, found, err := inReader.Parameter(def.Name, in.Model, def.Required && !isBase, def.Default)
			if err != nil {
				return err
			}
			if found || !def.Required {
				mp[def.Name] = v
			}
		}
		tensorParams[in.Model] = mp
	}

	if p.aligner != nil {
		p.aligner.AddWeight(w, inputs)
	}

	items := make([]graph.GatherItem, len(inputs))
	for i, in := range inputs {
		var load graph.Task = tensorio.NewLoadTensor(p.cache, in.Model, in.Weight, p.cfg.DType)
		if p.aligner != nil {
			load = p.aligner.AlignLoad(in.Model, in.Weight, load)
		}
		items[i] = graph.GatherItem{Model: in.Model, Task: load}
	}

	compute := m.MakeTask(method.TensorRequest{
		Output:           w,
		Tensors:          graph.NewGather(items),
		Parameters:       params,
		TensorParameters: tensorParams,
		BaseModel:        base,
	})
	save := tensorio.NewSaveTensor(w.Name, compute, p.writer, p.opts.CloneTensors)
	p.tasks = append(p.tasks, save)
	p.saves = append(p.saves, save)
	return nil
}
