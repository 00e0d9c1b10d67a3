package core

// WeightInfo describes one tensor an architecture expects to find in a
// checkpoint. Weight lists come from the architecture definition bound to
// a concrete model config; the planner treats them as opaque work items.
type WeightInfo struct {
	// Name is the canonical tensor name, e.g. "model.layers.3.mlp.down_proj.weight".
	Name string
	// Aliases are alternate names older exports use for the same tensor.
	Aliases []string
	// IsEmbed marks the token embedding table.
	IsEmbed bool
	// IsLMHead marks the output projection over the vocabulary.
	IsLMHead bool
	// Optional weights may legitimately be absent from a checkpoint
	// (e.g. an lm_head tied to the embedding).
	Optional bool
	// InputSpace and OutputSpace name the activation spaces this tensor
	// reads from and writes to. Empty means the tensor is not subject to
	// alignment.
	InputSpace  string
	OutputSpace string
}
