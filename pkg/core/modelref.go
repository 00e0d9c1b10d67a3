package core

import (
	"fmt"
	"strings"
)

// ModelRef identifies one input model checkpoint.
// Refs are immutable and comparable; two refs with the same path and
// revision denote the same model, which makes ModelRef usable as a map
// key for model-keyed collections.
type ModelRef struct {
	// Path is a local checkpoint directory or a hub repository id.
	Path string
	// Revision pins a checkpoint revision. Empty means the default.
	Revision string
}

// ParseModelRef parses "path" or "path@revision" into a ModelRef.
func ParseModelRef(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}
	path, revision := s, ""
	// Split on the last '@' so paths containing '@' still parse.
	if i := strings.LastIndex(s, "@"); i >= 0 {
		path, revision = s[:i], s[i+1:]
		if revision == "" {
			return ModelRef{}, fmt.Errorf("model reference %q has empty revision", s)
		}
	}
	if path == "" {
		return ModelRef{}, fmt.Errorf("model reference %q has empty path", s)
	}
	return ModelRef{Path: path, Revision: revision}, nil
}

// String renders the ref as "path@revision", or the bare path when no
// revision is pinned. ParseModelRef inverts it.
func (m ModelRef) String() string {
	if m.Revision == "" {
		return m.Path
	}
	return m.Path + "@" + m.Revision
}

// IsZero reports whether the ref is unset.
func (m ModelRef) IsZero() bool {
	return m.Path == ""
}
