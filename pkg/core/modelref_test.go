package core_test

import (
	"testing"

	"github.com/Protekly/mergekit/pkg/core"
)

func TestParseModelRef(t *testing.T) {
	cases := []struct {
		in       string
		path     string
		revision string
	}{
		{"models/llama-7b", "models/llama-7b", ""},
		{"org/model@main", "org/model", "main"},
		{"  org/model@abc123  ", "org/model", "abc123"},
		{"dir/with@sign/model@rev", "dir/with@sign/model", "rev"},
	}
	for _, c := range cases {
		ref, err := core.ParseModelRef(c.in)
		if err != nil {
			t.Fatalf("ParseModelRef(%q) returned error: %v", c.in, err)
		}
		if ref.Path != c.path || ref.Revision != c.revision {
			t.Errorf("ParseModelRef(%q) = %+v, want path=%q revision=%q", c.in, ref, c.path, c.revision)
		}
	}
}

func TestParseModelRefErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "@rev", "path@"} {
		if _, err := core.ParseModelRef(in); err == nil {
			t.Errorf("ParseModelRef(%q) succeeded, want error", in)
		}
	}
}

func TestModelRefRoundTrip(t *testing.T) {
	for _, s := range []string{"models/a", "org/model@main"} {
		ref, err := core.ParseModelRef(s)
		if err != nil {
			t.Fatalf("ParseModelRef(%q): %v", s, err)
		}
		if got := ref.String(); got != s {
			t.Errorf("round trip of %q produced %q", s, got)
		}
	}
}

func TestModelRefAsMapKey(t *testing.T) {
	a := core.ModelRef{Path: "models/a", Revision: "main"}
	b := core.ModelRef{Path: "models/a", Revision: "main"}
	m := map[core.ModelRef]int{a: 1}
	if m[b] != 1 {
		t.Error("identical refs should index the same map entry")
	}
	if a != b {
		t.Error("identical refs should compare equal")
	}
}
