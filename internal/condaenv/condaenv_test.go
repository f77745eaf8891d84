package condaenv

import (
	"strings"
	"testing"
)

const sampleSpec = `name: train-env
channels:
  - conda-forge
  - defaults
dependencies:
  - python=3.11
  - numpy=1.26
  - pip
  - pip:
      - torch==2.3.0
      - mlmetrics>=0.4
`

func TestParse(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if spec.Name != "train-env" {
		t.Fatalf("Name=%q, want train-env", spec.Name)
	}
	if len(spec.Channels) != 2 || spec.Channels[0] != "conda-forge" {
		t.Fatalf("Channels=%v", spec.Channels)
	}
	if len(spec.Dependencies) != 3 {
		t.Fatalf("Dependencies=%v, want 3 entries", spec.Dependencies)
	}
	if len(spec.Pip) != 2 || spec.Pip[0] != "torch==2.3.0" {
		t.Fatalf("Pip=%v", spec.Pip)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no name", "dependencies:\n  - python=3.11\n"},
		{"no dependencies", "name: empty-env\n"},
		{"unsupported mapping", "name: e\ndependencies:\n  - conda:\n      - x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in)); err == nil {
				t.Fatalf("Parse(%q) expected error", tt.name)
			}
		})
	}
}

func TestLockSHA256_OrderInsensitive(t *testing.T) {
	a, err := Parse([]byte("name: e\ndependencies:\n  - numpy=1.26\n  - python=3.11\n"))
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := Parse([]byte("name: e\ndependencies:\n  - python=3.11\n  - numpy=1.26\n"))
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}
	if a.LockSHA256() != b.LockSHA256() {
		t.Fatalf("lock hash should not depend on dependency order")
	}

	c, err := Parse([]byte("name: e\ndependencies:\n  - python=3.12\n  - numpy=1.26\n"))
	if err != nil {
		t.Fatalf("Parse c: %v", err)
	}
	if a.LockSHA256() == c.LockSHA256() {
		t.Fatalf("lock hash should change when a pin changes")
	}
}

func TestLockSHA256_ChannelOrderMatters(t *testing.T) {
	a := Spec{Name: "e", Channels: []string{"conda-forge", "defaults"}, Dependencies: []string{"python=3.11"}}
	b := Spec{Name: "e", Channels: []string{"defaults", "conda-forge"}, Dependencies: []string{"python=3.11"}}
	if a.LockSHA256() == b.LockSHA256() {
		t.Fatalf("channel priority order must affect the lock hash")
	}
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	rendered, err := spec.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML() err=%v", err)
	}
	if !strings.Contains(string(rendered), "train-env") {
		t.Fatalf("rendered spec missing name: %s", rendered)
	}

	again, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse(rendered) err=%v", err)
	}
	if again.LockSHA256() != spec.LockSHA256() {
		t.Fatalf("canonical render must preserve the lock hash")
	}
}
