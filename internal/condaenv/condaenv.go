package condaenv

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is a parsed conda environment file. Dependencies keep their
// original order; Canonical sorts a copy so equal environments hash equal.
type Spec struct {
	Name         string
	Channels     []string
	Dependencies []string
	Pip          []string
}

type rawSpec struct {
	Name         string   `yaml:"name"`
	Channels     []string `yaml:"channels"`
	Dependencies []any    `yaml:"dependencies"`
}

// Parse reads a conda environment YAML document. The pip subsection, when
// present, is the conventional mapping entry inside dependencies.
func Parse(data []byte) (Spec, error) {
	if len(data) == 0 {
		return Spec{}, errors.New("conda spec is empty")
	}

	var raw rawSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Spec{}, fmt.Errorf("parse conda spec: %w", err)
	}

	spec := Spec{
		Name:     strings.TrimSpace(raw.Name),
		Channels: trimAll(raw.Channels),
	}

	for i, dep := range raw.Dependencies {
		switch typed := dep.(type) {
		case string:
			item := strings.TrimSpace(typed)
			if item == "" {
				continue
			}
			spec.Dependencies = append(spec.Dependencies, item)
		case map[string]any:
			pipRaw, ok := typed["pip"]
			if !ok {
				return Spec{}, fmt.Errorf("dependency %d: unsupported mapping entry", i)
			}
			pipList, ok := pipRaw.([]any)
			if !ok {
				return Spec{}, fmt.Errorf("dependency %d: pip entry must be a list", i)
			}
			for j, p := range pipList {
				pkg, ok := p.(string)
				if !ok {
					return Spec{}, fmt.Errorf("dependency %d: pip entry %d must be a string", i, j)
				}
				pkg = strings.TrimSpace(pkg)
				if pkg == "" {
					continue
				}
				spec.Pip = append(spec.Pip, pkg)
			}
		default:
			return Spec{}, fmt.Errorf("dependency %d: unsupported entry type %T", i, dep)
		}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("conda spec name is required")
	}
	if len(s.Dependencies) == 0 && len(s.Pip) == 0 {
		return errors.New("conda spec must declare at least one dependency")
	}
	for _, dep := range s.Dependencies {
		if strings.ContainsAny(dep, "\n\r") {
			return fmt.Errorf("invalid dependency: %q", dep)
		}
	}
	for _, pkg := range s.Pip {
		if strings.ContainsAny(pkg, "\n\r") {
			return fmt.Errorf("invalid pip dependency: %q", pkg)
		}
	}
	return nil
}

// Canonical returns a copy with channels kept in order and dependencies
// sorted case-insensitively. Channel order is resolution priority and must
// survive; dependency order must not affect the lock hash.
func (s Spec) Canonical() Spec {
	out := Spec{
		Name:         strings.TrimSpace(s.Name),
		Channels:     trimAll(s.Channels),
		Dependencies: trimAll(s.Dependencies),
		Pip:          trimAll(s.Pip),
	}
	sortFold(out.Dependencies)
	sortFold(out.Pip)
	return out
}

// LockSHA256 hashes the canonical form. Two environment files that differ
// only in dependency order or whitespace produce the same lock hash.
func (s Spec) LockSHA256() string {
	canon := s.Canonical()

	var b strings.Builder
	b.WriteString("name\x00" + canon.Name + "\x00")
	b.WriteString("channels\x00" + strings.Join(canon.Channels, "\x00") + "\x00")
	b.WriteString("dependencies\x00" + strings.Join(canon.Dependencies, "\x00") + "\x00")
	b.WriteString("pip\x00" + strings.Join(canon.Pip, "\x00"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MarshalYAML renders the canonical environment file.
func (s Spec) MarshalYAML() ([]byte, error) {
	canon := s.Canonical()

	deps := make([]any, 0, len(canon.Dependencies)+1)
	for _, dep := range canon.Dependencies {
		deps = append(deps, dep)
	}
	if len(canon.Pip) > 0 {
		deps = append(deps, map[string][]string{"pip": canon.Pip})
	}

	doc := map[string]any{
		"name":         canon.Name,
		"dependencies": deps,
	}
	if len(canon.Channels) > 0 {
		doc["channels"] = canon.Channels
	}
	return yaml.Marshal(doc)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func sortFold(items []string) {
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i]) < strings.ToLower(items[j])
	})
}
