package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type resourceFile struct {
	Resources []*Resource `yaml:"resources"`
}

// LoadFile reads resource declarations from a YAML file. Hooks and actions
// cannot be expressed in YAML; attach them in Go before building the registry.
func LoadFile(path string) ([]*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resources file: %w", err)
	}
	return Parse(data)
}

// Parse decodes resource declarations from YAML.
func Parse(data []byte) ([]*Resource, error) {
	var file resourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse resources: %w", err)
	}
	for i, r := range file.Resources {
		if r == nil || r.Name == "" {
			return nil, fmt.Errorf("resource #%d has no name", i+1)
		}
	}
	return file.Resources, nil
}

// Merge appends extra resources to base, skipping any whose name is already
// declared in base. Go declarations win because they can carry hooks.
func Merge(base []*Resource, extra []*Resource) []*Resource {
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		seen[r.Name] = true
	}
	out := append([]*Resource(nil), base...)
	for _, r := range extra {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}
