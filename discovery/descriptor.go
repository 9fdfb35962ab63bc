package discovery

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor is a module.yaml file: which compiled-in module to load,
// what it depends on, and its settings.
type Descriptor struct {
	Name     string         `yaml:"name"`
	Category string         `yaml:"category"`
	Requires []string       `yaml:"requires"`
	Enabled  *bool          `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

// IsEnabled reports whether the module should load. Absent means enabled.
func (d *Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ParseDescriptor reads and validates a module.yaml file.
func ParseDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return nil, fmt.Errorf("descriptor %s has no name", path)
	}
	return &d, nil
}
