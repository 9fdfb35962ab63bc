package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scout-hq/scout/registry"
)

// System publishes the registry's own module inventory as a resource.
type System struct {
	reg *registry.Registry
}

// NewSystem returns the system module over reg.
func NewSystem(reg *registry.Registry) *System { return &System{reg: reg} }

func (s *System) Name() string     { return "system" }
func (s *System) Category() string { return "general" }

func (s *System) Register(_ context.Context, b *registry.Batch, _ map[string]any) error {
	return b.RegisterResource(registry.Resource{
		URI:      "registry://modules",
		Name:     "Module inventory",
		MIMEType: "application/json",
		Provider: func(context.Context) (string, error) {
			data, err := json.MarshalIndent(s.reg.ListModules(), "", "  ")
			if err != nil {
				return "", fmt.Errorf("encoding module inventory: %w", err)
			}
			return string(data), nil
		},
	})
}
