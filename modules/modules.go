// Package modules holds the compiled-in tool modules: network probes,
// the CMDB memory surface, the credential vault surface, and the system
// inventory. Each module registers through a discovery batch so loads
// commit or roll back as a unit.
package modules

import (
	"encoding/json"
	"fmt"

	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/discovery"
	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/vault"
)

// All returns every compiled-in module wired to its backing service.
func All(reg *registry.Registry, store *cmdb.CMDB, v *vault.Vault) []discovery.Module {
	return []discovery.Module{
		NewNetwork(),
		NewMemory(store),
		NewCredentials(v),
		NewSystem(reg),
	}
}

// jsonResult marshals v into a text tool result.
func jsonResult(v any) (*protocol.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return protocol.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// intArg reads a numeric argument. JSON numbers decode as float64; a
// schema-validated integer may still arrive either way.
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func boolArg(args map[string]any, name string, def bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return def
}
