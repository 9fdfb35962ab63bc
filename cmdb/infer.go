package cmdb

import "strings"

// CI type tags. Tags only affect the ci_type storage column, never read
// semantics.
const (
	TypeHost    = "host"
	TypeCluster = "cluster"
	TypeService = "service"
	TypeNetwork = "network"
	TypeStorage = "storage"
	TypeGeneral = "general"
)

var knownTypes = map[string]bool{
	TypeHost:    true,
	TypeCluster: true,
	TypeService: true,
	TypeNetwork: true,
	TypeStorage: true,
	TypeGeneral: true,
}

// inferType tags a value for storage. The key convention ci:<type>:<id> wins
// when it names a known type; otherwise field heuristics run over the value.
func inferType(key string, value any) string {
	if parts := strings.SplitN(key, ":", 3); len(parts) == 3 && parts[0] == "ci" && knownTypes[parts[1]] {
		return parts[1]
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return TypeGeneral
	}
	has := func(fields ...string) bool {
		for _, f := range fields {
			if _, ok := obj[f]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("nodes", "cluster_name", "quorum"):
		return TypeCluster
	case has("cidr", "subnet", "vlan", "gateway"):
		return TypeNetwork
	case has("capacity_gb", "mount", "filesystem", "pool"):
		return TypeStorage
	case has("port", "service", "protocol", "endpoint"):
		return TypeService
	case has("ip", "hostname", "os", "mac"):
		return TypeHost
	default:
		return TypeGeneral
	}
}
