package transport

import "strings"

// Routing keys for outbound AMQP notifications, derived from the tool or
// method name a notification concerns.
const (
	KeyNmap        = "discovery.nmap"
	KeySNMP        = "discovery.snmp"
	KeyProxmox     = "discovery.proxmox"
	KeyZabbix      = "discovery.zabbix"
	KeyNetwork     = "discovery.network"
	KeyMemory      = "discovery.memory"
	KeyCredentials = "discovery.credentials"
	KeyGeneral     = "discovery.general"
)

// networkVerbs is the fixed list of bare network tool names routed to
// discovery.network.
var networkVerbs = map[string]bool{
	"ping":        true,
	"traceroute":  true,
	"dns_lookup":  true,
	"port_check":  true,
	"http_check":  true,
	"arp_scan":    true,
	"wake_on_lan": true,
}

// RoutingKeyFor maps a tool or method name to its AMQP routing key by
// prefix.
func RoutingKeyFor(name string) string {
	switch {
	case strings.HasPrefix(name, "nmap_"):
		return KeyNmap
	case strings.HasPrefix(name, "snmp_"):
		return KeySNMP
	case strings.HasPrefix(name, "proxmox_"):
		return KeyProxmox
	case strings.HasPrefix(name, "zabbix_"):
		return KeyZabbix
	case networkVerbs[name]:
		return KeyNetwork
	case strings.HasPrefix(name, "memory_"), strings.HasPrefix(name, "cmdb_"):
		return KeyMemory
	case strings.HasPrefix(name, "credential_"):
		return KeyCredentials
	default:
		return KeyGeneral
	}
}
