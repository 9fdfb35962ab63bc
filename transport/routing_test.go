package transport

import "testing"

func TestRoutingKeyFor(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"nmap_scan", KeyNmap},
		{"nmap_service_detect", KeyNmap},
		{"snmp_walk", KeySNMP},
		{"proxmox_list_vms", KeyProxmox},
		{"zabbix_get_hosts", KeyZabbix},
		{"ping", KeyNetwork},
		{"traceroute", KeyNetwork},
		{"dns_lookup", KeyNetwork},
		{"port_check", KeyNetwork},
		{"http_check", KeyNetwork},
		{"memory_get", KeyMemory},
		{"memory_merge", KeyMemory},
		{"cmdb_sync", KeyMemory},
		{"credential_add", KeyCredentials},
		{"credential_rotate_key", KeyCredentials},
		{"tools/list", KeyGeneral},
		{"something_else", KeyGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoutingKeyFor(tt.name); got != tt.want {
				t.Errorf("RoutingKeyFor(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
