package modules

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/registry"
)

func newMemoryModule(t *testing.T) (*registry.Registry, *cmdb.CMDB) {
	t.Helper()
	store, err := cmdb.Open(filepath.Join(t.TempDir(), "cmdb.db"), cmdb.Options{})
	if err != nil {
		t.Fatalf("opening cmdb: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	loadModule(t, reg, NewMemory(store), nil)
	return reg, store
}

func TestMemorySetGet(t *testing.T) {
	reg, _ := newMemoryModule(t)

	result := callTool(t, reg, "memory_set", map[string]any{
		"key":   "ci:host:db01",
		"value": map[string]any{"ip": "10.0.0.5", "os": "debian"},
	})
	if result.IsError {
		t.Fatalf("set failed: %s", resultText(t, result))
	}

	result = callTool(t, reg, "memory_get", map[string]any{"key": "ci:host:db01"})
	if result.IsError {
		t.Fatalf("get failed: %s", resultText(t, result))
	}
	var got struct {
		Key   string         `json:"key"`
		Value map[string]any `json:"value"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Value["ip"] != "10.0.0.5" {
		t.Errorf("value = %v", got.Value)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	reg, _ := newMemoryModule(t)
	result := callTool(t, reg, "memory_get", map[string]any{"key": "ci:host:nope"})
	if !result.IsError {
		t.Errorf("result = %+v, want isError", result)
	}
}

func TestMemoryMerge(t *testing.T) {
	reg, _ := newMemoryModule(t)

	callTool(t, reg, "memory_set", map[string]any{
		"key":   "ci:host:db01",
		"value": map[string]any{"ip": "10.0.0.5", "os": "debian"},
	})
	result := callTool(t, reg, "memory_merge", map[string]any{
		"key":   "ci:host:db01",
		"value": map[string]any{"os": "ubuntu", "cores": float64(8)},
	})
	if result.IsError {
		t.Fatalf("merge failed: %s", resultText(t, result))
	}
	var got struct {
		Value map[string]any `json:"value"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Value["os"] != "ubuntu" || got.Value["ip"] != "10.0.0.5" || got.Value["cores"] != float64(8) {
		t.Errorf("merged value = %v", got.Value)
	}
}

func TestMemoryQuery(t *testing.T) {
	reg, _ := newMemoryModule(t)

	for _, key := range []string{"ci:host:db01", "ci:host:web01", "ci:service:api"} {
		callTool(t, reg, "memory_set", map[string]any{"key": key, "value": map[string]any{"k": key}})
	}
	result := callTool(t, reg, "memory_query", map[string]any{"pattern": "ci:host:*"})
	var got struct {
		Count int            `json:"count"`
		Items map[string]any `json:"items"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}
	if _, ok := got.Items["ci:service:api"]; ok {
		t.Error("service item matched a host pattern")
	}
}

func TestMemoryStatsAndResource(t *testing.T) {
	reg, _ := newMemoryModule(t)

	callTool(t, reg, "memory_set", map[string]any{
		"key":   "ci:host:db01",
		"value": map[string]any{"ip": "10.0.0.5"},
	})
	result := callTool(t, reg, "memory_stats", map[string]any{})
	var stats cmdb.Stats
	if err := json.Unmarshal([]byte(resultText(t, result)), &stats); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if stats.Items != 1 {
		t.Errorf("items = %d, want 1", stats.Items)
	}

	res, ok := reg.LookupResource("memory://stats")
	if !ok {
		t.Fatal("memory://stats not registered")
	}
	text, err := res.Provider(context.Background())
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("decoding resource: %v", err)
	}
}

func TestMemoryClearNeedsConfirm(t *testing.T) {
	reg, store := newMemoryModule(t)

	callTool(t, reg, "memory_set", map[string]any{"key": "ci:host:db01", "value": map[string]any{}})
	result := callTool(t, reg, "memory_clear", map[string]any{})
	if !result.IsError {
		t.Error("clear without confirm should refuse")
	}
	if _, ok := store.Get("ci:host:db01"); !ok {
		t.Error("item vanished without confirmation")
	}

	result = callTool(t, reg, "memory_clear", map[string]any{"confirm": true})
	if result.IsError {
		t.Fatalf("clear failed: %s", resultText(t, result))
	}
	if _, ok := store.Get("ci:host:db01"); ok {
		t.Error("item survived clear")
	}
}

func TestMemorySaveAndMigrate(t *testing.T) {
	reg, store := newMemoryModule(t)

	legacy := filepath.Join(t.TempDir(), "legacy.json")
	data := map[string]any{
		"ci:host:old01": map[string]any{"ip": "10.0.0.9"},
		"ci:host:old02": map[string]any{"ip": "10.0.0.10"},
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encoding legacy file: %v", err)
	}
	if err := os.WriteFile(legacy, raw, 0o644); err != nil {
		t.Fatalf("writing legacy file: %v", err)
	}

	result := callTool(t, reg, "memory_migrate", map[string]any{"path": legacy})
	if result.IsError {
		t.Fatalf("migrate failed: %s", resultText(t, result))
	}
	if _, ok := store.Get("ci:host:old02"); !ok {
		t.Error("migrated item missing")
	}

	result = callTool(t, reg, "memory_save", map[string]any{})
	if result.IsError {
		t.Fatalf("save failed: %s", resultText(t, result))
	}
}
