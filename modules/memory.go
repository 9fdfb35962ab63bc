package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/schema"
)

// Memory exposes the CMDB over tools. Keys follow the ci:type:id
// convention but any non-empty key is accepted.
type Memory struct {
	store *cmdb.CMDB
}

// NewMemory returns the memory module backed by store.
func NewMemory(store *cmdb.CMDB) *Memory { return &Memory{store: store} }

func (m *Memory) Name() string     { return "memory" }
func (m *Memory) Category() string { return "cmdb" }

func (m *Memory) Register(_ context.Context, b *registry.Batch, _ map[string]any) error {
	keyField := schema.String("configuration item key, conventionally ci:type:id")

	tools := []registry.Tool{
		{
			Name:        "memory_get",
			Description: "Read one configuration item",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"key": keyField,
			})),
			Handler: m.get,
		},
		{
			Name:        "memory_set",
			Description: "Write one configuration item, replacing any previous value",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"key":   keyField,
				"value": schema.Any("item value, usually an object"),
			})),
			Handler: m.set,
		},
		{
			Name:        "memory_merge",
			Description: "Shallow-merge fields into an existing item; supplied fields win",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"key":   keyField,
				"value": schema.ObjectField("fields to merge", schema.OpenObject(nil)),
			})),
			Handler: m.merge,
		},
		{
			Name:        "memory_query",
			Description: "List items whose keys match a glob pattern (* wildcard only)",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"pattern": schema.String("key pattern, e.g. ci:host:*"),
			})),
			Handler: m.query,
		},
		{
			Name:        "memory_stats",
			Description: "Item counts by type and persistence status",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(nil)),
			Handler: func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
				return jsonResult(m.store.Stats())
			},
		},
		{
			Name:        "memory_clear",
			Description: "Delete every configuration item",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"confirm": schema.Optional(schema.Boolean("must be true to clear")),
			})),
			Handler: m.clear,
		},
		{
			Name:        "memory_save",
			Description: "Flush dirty items to the durable store now",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(nil)),
			Handler:     m.save,
		},
		{
			Name:        "memory_migrate",
			Description: "Import items from a legacy JSON object file",
			Category:    "cmdb",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"path": schema.String("path of the legacy JSON file"),
			})),
			Handler: m.migrate,
		},
	}
	for _, t := range tools {
		if err := b.RegisterTool(t); err != nil {
			return err
		}
	}

	return b.RegisterResource(registry.Resource{
		URI:      "memory://stats",
		Name:     "CMDB statistics",
		MIMEType: "application/json",
		Provider: func(context.Context) (string, error) {
			data, err := json.MarshalIndent(m.store.Stats(), "", "  ")
			if err != nil {
				return "", fmt.Errorf("encoding stats: %w", err)
			}
			return string(data), nil
		},
	})
}

func (m *Memory) get(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	key := stringArg(args, "key")
	value, ok := m.store.Get(key)
	if !ok {
		return protocol.NewToolResultErrorf("no item under key %q", key), nil
	}
	return jsonResult(map[string]any{"key": key, "value": value})
}

func (m *Memory) set(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	key := stringArg(args, "key")
	if err := m.store.Set(key, args["value"]); err != nil {
		return protocol.NewToolResultErrorf("storing %q: %v", key, err), nil
	}
	return protocol.NewToolResultText(fmt.Sprintf("stored %q", key)), nil
}

func (m *Memory) merge(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	key := stringArg(args, "key")
	partial, ok := args["value"].(map[string]any)
	if !ok {
		return protocol.NewToolResultError("value must be an object"), nil
	}
	merged, err := m.store.Merge(key, partial)
	if err != nil {
		return protocol.NewToolResultErrorf("merging into %q: %v", key, err), nil
	}
	return jsonResult(map[string]any{"key": key, "value": merged})
}

func (m *Memory) query(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	pattern := stringArg(args, "pattern")
	matches, err := m.store.Query(pattern)
	if err != nil {
		return protocol.NewToolResultErrorf("querying %q: %v", pattern, err), nil
	}
	return jsonResult(map[string]any{"pattern": pattern, "count": len(matches), "items": matches})
}

func (m *Memory) clear(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	if !boolArg(args, "confirm", false) {
		return protocol.NewToolResultError("refusing to clear without confirm:true"), nil
	}
	if err := m.store.Clear(); err != nil {
		return protocol.NewToolResultErrorf("clearing: %v", err), nil
	}
	return protocol.NewToolResultText("cleared all items"), nil
}

func (m *Memory) save(ctx context.Context, _ map[string]any) (*protocol.CallToolResult, error) {
	if err := m.store.Save(ctx); err != nil {
		return protocol.NewToolResultErrorf("saving: %v", err), nil
	}
	return protocol.NewToolResultText("saved"), nil
}

func (m *Memory) migrate(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	path := stringArg(args, "path")
	n, err := m.store.MigrateFrom(path)
	if err != nil {
		return protocol.NewToolResultErrorf("migrating from %s: %v", path, err), nil
	}
	return protocol.NewToolResultText(fmt.Sprintf("imported %d items from %s", n, path)), nil
}
