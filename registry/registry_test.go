package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/schema"
)

func noopHandler(_ context.Context, _ map[string]any) (*protocol.CallToolResult, error) {
	return protocol.NewToolResultText("ok"), nil
}

func pingTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "test tool",
		InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
			"target": schema.String("host to probe"),
			"count":  schema.Optional(schema.Integer("probe count")),
		})),
		Handler: noopHandler,
	}
}

func TestRegisterAndLookupTool(t *testing.T) {
	r := New()
	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	got, ok := r.LookupTool("ping")
	if !ok {
		t.Fatal("LookupTool missed registered tool")
	}
	if got.Name != "ping" {
		t.Errorf("Name = %q, want ping", got.Name)
	}
	desc := got.Descriptor()
	if len(desc.InputSchema) == 0 {
		t.Error("Descriptor carries no rendered schema")
	}
}

func TestRegisterToolDuplicate(t *testing.T) {
	r := New()
	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	err := r.RegisterTool(pingTool("ping"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate register = %v, want ErrDuplicate", err)
	}
}

func TestRegisterToolInvalidSchema(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
	}{
		{"zero schema", Tool{Name: "t", Handler: noopHandler}},
		{"no handler", pingToolNoHandler()},
		{"array without complex", Tool{
			Name: "t",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"hosts": schema.ArrayOf("hosts", schema.String("host")),
			})),
			Handler: noopHandler,
		}},
		{"empty name", Tool{Name: "  ", InputSchema: schema.Simple(schema.Object(nil)), Handler: noopHandler}},
	}
	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RegisterTool(tt.tool)
			if !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("RegisterTool = %v, want ErrInvalidSchema", err)
			}
		})
	}
}

func pingToolNoHandler() Tool {
	tl := pingTool("nohandler")
	tl.Handler = nil
	return tl
}

func TestValidateArgs(t *testing.T) {
	r := New()
	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	tl, _ := r.LookupTool("ping")

	if err := tl.ValidateArgs(map[string]any{"target": "10.0.0.1"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := tl.ValidateArgs(map[string]any{"target": "10.0.0.1", "count": float64(3)}); err != nil {
		t.Errorf("valid args with optional rejected: %v", err)
	}
	if err := tl.ValidateArgs(map[string]any{}); err == nil {
		t.Error("missing required arg accepted")
	}
	if err := tl.ValidateArgs(map[string]any{"target": float64(7)}); err == nil {
		t.Error("wrong-typed arg accepted")
	}
}

func TestListToolsOrder(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.RegisterTool(pingTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	got := r.ListTools()
	want := []string{"zeta", "alpha", "mid"}
	if len(got) != len(want) {
		t.Fatalf("ListTools = %d tools, want %d", len(got), len(want))
	}
	for i, tl := range got {
		if tl.Name != want[i] {
			t.Errorf("ListTools[%d] = %q, want %q", i, tl.Name, want[i])
		}
	}
}

func TestUnregisterToolUnknown(t *testing.T) {
	r := New()
	if err := r.UnregisterTool("ghost"); !errors.Is(err, ErrUnknown) {
		t.Errorf("UnregisterTool(ghost) = %v, want ErrUnknown", err)
	}
}

func TestResourceRegistration(t *testing.T) {
	r := New()
	res := Resource{
		URI:      "registry://modules",
		Name:     "Module registry",
		MIMEType: "application/json",
		Provider: func(_ context.Context) (string, error) { return "{}", nil },
	}
	if err := r.RegisterResource(res); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterResource(res); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate resource = %v, want ErrDuplicate", err)
	}
	got, ok := r.LookupResource("registry://modules")
	if !ok || got.MIMEType != "application/json" {
		t.Errorf("LookupResource = %+v, ok=%v", got, ok)
	}
	if err := r.UnregisterResource("registry://modules"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.LookupResource("registry://modules"); ok {
		t.Error("resource still visible after unregister")
	}
}

func TestPromptRegistration(t *testing.T) {
	r := New()
	p := Prompt{
		Name:  "network_triage",
		Title: "Network triage",
		Arguments: []protocol.PromptArgument{
			{Name: "target", Required: true},
		},
		Renderer: func(_ context.Context, _ map[string]string) (*protocol.GetPromptResult, error) {
			return &protocol.GetPromptResult{}, nil
		},
	}
	if err := r.RegisterPrompt(p); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterPrompt(p); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate prompt = %v, want ErrDuplicate", err)
	}
	list := r.ListPrompts()
	if len(list) != 1 || list[0].Name != "network_triage" {
		t.Errorf("ListPrompts = %+v", list)
	}
}

func TestModuleBatchComplete(t *testing.T) {
	r := New()
	b, err := r.StartModule("network", "discovery")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterTool(pingTool("dns_lookup")); err != nil {
		t.Fatal(err)
	}
	if err := b.Complete(); err != nil {
		t.Fatal(err)
	}

	mod, ok := r.LookupModule("network")
	if !ok {
		t.Fatal("module record missing")
	}
	if mod.State != ModuleActive {
		t.Errorf("State = %s, want active", mod.State)
	}
	if len(mod.ToolNames) != 2 {
		t.Errorf("ToolNames = %v, want 2 entries", mod.ToolNames)
	}
	if mod.LoadedAt.IsZero() {
		t.Error("LoadedAt not stamped")
	}

	tl, _ := r.LookupTool("ping")
	if tl.ModuleOrigin != "network" {
		t.Errorf("ModuleOrigin = %q, want network", tl.ModuleOrigin)
	}

	// Active modules cannot be started again.
	if _, err := r.StartModule("network", "discovery"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("StartModule while active = %v, want ErrDuplicate", err)
	}

	// A closed batch rejects further registrations.
	if err := b.RegisterTool(pingTool("late")); !errors.Is(err, ErrIllegalState) {
		t.Errorf("register on closed batch = %v, want ErrIllegalState", err)
	}
}

func TestModuleBatchFailRollsBack(t *testing.T) {
	r := New()
	b, err := r.StartModule("broken", "discovery")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterTool(pingTool("a")); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterTool(pingTool("b")); err != nil {
		t.Fatal(err)
	}
	b.Fail(fmt.Errorf("descriptor parse failed"))

	if got := len(r.ListTools()); got != 0 {
		t.Errorf("tools after rollback = %d, want 0", got)
	}
	mod, _ := r.LookupModule("broken")
	if mod.State != ModuleFailed {
		t.Errorf("State = %s, want failed", mod.State)
	}
	if mod.LastError == "" {
		t.Error("LastError not recorded")
	}

	// Failed modules may be restarted.
	if _, err := r.StartModule("broken", "discovery"); err != nil {
		t.Errorf("restart of failed module: %v", err)
	}
}

func TestRegisterForRetiredModule(t *testing.T) {
	r := New()
	b, err := r.StartModule("m", "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Complete(); err != nil {
		t.Fatal(err)
	}
	if err := r.UnloadModule("m"); err != nil {
		t.Fatal(err)
	}
	tl := pingTool("t")
	tl.ModuleOrigin = "m"
	if err := r.RegisterTool(tl); !errors.Is(err, ErrIllegalState) {
		t.Errorf("register for unloaded module = %v, want ErrIllegalState", err)
	}
}

func TestUnloadModuleRemovesRegistrations(t *testing.T) {
	r := New()
	b, _ := r.StartModule("network", "discovery")
	if err := b.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterResource(Resource{
		URI:      "net://status",
		Name:     "status",
		Provider: func(_ context.Context) (string, error) { return "", nil },
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.Complete(); err != nil {
		t.Fatal(err)
	}

	if err := r.UnloadModule("network"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.LookupTool("ping"); ok {
		t.Error("tool survived unload")
	}
	if _, ok := r.LookupResource("net://status"); ok {
		t.Error("resource survived unload")
	}
	mod, _ := r.LookupModule("network")
	if mod.State != ModuleUnloaded {
		t.Errorf("State = %s, want unloaded", mod.State)
	}
}

func TestNotificationsAfterVisibility(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var kinds []Kind
	r.Subscribe("sess-1", func(kind Kind) {
		if kind == KindTools {
			// The mutation must be list-visible by delivery time.
			if _, ok := r.LookupTool("ping"); !ok {
				t.Error("notification delivered before tool was visible")
			}
		}
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})

	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterPrompt(Prompt{
		Name: "p",
		Renderer: func(_ context.Context, _ map[string]string) (*protocol.GetPromptResult, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != KindTools || kinds[1] != KindPrompts {
		t.Errorf("kinds = %v, want [tools prompts]", kinds)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New()
	calls := 0
	r.Subscribe("s", func(Kind) { calls++ })
	r.Unsubscribe("s")
	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("calls after unsubscribe = %d, want 0", calls)
	}
}

func TestBootstrapRunsOnce(t *testing.T) {
	r := New()
	runs := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Bootstrap(context.Background(), func() error {
				runs++
				return nil
			})
		}()
	}
	wg.Wait()
	if runs != 1 {
		t.Errorf("bootstrap ran %d times, want 1", runs)
	}
	if !r.BootstrapComplete() {
		t.Error("BootstrapComplete = false after success")
	}
	// Later calls skip the function entirely.
	if err := r.Bootstrap(context.Background(), func() error { runs++; return nil }); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("bootstrap re-ran after completion: %d runs", runs)
	}
}

func TestBootstrapRetriesAfterFailure(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	if err := r.Bootstrap(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("first bootstrap = %v, want boom", err)
	}
	if r.BootstrapComplete() {
		t.Error("BootstrapComplete = true after failure")
	}
	ran := false
	if err := r.Bootstrap(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("retry did not run")
	}
}

func TestCleanupResets(t *testing.T) {
	r := New()
	if err := r.RegisterTool(pingTool("ping")); err != nil {
		t.Fatal(err)
	}
	if err := r.Bootstrap(context.Background(), func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	r.Cleanup()

	if got := len(r.ListTools()); got != 0 {
		t.Errorf("tools after Cleanup = %d, want 0", got)
	}
	if r.BootstrapComplete() {
		t.Error("bootstrap guard survived Cleanup")
	}
	if got := len(r.ListModules()); got != 0 {
		t.Errorf("modules after Cleanup = %d, want 0", got)
	}
}
