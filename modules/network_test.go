package modules

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scout-hq/scout/discovery"
	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
)

func loadModule(t *testing.T, reg *registry.Registry, m discovery.Module, settings map[string]any) {
	t.Helper()
	batch, err := reg.StartModule(m.Name(), m.Category())
	if err != nil {
		t.Fatalf("starting module %s: %v", m.Name(), err)
	}
	if err := m.Register(context.Background(), batch, settings); err != nil {
		batch.Fail(err)
		t.Fatalf("registering module %s: %v", m.Name(), err)
	}
	if err := batch.Complete(); err != nil {
		t.Fatalf("completing module %s: %v", m.Name(), err)
	}
}

func callTool(t *testing.T, reg *registry.Registry, name string, args map[string]any) *protocol.CallToolResult {
	t.Helper()
	tool, ok := reg.LookupTool(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	if err := tool.ValidateArgs(args); err != nil {
		t.Fatalf("args for %q rejected: %v", name, err)
	}
	result, err := tool.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("calling %q: %v", name, err)
	}
	return result
}

func resultText(t *testing.T, r *protocol.CallToolResult) string {
	t.Helper()
	if len(r.Content) != 1 {
		t.Fatalf("content = %+v, want one item", r.Content)
	}
	return r.Content[0].Text
}

func TestNetworkRegisters(t *testing.T) {
	reg := registry.New()
	loadModule(t, reg, NewNetwork(), nil)

	for _, name := range []string{"ping", "dns_lookup", "port_check", "http_check"} {
		if _, ok := reg.LookupTool(name); !ok {
			t.Errorf("tool %q missing", name)
		}
	}
	if _, ok := reg.LookupPrompt("network_triage"); !ok {
		t.Error("prompt network_triage missing")
	}
}

func TestPortCheck(t *testing.T) {
	reg := registry.New()
	loadModule(t, reg, NewNetwork(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	result := callTool(t, reg, "port_check", map[string]any{
		"target": "127.0.0.1",
		"port":   float64(port),
	})
	var open portResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &open); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !open.Open {
		t.Errorf("open = false for a listening port: %+v", open)
	}

	ln.Close()
	result = callTool(t, reg, "port_check", map[string]any{
		"target":          "127.0.0.1",
		"port":            float64(port),
		"timeout_seconds": float64(1),
	})
	var closed portResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &closed); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if closed.Open || closed.Error == "" {
		t.Errorf("closed port = %+v, want open=false with error", closed)
	}
}

func TestHTTPCheck(t *testing.T) {
	reg := registry.New()
	loadModule(t, reg, NewNetwork(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	result := callTool(t, reg, "http_check", map[string]any{"url": srv.URL})
	var got httpResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", got.StatusCode)
	}
	if got.Method != http.MethodGet {
		t.Errorf("method = %q, want GET", got.Method)
	}
}

func TestHTTPCheckUnreachable(t *testing.T) {
	reg := registry.New()
	loadModule(t, reg, NewNetwork(), nil)

	result := callTool(t, reg, "http_check", map[string]any{
		"url":             "http://127.0.0.1:1/",
		"timeout_seconds": float64(1),
	})
	if !result.IsError {
		t.Errorf("result = %+v, want isError", result)
	}
}

func TestDNSLookupLocalhost(t *testing.T) {
	result, err := runDNSLookup(context.Background(), map[string]any{"target": "localhost"})
	if err != nil {
		t.Fatalf("runDNSLookup: %v", err)
	}
	if result.IsError {
		t.Skipf("no resolver available: %s", resultText(t, result))
	}
	var got dnsResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.RecordType != "A" {
		t.Errorf("record_type = %q, want default A", got.RecordType)
	}
	if len(got.Records) == 0 {
		t.Error("no records for localhost")
	}
}

func TestPingMissingBinary(t *testing.T) {
	reg := registry.New()
	loadModule(t, reg, NewNetwork(), map[string]any{"ping_path": "/nonexistent/ping"})

	result := callTool(t, reg, "ping", map[string]any{
		"target": "127.0.0.1",
		"count":  float64(1),
	})
	if !result.IsError {
		t.Errorf("result = %+v, want isError for a missing binary", result)
	}
}

func TestNetworkTriagePrompt(t *testing.T) {
	t.Run("missing target", func(t *testing.T) {
		if _, err := renderNetworkTriage(context.Background(), nil); err == nil {
			t.Error("want error without target")
		}
	})
	t.Run("quick", func(t *testing.T) {
		got, err := renderNetworkTriage(context.Background(), map[string]string{"target": "db01"})
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if len(got.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(got.Messages))
		}
		if got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
			t.Errorf("roles = %q/%q", got.Messages[0].Role, got.Messages[1].Role)
		}
		if strings.Contains(got.Messages[1].Content.Text, "memory_get") {
			t.Error("quick triage should not include CMDB cross-check")
		}
	})
	t.Run("thorough", func(t *testing.T) {
		got, err := renderNetworkTriage(context.Background(), map[string]string{"target": "db01", "depth": "thorough"})
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if !strings.Contains(got.Messages[1].Content.Text, "memory_get") {
			t.Error("thorough triage should include CMDB cross-check")
		}
	})
}
