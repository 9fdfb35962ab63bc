// Package registry holds the in-process catalogue of tools, resources,
// and prompts exposed over the wire, grouped by the module that
// registered them. Mutations are batched per module so a failed module
// load rolls back cleanly, and every visible change fans out a
// list_changed notification to subscribed sessions.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/schema"
)

// Sentinel errors returned by registry mutations. The dispatcher maps
// them onto the application error code range.
var (
	ErrDuplicate     = errors.New("already registered")
	ErrUnknown       = errors.New("not registered")
	ErrInvalidSchema = errors.New("invalid input schema")
	ErrIllegalState  = errors.New("illegal state")
)

// Kind identifies which catalogue a list_changed notification refers to.
type Kind string

const (
	KindTools     Kind = "tools"
	KindResources Kind = "resources"
	KindPrompts   Kind = "prompts"
)

// ToolHandler executes a tool call. Operational failures belong in the
// result with IsError set; a returned error is treated as an internal
// protocol error.
type ToolHandler func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error)

// ResourceProvider produces the current text content of a resource.
type ResourceProvider func(ctx context.Context) (string, error)

// PromptRenderer expands a prompt template with the supplied arguments.
type PromptRenderer func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

// Tool is an invocable operation with a validated argument schema.
type Tool struct {
	Name         string
	Description  string
	InputSchema  schema.Shape
	Handler      ToolHandler
	Category     string
	ModuleOrigin string

	rendered json.RawMessage
	compiled *jsonschema.Schema
}

// Descriptor returns the wire representation used in tools/list.
func (t Tool) Descriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.rendered,
	}
}

// ValidateArgs checks a tools/call argument object against the tool's
// compiled schema.
func (t Tool) ValidateArgs(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.compiled.Validate(map[string]any(args))
}

// Resource is addressable content identified by URI.
type Resource struct {
	URI          string
	Name         string
	MIMEType     string
	Provider     ResourceProvider
	ModuleOrigin string
}

// Descriptor returns the wire representation used in resources/list.
func (r Resource) Descriptor() protocol.ResourceDescriptor {
	return protocol.ResourceDescriptor{
		URI:      r.URI,
		Name:     r.Name,
		MIMEType: r.MIMEType,
	}
}

// Prompt is a named template rendered on prompts/get.
type Prompt struct {
	Name         string
	Title        string
	Description  string
	Arguments    []protocol.PromptArgument
	Renderer     PromptRenderer
	ModuleOrigin string
}

// Descriptor returns the wire representation used in prompts/list.
func (p Prompt) Descriptor() protocol.PromptDescriptor {
	return protocol.PromptDescriptor{
		Name:        p.Name,
		Title:       p.Title,
		Description: p.Description,
		Arguments:   p.Arguments,
	}
}

// Subscriber receives list_changed kinds. Implementations must not
// block; delivery is best-effort and failures stay inside the callback.
type Subscriber func(kind Kind)

// Registry is the process-wide catalogue. All methods are safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	toolOrder   []string
	resources   map[string]Resource
	resOrder    []string
	prompts     map[string]Prompt
	promptOrder []string
	modules     map[string]*Module

	subMu sync.RWMutex
	subs  map[string]Subscriber

	bootMu       sync.Mutex
	bootRunning  bool
	bootComplete bool
	bootDone     chan struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		prompts:   make(map[string]Prompt),
		modules:   make(map[string]*Module),
		subs:      make(map[string]Subscriber),
	}
}

// Subscribe registers a notification callback under id, replacing any
// previous callback with the same id.
func (r *Registry) Subscribe(id string, fn Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs[id] = fn
}

// Unsubscribe removes the callback registered under id.
func (r *Registry) Unsubscribe(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	delete(r.subs, id)
}

// notify fans out a list_changed kind to all subscribers. Callers must
// not hold r.mu: the change has to be list-visible before delivery.
func (r *Registry) notify(kind Kind) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subs {
		fn(kind)
	}
}

// RegisterTool adds a tool to the catalogue. The schema is validated
// and compiled here so tools/call argument checks are a lookup away.
func (r *Registry) RegisterTool(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is empty: %w", ErrInvalidSchema)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler: %w", t.Name, ErrInvalidSchema)
	}
	if err := t.InputSchema.Validate(); err != nil {
		return fmt.Errorf("tool %q: %v: %w", t.Name, err, ErrInvalidSchema)
	}
	rendered, err := t.InputSchema.JSONSchema()
	if err != nil {
		return fmt.Errorf("tool %q: rendering schema: %v: %w", t.Name, err, ErrInvalidSchema)
	}
	compiled, err := compileSchema(t.Name, rendered)
	if err != nil {
		return fmt.Errorf("tool %q: compiling schema: %v: %w", t.Name, err, ErrInvalidSchema)
	}
	t.rendered = rendered
	t.compiled = compiled

	r.mu.Lock()
	if _, ok := r.tools[t.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %q: %w", t.Name, ErrDuplicate)
	}
	if t.ModuleOrigin != "" {
		mod, ok := r.modules[t.ModuleOrigin]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("tool %q: module %q: %w", t.Name, t.ModuleOrigin, ErrUnknown)
		}
		if mod.State != ModuleLoading && mod.State != ModuleActive {
			r.mu.Unlock()
			return fmt.Errorf("tool %q: module %q is %s: %w", t.Name, t.ModuleOrigin, mod.State, ErrIllegalState)
		}
		mod.ToolNames = append(mod.ToolNames, t.Name)
	}
	r.tools[t.Name] = t
	r.toolOrder = append(r.toolOrder, t.Name)
	r.mu.Unlock()

	r.notify(KindTools)
	return nil
}

// UnregisterTool removes a tool by name.
func (r *Registry) UnregisterTool(name string) error {
	r.mu.Lock()
	t, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %q: %w", name, ErrUnknown)
	}
	delete(r.tools, name)
	r.toolOrder = removeString(r.toolOrder, name)
	if t.ModuleOrigin != "" {
		if mod, ok := r.modules[t.ModuleOrigin]; ok {
			mod.ToolNames = removeString(mod.ToolNames, name)
		}
	}
	r.mu.Unlock()

	r.notify(KindTools)
	return nil
}

// LookupTool returns the tool registered under name.
func (r *Registry) LookupTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ListTools returns a snapshot in registration order.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		out = append(out, r.tools[name])
	}
	return out
}

// RegisterResource adds a resource keyed by URI.
func (r *Registry) RegisterResource(res Resource) error {
	if strings.TrimSpace(res.URI) == "" {
		return fmt.Errorf("resource URI is empty: %w", ErrInvalidSchema)
	}
	if res.Provider == nil {
		return fmt.Errorf("resource %q has no provider: %w", res.URI, ErrInvalidSchema)
	}

	r.mu.Lock()
	if _, ok := r.resources[res.URI]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resource %q: %w", res.URI, ErrDuplicate)
	}
	if res.ModuleOrigin != "" {
		mod, ok := r.modules[res.ModuleOrigin]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("resource %q: module %q: %w", res.URI, res.ModuleOrigin, ErrUnknown)
		}
		if mod.State != ModuleLoading && mod.State != ModuleActive {
			r.mu.Unlock()
			return fmt.Errorf("resource %q: module %q is %s: %w", res.URI, res.ModuleOrigin, mod.State, ErrIllegalState)
		}
		mod.ResourceURIs = append(mod.ResourceURIs, res.URI)
	}
	r.resources[res.URI] = res
	r.resOrder = append(r.resOrder, res.URI)
	r.mu.Unlock()

	r.notify(KindResources)
	return nil
}

// UnregisterResource removes a resource by URI.
func (r *Registry) UnregisterResource(uri string) error {
	r.mu.Lock()
	res, ok := r.resources[uri]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("resource %q: %w", uri, ErrUnknown)
	}
	delete(r.resources, uri)
	r.resOrder = removeString(r.resOrder, uri)
	if res.ModuleOrigin != "" {
		if mod, ok := r.modules[res.ModuleOrigin]; ok {
			mod.ResourceURIs = removeString(mod.ResourceURIs, uri)
		}
	}
	r.mu.Unlock()

	r.notify(KindResources)
	return nil
}

// LookupResource returns the resource registered under uri.
func (r *Registry) LookupResource(uri string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	return res, ok
}

// ListResources returns a snapshot in registration order.
func (r *Registry) ListResources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Resource, 0, len(r.resOrder))
	for _, uri := range r.resOrder {
		out = append(out, r.resources[uri])
	}
	return out
}

// RegisterPrompt adds a prompt keyed by name.
func (r *Registry) RegisterPrompt(p Prompt) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("prompt name is empty: %w", ErrInvalidSchema)
	}
	if p.Renderer == nil {
		return fmt.Errorf("prompt %q has no renderer: %w", p.Name, ErrInvalidSchema)
	}

	r.mu.Lock()
	if _, ok := r.prompts[p.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q: %w", p.Name, ErrDuplicate)
	}
	if p.ModuleOrigin != "" {
		mod, ok := r.modules[p.ModuleOrigin]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("prompt %q: module %q: %w", p.Name, p.ModuleOrigin, ErrUnknown)
		}
		if mod.State != ModuleLoading && mod.State != ModuleActive {
			r.mu.Unlock()
			return fmt.Errorf("prompt %q: module %q is %s: %w", p.Name, p.ModuleOrigin, mod.State, ErrIllegalState)
		}
		mod.PromptNames = append(mod.PromptNames, p.Name)
	}
	r.prompts[p.Name] = p
	r.promptOrder = append(r.promptOrder, p.Name)
	r.mu.Unlock()

	r.notify(KindPrompts)
	return nil
}

// UnregisterPrompt removes a prompt by name.
func (r *Registry) UnregisterPrompt(name string) error {
	r.mu.Lock()
	p, ok := r.prompts[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q: %w", name, ErrUnknown)
	}
	delete(r.prompts, name)
	r.promptOrder = removeString(r.promptOrder, name)
	if p.ModuleOrigin != "" {
		if mod, ok := r.modules[p.ModuleOrigin]; ok {
			mod.PromptNames = removeString(mod.PromptNames, name)
		}
	}
	r.mu.Unlock()

	r.notify(KindPrompts)
	return nil
}

// LookupPrompt returns the prompt registered under name.
func (r *Registry) LookupPrompt(name string) (Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// ListPrompts returns a snapshot in registration order.
func (r *Registry) ListPrompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Prompt, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		out = append(out, r.prompts[name])
	}
	return out
}

// Bootstrap runs fn at most once. Concurrent callers block until the
// first run finishes; once a run has succeeded, later calls return
// immediately. A failed run clears the guard so bootstrap can be
// retried. Cleanup resets the guard.
func (r *Registry) Bootstrap(ctx context.Context, fn func() error) error {
	r.bootMu.Lock()
	if r.bootComplete {
		r.bootMu.Unlock()
		return nil
	}
	if r.bootRunning {
		done := r.bootDone
		r.bootMu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.bootRunning = true
	r.bootDone = make(chan struct{})
	done := r.bootDone
	r.bootMu.Unlock()

	err := fn()

	r.bootMu.Lock()
	r.bootRunning = false
	r.bootComplete = err == nil
	close(done)
	r.bootMu.Unlock()
	return err
}

// BootstrapComplete reports whether a bootstrap run has succeeded.
func (r *Registry) BootstrapComplete() bool {
	r.bootMu.Lock()
	defer r.bootMu.Unlock()
	return r.bootComplete
}

// Cleanup empties every catalogue and resets the bootstrap guard.
// Subscribers survive: connected sessions keep receiving notifications
// for whatever is registered next.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	r.tools = make(map[string]Tool)
	r.toolOrder = nil
	r.resources = make(map[string]Resource)
	r.resOrder = nil
	r.prompts = make(map[string]Prompt)
	r.promptOrder = nil
	r.modules = make(map[string]*Module)
	r.mu.Unlock()

	r.bootMu.Lock()
	r.bootRunning = false
	r.bootComplete = false
	r.bootDone = nil
	r.bootMu.Unlock()

	r.notify(KindTools)
	r.notify(KindResources)
	r.notify(KindPrompts)
}

func compileSchema(name string, rendered []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "inmem://tools/" + name + ".json"
	if err := c.AddResource(url, strings.NewReader(string(rendered))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}
