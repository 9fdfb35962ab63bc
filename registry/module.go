package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModuleState tracks where a module is in its load lifecycle.
type ModuleState int

const (
	ModuleLoading  ModuleState = iota // StartModule called, registrations in flight.
	ModuleActive                      // Batch completed, registrations visible.
	ModuleFailed                      // Load failed, partial registrations rolled back.
	ModuleUnloaded                    // Explicitly unloaded, registrations removed.
)

func (s ModuleState) String() string {
	switch s {
	case ModuleLoading:
		return "loading"
	case ModuleActive:
		return "active"
	case ModuleFailed:
		return "failed"
	case ModuleUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Module records what a single module contributed and how its last
// load went.
type Module struct {
	Name         string        `json:"name"`
	Category     string        `json:"category"`
	FilePath     string        `json:"file_path,omitempty"`
	State        ModuleState   `json:"-"`
	StateName    string        `json:"state"`
	ToolNames    []string      `json:"tool_names,omitempty"`
	ResourceURIs []string      `json:"resource_uris,omitempty"`
	PromptNames  []string      `json:"prompt_names,omitempty"`
	LoadedAt     time.Time     `json:"loaded_at"`
	LoadDuration time.Duration `json:"-"`
	LoadMillis   int64         `json:"load_duration_ms,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Batch collects one module's registrations so they commit or roll
// back together.
type Batch struct {
	r     *Registry
	name  string
	start time.Time

	mu        sync.Mutex
	done      bool
	tools     []string
	resources []string
	prompts   []string
}

// StartModule opens a registration batch for the named module. A
// module that is currently Loading or Active cannot be started again;
// a Failed or Unloaded record is replaced.
func (r *Registry) StartModule(name, category string) (*Batch, error) {
	return r.StartModuleAt(name, category, "")
}

// StartModuleAt is StartModule with the source path recorded, for
// modules loaded from descriptor files.
func (r *Registry) StartModuleAt(name, category, filePath string) (*Batch, error) {
	if name == "" {
		return nil, fmt.Errorf("module name is empty: %w", ErrInvalidSchema)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mod, ok := r.modules[name]; ok {
		if mod.State == ModuleLoading || mod.State == ModuleActive {
			return nil, fmt.Errorf("module %q is %s: %w", name, mod.State, ErrDuplicate)
		}
	}
	r.modules[name] = &Module{
		Name:     name,
		Category: category,
		FilePath: filePath,
		State:    ModuleLoading,
	}
	return &Batch{r: r, name: name, start: time.Now()}, nil
}

// Name returns the module the batch registers for.
func (b *Batch) Name() string { return b.name }

// RegisterTool adds a tool stamped with this batch's module origin.
func (b *Batch) RegisterTool(t Tool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch for module %q is closed: %w", b.name, ErrIllegalState)
	}
	t.ModuleOrigin = b.name
	if err := b.r.RegisterTool(t); err != nil {
		return err
	}
	b.tools = append(b.tools, t.Name)
	return nil
}

// RegisterResource adds a resource stamped with this batch's module origin.
func (b *Batch) RegisterResource(res Resource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch for module %q is closed: %w", b.name, ErrIllegalState)
	}
	res.ModuleOrigin = b.name
	if err := b.r.RegisterResource(res); err != nil {
		return err
	}
	b.resources = append(b.resources, res.URI)
	return nil
}

// RegisterPrompt adds a prompt stamped with this batch's module origin.
func (b *Batch) RegisterPrompt(p Prompt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch for module %q is closed: %w", b.name, ErrIllegalState)
	}
	p.ModuleOrigin = b.name
	if err := b.r.RegisterPrompt(p); err != nil {
		return err
	}
	b.prompts = append(b.prompts, p.Name)
	return nil
}

// Complete marks the module Active. The batch cannot be used afterwards.
func (b *Batch) Complete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch for module %q is closed: %w", b.name, ErrIllegalState)
	}
	b.done = true

	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	mod, ok := b.r.modules[b.name]
	if !ok {
		return fmt.Errorf("module %q: %w", b.name, ErrUnknown)
	}
	mod.State = ModuleActive
	mod.LoadedAt = time.Now()
	mod.LoadDuration = time.Since(b.start)
	mod.LastError = ""
	return nil
}

// Fail rolls back everything the batch registered and marks the module
// Failed with cause as its last error.
func (b *Batch) Fail(cause error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	tools, resources, prompts := b.tools, b.resources, b.prompts
	b.mu.Unlock()

	for _, name := range tools {
		_ = b.r.UnregisterTool(name)
	}
	for _, uri := range resources {
		_ = b.r.UnregisterResource(uri)
	}
	for _, name := range prompts {
		_ = b.r.UnregisterPrompt(name)
	}

	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	if mod, ok := b.r.modules[b.name]; ok {
		mod.State = ModuleFailed
		if cause != nil {
			mod.LastError = cause.Error()
		}
	}
}

// UnloadModule removes everything the named module registered and
// marks it Unloaded. The record is retained for listing.
func (r *Registry) UnloadModule(name string) error {
	return r.retireModule(name, ModuleUnloaded, nil)
}

// FailModule removes everything the named module registered and marks
// it Failed with cause, used when a module's backing file disappears.
func (r *Registry) FailModule(name string, cause error) error {
	return r.retireModule(name, ModuleFailed, cause)
}

func (r *Registry) retireModule(name string, state ModuleState, cause error) error {
	r.mu.Lock()
	mod, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("module %q: %w", name, ErrUnknown)
	}
	tools := append([]string(nil), mod.ToolNames...)
	resources := append([]string(nil), mod.ResourceURIs...)
	prompts := append([]string(nil), mod.PromptNames...)
	r.mu.Unlock()

	for _, t := range tools {
		_ = r.UnregisterTool(t)
	}
	for _, uri := range resources {
		_ = r.UnregisterResource(uri)
	}
	for _, p := range prompts {
		_ = r.UnregisterPrompt(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if mod, ok := r.modules[name]; ok {
		mod.State = state
		if cause != nil {
			mod.LastError = cause.Error()
		}
	}
	return nil
}

// LookupModule returns a copy of the named module record.
func (r *Registry) LookupModule(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	if !ok {
		return Module{}, false
	}
	return snapshotModule(mod), true
}

// ListModules returns module records sorted by name.
func (r *Registry) ListModules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, mod := range r.modules {
		out = append(out, snapshotModule(mod))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func snapshotModule(mod *Module) Module {
	cp := *mod
	cp.StateName = mod.State.String()
	cp.LoadMillis = mod.LoadDuration.Milliseconds()
	cp.ToolNames = append([]string(nil), mod.ToolNames...)
	cp.ResourceURIs = append([]string(nil), mod.ResourceURIs...)
	cp.PromptNames = append([]string(nil), mod.PromptNames...)
	return cp
}
