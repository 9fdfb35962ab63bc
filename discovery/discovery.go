// Package discovery scans module roots for module.yaml descriptors,
// resolves them against the compiled-in module index, and loads each
// module through a registry batch in dependency order. Failures are
// isolated per module: one broken descriptor never blocks the rest.
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/registry"
)

// DescriptorFile is the well-known descriptor name inside a module root.
const DescriptorFile = "module.yaml"

// Module is a compiled-in module implementation resolved by descriptor
// name.
type Module interface {
	// Name is the index key descriptors resolve against.
	Name() string
	// Category is the default category when the descriptor sets none.
	Category() string
	// Register adds the module's tools, resources, and prompts to the
	// batch. Settings come from the descriptor and may be nil.
	Register(ctx context.Context, b *registry.Batch, settings map[string]any) error
}

// Report summarises one discovery run.
type Report struct {
	Loaded  []string
	Failed  map[string]error
	Skipped []string
}

// Engine wires descriptors to compiled-in modules.
type Engine struct {
	reg   *registry.Registry
	index map[string]Module
	roots []string
	lg    zerolog.Logger
}

// New builds an engine over the given registry, module index, and
// descriptor roots. Roots that do not exist are silently skipped.
func New(reg *registry.Registry, mods []Module, roots ...string) *Engine {
	index := make(map[string]Module, len(mods))
	for _, m := range mods {
		index[m.Name()] = m
	}
	return &Engine{
		reg:   reg,
		index: index,
		roots: roots,
		lg:    log.WithComponent("discovery"),
	}
}

type candidate struct {
	name string
	path string
	desc *Descriptor
	err  error
}

// Run scans all roots, loads descriptor-declared modules in dependency
// order, then loads remaining compiled-in modules with defaults.
func (e *Engine) Run(ctx context.Context) *Report {
	report := &Report{Failed: make(map[string]error)}

	cands := e.scan()
	descs := make(map[string]*candidate)
	for _, c := range cands {
		if c.err != nil {
			e.fail(report, c.name, c.path, c.err)
			continue
		}
		if !c.desc.IsEnabled() {
			e.lg.Info().Str("module", c.name).Msg("module disabled, skipping")
			report.Skipped = append(report.Skipped, c.name)
			continue
		}
		if prev, ok := descs[c.name]; ok {
			e.fail(report, c.name, c.path, fmt.Errorf("duplicate descriptor for %q (already at %s)", c.name, prev.path))
			continue
		}
		descs[c.name] = c
	}

	// Unknown module names and dangling requires fail before ordering.
	for name, c := range descs {
		if _, ok := e.index[name]; !ok {
			e.fail(report, name, c.path, fmt.Errorf("no compiled-in module named %q", name))
			delete(descs, name)
			continue
		}
		for _, req := range c.desc.Requires {
			if _, inDescs := descs[req]; inDescs {
				continue
			}
			if _, inIndex := e.index[req]; inIndex {
				// Compiled-in dependency with no descriptor: always
				// loadable, satisfied for ordering purposes.
				continue
			}
			e.fail(report, name, c.path, fmt.Errorf("requires unknown module %q", req))
			delete(descs, name)
			break
		}
	}

	ordered, cyclic := order(descs)
	for _, name := range cyclic {
		c := descs[name]
		e.fail(report, name, c.path, fmt.Errorf("requires cycle involving %q", name))
	}

	for _, name := range ordered {
		c := descs[name]
		category := c.desc.Category
		if category == "" {
			category = e.index[name].Category()
		}
		e.load(ctx, report, name, category, c.path, c.desc.Settings)
	}

	// Compiled-in modules without descriptors load with defaults,
	// after the declared ones.
	var builtin []string
	for name := range e.index {
		if _, ok := descs[name]; ok {
			continue
		}
		if _, failed := report.Failed[name]; failed {
			continue
		}
		skipped := false
		for _, s := range report.Skipped {
			if s == name {
				skipped = true
				break
			}
		}
		if !skipped {
			builtin = append(builtin, name)
		}
	}
	sort.Strings(builtin)
	for _, name := range builtin {
		e.load(ctx, report, name, e.index[name].Category(), "", nil)
	}

	e.lg.Info().
		Int("loaded", len(report.Loaded)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Msg("module discovery complete")
	return report
}

// Reload re-reads the descriptor at path and swaps the named module's
// registrations. Used by the hot-reload watcher.
func (e *Engine) Reload(ctx context.Context, name, path string) error {
	desc, err := ParseDescriptor(path)
	if err != nil {
		_ = e.reg.FailModule(name, err)
		metrics.RecordModuleReload(name, "error")
		return err
	}
	if desc.Name != name {
		// Renamed in place: retire the old record, load under the new name.
		_ = e.reg.UnloadModule(name)
		name = desc.Name
	}
	if _, ok := e.reg.LookupModule(name); ok {
		if err := e.reg.UnloadModule(name); err != nil {
			metrics.RecordModuleReload(name, "error")
			return err
		}
	}
	if !desc.IsEnabled() {
		e.lg.Info().Str("module", name).Msg("module disabled on reload")
		metrics.RecordModuleReload(name, "disabled")
		return nil
	}
	mod, ok := e.index[name]
	if !ok {
		err := fmt.Errorf("no compiled-in module named %q", name)
		_ = e.failModule(name, "", path, err)
		metrics.RecordModuleReload(name, "error")
		return err
	}
	category := desc.Category
	if category == "" {
		category = mod.Category()
	}
	if err := e.loadOne(ctx, name, category, path, desc.Settings); err != nil {
		metrics.RecordModuleReload(name, "error")
		return err
	}
	metrics.RecordModuleReload(name, "ok")
	return nil
}

// Remove marks a module Failed after its descriptor disappeared.
func (e *Engine) Remove(name string, cause error) error {
	metrics.RecordModuleReload(name, "removed")
	return e.reg.FailModule(name, cause)
}

func (e *Engine) scan() []*candidate {
	var out []*candidate
	for _, root := range e.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				e.lg.Warn().Err(err).Str("root", root).Msg("cannot read module root")
			}
			continue
		}
		for _, entry := range entries {
			var path string
			switch {
			case entry.IsDir():
				path = filepath.Join(root, entry.Name(), DescriptorFile)
				if _, err := os.Stat(path); err != nil {
					continue
				}
			case entry.Name() == DescriptorFile:
				path = filepath.Join(root, entry.Name())
			default:
				continue
			}
			desc, err := ParseDescriptor(path)
			if err != nil {
				// Name falls back to the directory so the failure has
				// a stable identity in module listings.
				name := filepath.Base(filepath.Dir(path))
				out = append(out, &candidate{name: name, path: path, err: err})
				continue
			}
			out = append(out, &candidate{name: desc.Name, path: path, desc: desc})
		}
	}
	return out
}

func (e *Engine) load(ctx context.Context, report *Report, name, category, path string, settings map[string]any) {
	if err := e.loadOne(ctx, name, category, path, settings); err != nil {
		report.Failed[name] = err
		return
	}
	report.Loaded = append(report.Loaded, name)
}

func (e *Engine) loadOne(ctx context.Context, name, category, path string, settings map[string]any) (err error) {
	mod, ok := e.index[name]
	if !ok {
		return e.failModule(name, category, path, fmt.Errorf("no compiled-in module named %q", name))
	}
	batch, err := e.reg.StartModuleAt(name, category, path)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %q panicked during registration: %v", name, r)
			batch.Fail(err)
			e.lg.Error().Str("module", name).Interface("panic", r).Msg("module registration panicked")
		}
	}()
	if err := mod.Register(ctx, batch, settings); err != nil {
		batch.Fail(err)
		e.lg.Warn().Err(err).Str("module", name).Msg("module registration failed")
		return fmt.Errorf("registering module %q: %w", name, err)
	}
	if err := batch.Complete(); err != nil {
		return err
	}
	e.lg.Info().Str("module", name).Str("category", category).Msg("module loaded")
	return nil
}

// failModule records a Failed module even when no batch ever opened,
// so listings show the broken descriptor.
func (e *Engine) failModule(name, category, path string, cause error) error {
	if batch, err := e.reg.StartModuleAt(name, category, path); err == nil {
		batch.Fail(cause)
	} else {
		_ = e.reg.FailModule(name, cause)
	}
	e.lg.Warn().Err(cause).Str("module", name).Msg("module failed")
	return cause
}

func (e *Engine) fail(report *Report, name, path string, cause error) {
	report.Failed[name] = cause
	_ = e.failModule(name, "", path, cause)
}

// order topologically sorts descriptor-declared modules by requires.
// Among ready nodes the lexicographically smallest loads first, making
// the order deterministic. Modules caught in a cycle are returned
// separately, sorted.
func order(descs map[string]*candidate) (ordered, cyclic []string) {
	indegree := make(map[string]int, len(descs))
	dependents := make(map[string][]string, len(descs))
	for name, c := range descs {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, req := range c.desc.Requires {
			if _, ok := descs[req]; !ok {
				continue
			}
			indegree[name]++
			dependents[req] = append(dependents[req], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	for name, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, name)
		}
	}
	sort.Strings(cyclic)
	return ordered, cyclic
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
