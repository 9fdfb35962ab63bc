// Package plugin loads signed, content-addressed plugins from a fixed
// directory layout and drives them through their lifecycle state machine.
// Each plugin directory carries a v2 manifest, an optional lock file
// written on load, and a dist/ tree whose sorted-path SHA-256 is the only
// identity the manager trusts.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/registry"
)

// Sentinel errors of the plugin manager.
var (
	ErrNotFound     = errors.New("plugin not found")
	ErrIntegrity    = errors.New("dist integrity violation")
	ErrDrift        = errors.New("lock drift")
	ErrUnsigned     = errors.New("unsigned")
	ErrBadSignature = errors.New("bad signature")
	ErrIllegalState = errors.New("illegal plugin state transition")
	ErrNoFactory    = errors.New("no factory for plugin entry")
)

// State is a plugin lifecycle state.
type State int

const (
	StateDiscovered State = iota
	StateValidated
	StateLoaded
	StateActive
	StateInactive
	StateUnloaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy controls load-time requirements.
type Policy struct {
	// RequireSignature blocks Validated→Loaded for plugins without a
	// verifiable manifest signature.
	RequireSignature bool
}

// Host collects a plugin's contributions during Load. The manager hands
// them to the registry on Activate.
type Host struct {
	tools     []registry.Tool
	resources []registry.Resource
	prompts   []registry.Prompt
}

// AddTool contributes a tool.
func (h *Host) AddTool(t registry.Tool) { h.tools = append(h.tools, t) }

// AddResource contributes a resource.
func (h *Host) AddResource(r registry.Resource) { h.resources = append(h.resources, r) }

// AddPrompt contributes a prompt.
func (h *Host) AddPrompt(p registry.Prompt) { h.prompts = append(h.prompts, p) }

// Factory builds a plugin's contributions. Factories are compiled into the
// binary and resolved by the manifest's entry field.
type Factory func(h *Host) error

// Plugin is one managed plugin record.
type Plugin struct {
	ID        string
	Category  string
	Dir       string
	Manifest  *Manifest
	State     State
	LastError string
	LoadedAt  time.Time

	observed Dist
	host     *Host
}

// Info is the externally visible snapshot of a plugin, as returned by
// plugin_list.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Category  string    `json:"category"`
	State     string    `json:"state"`
	Signed    bool      `json:"signed"`
	Tools     int       `json:"tools"`
	LoadedAt  time.Time `json:"loaded_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager owns every plugin record and its state machine.
type Manager struct {
	root      string
	reg       *registry.Registry
	policy    Policy
	keyring   *Keyring
	factories map[string]Factory

	mu      sync.Mutex
	plugins map[string]*Plugin
	lg      zerolog.Logger
}

// NewManager builds a manager over the plugins root. Factories are indexed
// by the manifest entry that names them.
func NewManager(root string, reg *registry.Registry, policy Policy, keyring *Keyring, factories map[string]Factory) *Manager {
	if keyring == nil {
		keyring = NewKeyring()
	}
	if factories == nil {
		factories = map[string]Factory{}
	}
	return &Manager{
		root:      root,
		reg:       reg,
		policy:    policy,
		keyring:   keyring,
		factories: factories,
		plugins:   make(map[string]*Plugin),
		lg:        log.WithComponent("plugin"),
	}
}

// Discover scans <root>/<category>/<plugin-id>/ for manifests, validates
// each, verifies dist integrity, and replays lock validation. Failures are
// isolated: a broken plugin lands in Failed while the rest proceed.
func (m *Manager) Discover() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	categories, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			m.lg.Warn().Err(err).Str("root", m.root).Msg("cannot read plugins root")
		}
		return m.listLocked()
	}
	for _, cat := range categories {
		if !cat.IsDir() {
			continue
		}
		catDir := filepath.Join(m.root, cat.Name())
		entries, err := os.ReadDir(catDir)
		if err != nil {
			m.lg.Warn().Err(err).Str("category", cat.Name()).Msg("cannot read plugin category")
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(catDir, entry.Name())
			if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
				continue
			}
			m.discoverOneLocked(cat.Name(), dir)
		}
	}
	m.gaugeLocked()
	return m.listLocked()
}

func (m *Manager) discoverOneLocked(category, dir string) {
	p := &Plugin{Category: category, Dir: dir, State: StateDiscovered}

	manifest, err := ReadManifest(filepath.Join(dir, ManifestFile))
	if manifest != nil {
		p.Manifest = manifest
		p.ID = manifest.ID()
	} else {
		p.ID = filepath.Base(dir)
	}
	if prev, ok := m.plugins[p.ID]; ok && (prev.State == StateActive || prev.State == StateLoaded || prev.State == StateInactive) {
		// A live plugin is not re-validated out from under its tools.
		return
	}
	m.plugins[p.ID] = p
	if err != nil {
		m.failLocked(p, fmt.Errorf("manifest validation: %w", err))
		return
	}

	if err := m.validateLocked(p); err != nil {
		m.failLocked(p, err)
		return
	}
	p.State = StateValidated
	m.lg.Info().Str("plugin", p.ID).Str("category", category).Msg("plugin validated")
}

// validateLocked verifies dist integrity against the manifest and drift
// against any existing lock, leaving the observation on the record.
func (m *Manager) validateLocked(p *Plugin) error {
	ref, count, bytes, err := ComputeDistHash(filepath.Join(p.Dir, DistDir))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	p.observed = Dist{Hash: ref, FileCount: count, TotalBytes: bytes}
	if ref != p.Manifest.Dist.Hash {
		return fmt.Errorf("%w: manifest declares %s, tree hashes to %s", ErrIntegrity, p.Manifest.Dist.Hash, ref)
	}
	lock, err := ReadLock(filepath.Join(p.Dir, LockFile))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if err := ValidateLock(lock, p.observed); err != nil {
		return err
	}
	return nil
}

// Load moves a plugin from Validated to Loaded: signature policy check,
// factory run, lock write.
func (m *Manager) Load(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.State != StateValidated {
		return fmt.Errorf("%w: load from %s", ErrIllegalState, p.State)
	}

	fingerprint := ""
	if m.policy.RequireSignature {
		fp, err := m.verifySignatureLocked(p)
		if err != nil {
			m.failLocked(p, err)
			return err
		}
		fingerprint = fp
	}

	factory, ok := m.factories[p.Manifest.Entry]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoFactory, p.Manifest.Entry)
		m.failLocked(p, err)
		return err
	}
	host := &Host{}
	if err := runFactory(factory, host); err != nil {
		err = fmt.Errorf("plugin factory %q: %w", p.Manifest.Entry, err)
		m.failLocked(p, err)
		return err
	}
	p.host = host

	lock := &Lock{ObservedDist: p.observed, LockedAt: time.Now().UTC(), KeyFingerprint: fingerprint}
	if err := WriteLock(filepath.Join(p.Dir, LockFile), lock); err != nil {
		m.failLocked(p, err)
		return err
	}

	p.State = StateLoaded
	p.LoadedAt = time.Now().UTC()
	p.LastError = ""
	m.gaugeLocked()
	m.lg.Info().Str("plugin", id).Int("tools", len(host.tools)).Msg("plugin loaded")
	return nil
}

func runFactory(factory Factory, host *Host) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory(host)
}

func (m *Manager) verifySignatureLocked(p *Plugin) (string, error) {
	sig := p.Manifest.Signature
	if sig == nil {
		return "", fmt.Errorf("%w: manifest carries no signature and policy requires one", ErrUnsigned)
	}
	key, ok := m.keyring.Find(sig.PublicKeyID)
	if !ok {
		return "", fmt.Errorf("%w: public key %s is not trusted", ErrBadSignature, sig.PublicKeyID)
	}
	if err := VerifyDistSignature(key.Public, sig, p.Manifest.Dist.Hash); err != nil {
		return "", err
	}
	return key.Fingerprint, nil
}

// Activate exposes a Loaded or Inactive plugin's tools through the registry.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.State != StateLoaded && p.State != StateInactive {
		return fmt.Errorf("%w: activate from %s", ErrIllegalState, p.State)
	}

	batch, err := m.reg.StartModuleAt("plugin:"+p.ID, p.Category, p.Dir)
	if err != nil {
		return err
	}
	for _, t := range p.host.tools {
		if err := batch.RegisterTool(t); err != nil {
			batch.Fail(err)
			m.failLocked(p, err)
			return err
		}
	}
	for _, res := range p.host.resources {
		if err := batch.RegisterResource(res); err != nil {
			batch.Fail(err)
			m.failLocked(p, err)
			return err
		}
	}
	for _, pr := range p.host.prompts {
		if err := batch.RegisterPrompt(pr); err != nil {
			batch.Fail(err)
			m.failLocked(p, err)
			return err
		}
	}
	if err := batch.Complete(); err != nil {
		m.failLocked(p, err)
		return err
	}

	p.State = StateActive
	m.gaugeLocked()
	m.lg.Info().Str("plugin", id).Msg("plugin activated")
	return nil
}

// Deactivate hides an Active plugin's tools without unloading it.
func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.State != StateActive {
		return fmt.Errorf("%w: deactivate from %s", ErrIllegalState, p.State)
	}
	if err := m.reg.UnloadModule("plugin:" + p.ID); err != nil {
		return err
	}
	p.State = StateInactive
	m.gaugeLocked()
	m.lg.Info().Str("plugin", id).Msg("plugin deactivated")
	return nil
}

// Unload retires a Loaded or Inactive plugin. Its record stays listed.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.State != StateLoaded && p.State != StateInactive {
		return fmt.Errorf("%w: unload from %s", ErrIllegalState, p.State)
	}
	p.State = StateUnloaded
	p.host = nil
	m.gaugeLocked()
	m.lg.Info().Str("plugin", id).Msg("plugin unloaded")
	return nil
}

// Revalidate re-runs manifest and integrity validation for one plugin,
// allowing a retry after the underlying cause of a failure is fixed.
func (m *Manager) Revalidate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch p.State {
	case StateDiscovered, StateValidated, StateFailed, StateUnloaded:
	default:
		return fmt.Errorf("%w: validate from %s", ErrIllegalState, p.State)
	}

	manifest, err := ReadManifest(filepath.Join(p.Dir, ManifestFile))
	if manifest != nil {
		p.Manifest = manifest
	}
	if err != nil {
		m.failLocked(p, fmt.Errorf("manifest validation: %w", err))
		return err
	}
	if err := m.validateLocked(p); err != nil {
		m.failLocked(p, err)
		return err
	}
	p.State = StateValidated
	p.LastError = ""
	m.gaugeLocked()
	return nil
}

// List returns plugin snapshots sorted by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

// Lookup returns the snapshot of one plugin.
func (m *Manager) Lookup(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return Info{}, false
	}
	return snapshot(p), true
}

func (m *Manager) listLocked() []Info {
	out := make([]Info, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) failLocked(p *Plugin, cause error) {
	p.State = StateFailed
	p.LastError = cause.Error()
	m.gaugeLocked()
	m.lg.Warn().Err(cause).Str("plugin", p.ID).Msg("plugin failed")
}

func (m *Manager) gaugeLocked() {
	counts := make(map[State]int)
	for _, p := range m.plugins {
		counts[p.State]++
	}
	for s := StateDiscovered; s <= StateFailed; s++ {
		metrics.PluginsByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func snapshot(p *Plugin) Info {
	info := Info{
		ID:        p.ID,
		Category:  p.Category,
		State:     p.State.String(),
		LoadedAt:  p.LoadedAt,
		LastError: p.LastError,
	}
	if p.Manifest != nil {
		info.Name = p.Manifest.Name
		info.Version = p.Manifest.Version
		info.Signed = p.Manifest.Signature != nil
	}
	if p.host != nil {
		info.Tools = len(p.host.tools)
	}
	return info
}
