package cmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
)

// ErrEmptyKey reports an empty configuration-item key.
var ErrEmptyKey = errors.New("configuration item key must not be empty")

// Stats is the snapshot returned by Stats.
type Stats struct {
	Items     int            `json:"items"`
	Dirty     int            `json:"dirty"`
	ByType    map[string]int `json:"by_type"`
	LastFlush time.Time      `json:"last_flush,omitempty"`
	AutoSave  bool           `json:"auto_save"`
}

// Options configures Open.
type Options struct {
	AutoSave         bool
	AutoSaveInterval time.Duration
}

// CMDB is the configuration-item store. The items map is guarded by mu;
// writes to a single key additionally serialise on a per-key lock so that
// merge read-modify-write cycles never interleave.
type CMDB struct {
	store *Store

	mu    sync.RWMutex
	items map[string]any
	types map[string]string
	dirty map[string]struct{}

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	autoSave  bool
	interval  time.Duration
	lastFlush time.Time

	stop chan struct{}
	done chan struct{}
	lg   zerolog.Logger
}

// Open rehydrates the CMDB from the durable store at path. No request may be
// served before Open returns.
func Open(path string, opts Options) (*CMDB, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	c := &CMDB{
		store:    store,
		items:    make(map[string]any),
		types:    make(map[string]string),
		dirty:    make(map[string]struct{}),
		keys:     make(map[string]*sync.Mutex),
		autoSave: opts.AutoSave,
		interval: opts.AutoSaveInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lg:       log.WithComponent("cmdb"),
	}
	if c.interval <= 0 {
		c.interval = time.Minute
	}

	rows, err := store.LoadAll(context.Background())
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, row := range rows {
		var value any
		if err := json.Unmarshal(row.Data, &value); err != nil {
			c.lg.Warn().Str("key", row.Key).Err(err).Msg("skipping undecodable row")
			continue
		}
		c.items[row.Key] = value
		c.types[row.Key] = row.Type
	}
	metrics.CMDBItems.Set(float64(len(c.items)))
	c.lg.Info().Int("items", len(c.items)).Str("path", path).Msg("cmdb rehydrated")

	if c.autoSave {
		go c.autoSaveLoop()
	} else {
		close(c.done)
	}
	return c, nil
}

func (c *CMDB) keyLock(key string) *sync.Mutex {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	m, ok := c.keys[key]
	if !ok {
		m = &sync.Mutex{}
		c.keys[key] = m
	}
	return m
}

// Set stores value under key with last-write-wins semantics.
func (c *CMDB) Set(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	c.items[key] = value
	c.types[key] = inferType(key, value)
	c.dirty[key] = struct{}{}
	size := len(c.items)
	c.mu.Unlock()

	metrics.CMDBItems.Set(float64(size))
	return nil
}

// Get returns the value under key.
func (c *CMDB) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Merge shallow-merges partial into the object stored under key: existing
// keys survive, colliding keys take the partial's value. A missing or
// non-object existing value behaves as empty.
func (c *CMDB) Merge(key string, partial map[string]any) (map[string]any, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	merged := make(map[string]any)
	if existing, ok := c.items[key].(map[string]any); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	c.items[key] = merged
	c.types[key] = inferType(key, merged)
	c.dirty[key] = struct{}{}
	size := len(c.items)
	c.mu.Unlock()

	metrics.CMDBItems.Set(float64(size))
	return merged, nil
}

// Query returns every item whose key matches the glob (* wildcards only).
func (c *CMDB) Query(glob string) (map[string]any, error) {
	re, err := compileGlob(glob)
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", glob, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any)
	for key, value := range c.items {
		if re.MatchString(key) {
			out[key] = value
		}
	}
	return out, nil
}

// Clear removes every item, in memory and durably.
func (c *CMDB) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]any)
	c.types = make(map[string]string)
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	metrics.CMDBItems.Set(0)
	return c.store.Clear(context.Background())
}

// Stats returns a snapshot of the store state.
func (c *CMDB) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byType := make(map[string]int)
	for _, t := range c.types {
		byType[t]++
	}
	return Stats{
		Items:     len(c.items),
		Dirty:     len(c.dirty),
		ByType:    byType,
		LastFlush: c.lastFlush,
		AutoSave:  c.autoSave,
	}
}

// Save flushes all dirty keys to the durable store.
func (c *CMDB) Save(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]Row, 0, len(c.dirty))
	for key := range c.dirty {
		value, ok := c.items[key]
		if !ok {
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		pending = append(pending, Row{
			Key:       key,
			Data:      data,
			Type:      c.types[key],
			UpdatedAt: time.Now().UTC(),
		})
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	for _, row := range pending {
		if err := c.store.Put(ctx, row); err != nil {
			// Put the key back so the next flush retries it.
			c.mu.Lock()
			c.dirty[row.Key] = struct{}{}
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Lock()
	c.lastFlush = time.Now().UTC()
	c.mu.Unlock()
	metrics.CMDBFlushes.Inc()
	return nil
}

// MigrateFrom imports a legacy JSON object file ({key: value, …}) and
// returns the number of imported items.
func (c *CMDB) MigrateFrom(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading legacy store %s: %w", path, err)
	}
	var legacy map[string]any
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("parsing legacy store %s: %w", path, err)
	}
	for key, value := range legacy {
		if err := c.Set(key, value); err != nil {
			return 0, err
		}
	}
	if err := c.Save(context.Background()); err != nil {
		return 0, err
	}
	c.lg.Info().Int("items", len(legacy)).Str("path", path).Msg("migrated legacy store")
	return len(legacy), nil
}

func (c *CMDB) autoSaveLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Save(context.Background()); err != nil {
				c.lg.Error().Err(err).Msg("auto-save failed")
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the auto-save loop, flushes once more, and closes the store.
func (c *CMDB) Close() error {
	if c.autoSave {
		close(c.stop)
		<-c.done
	}
	flushErr := c.Save(context.Background())
	closeErr := c.store.Close()
	return errors.Join(flushErr, closeErr)
}
