// Package dedup makes inbound event handling idempotent under at-least-once
// delivery.
//
// Processed ids live in a bounded set. When the ceiling is exceeded the oldest
// inserted id is evicted; lookups do not refresh an id, so eviction follows
// insertion order rather than access recency. The set is snapshotted to a
// persistence.DedupStore at most once per SaveDelay and on Flush.
package dedup

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/types"
)

// Config controls the bounded set.
type Config struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries" env:"MAX_ENTRIES"`
	SaveDelay  time.Duration `yaml:"save_delay" json:"save_delay" env:"SAVE_DELAY"`
}

// DefaultConfig returns 10,000 entries and a one second debounce.
func DefaultConfig() Config {
	return Config{MaxEntries: 10000, SaveDelay: time.Second}
}

// Deduplicator tracks processed event ids.
type Deduplicator struct {
	cfg    Config
	store  persistence.DedupStore
	logger *zap.Logger

	ids *lru.Cache[string, struct{}]

	mu    sync.Mutex
	timer *time.Timer
	dirty bool

	// serialises snapshots so an older one never overwrites a newer one
	saveMu sync.Mutex
}

// New creates a deduplicator. store may be nil for a purely in-memory set.
func New(cfg Config, store persistence.DedupStore, logger *zap.Logger) (*Deduplicator, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids, err := lru.New[string, struct{}](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{
		cfg:    cfg,
		store:  store,
		logger: logger.With(zap.String("component", "dedup")),
		ids:    ids,
	}, nil
}

// Load restores the snapshot, keeping the newest MaxEntries ids.
func (d *Deduplicator) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	ids, err := d.store.LoadIDs(ctx)
	if err != nil {
		return types.NewPersistenceError("load processed events", err)
	}
	if len(ids) > d.cfg.MaxEntries {
		ids = ids[len(ids)-d.cfg.MaxEntries:]
	}
	for _, id := range ids {
		d.ids.ContainsOrAdd(id, struct{}{})
	}
	d.logger.Info("processed events restored", zap.Int("count", d.ids.Len()))
	return nil
}

// Has reports whether id was already processed.
func (d *Deduplicator) Has(id string) bool {
	return d.ids.Contains(id)
}

// Add records id and reports whether it was new. A new id arms the save
// timer if none is pending.
func (d *Deduplicator) Add(id string) bool {
	if found, _ := d.ids.ContainsOrAdd(id, struct{}{}); found {
		return false
	}
	d.scheduleSave()
	return true
}

// Forget drops id so a redelivery is processed again. Used when an event
// was accepted but could not be queued.
func (d *Deduplicator) Forget(id string) {
	if d.ids.Remove(id) {
		d.scheduleSave()
	}
}

// Len returns the number of tracked ids.
func (d *Deduplicator) Len() int {
	return d.ids.Len()
}

// Snapshot returns the tracked ids, oldest first.
func (d *Deduplicator) Snapshot() []string {
	return d.ids.Keys()
}

func (d *Deduplicator) scheduleSave() {
	if d.store == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = true
	if d.timer != nil {
		return
	}
	delay := d.cfg.SaveDelay
	if delay <= 0 {
		delay = DefaultConfig().SaveDelay
	}
	d.timer = time.AfterFunc(delay, func() {
		if err := d.save(context.Background()); err != nil {
			d.logger.Error("failed to persist processed events", zap.Error(err))
		}
	})
}

// save writes a snapshot if anything changed since the last one.
func (d *Deduplicator) save(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	dirty := d.dirty
	d.dirty = false
	d.mu.Unlock()

	if !dirty || d.store == nil {
		return nil
	}
	if err := d.store.SaveIDs(ctx, d.ids.Keys()); err != nil {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return types.NewPersistenceError("save processed events", err)
	}
	return nil
}

// Flush writes any pending snapshot synchronously.
func (d *Deduplicator) Flush(ctx context.Context) error {
	return d.save(ctx)
}

// Clear drops every id and any pending save. Used for test isolation.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.dirty = false
	d.mu.Unlock()
	d.ids.Purge()
}

// Close flushes and closes the backing store.
func (d *Deduplicator) Close(ctx context.Context) error {
	err := d.Flush(ctx)
	if d.store != nil {
		if cerr := d.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
