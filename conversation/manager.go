package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/types"
)

// Observer receives state-machine events; internal/metrics.Collector
// satisfies it.
type Observer interface {
	persistence.FailureObserver
	ObservePhaseTransition(from, to string)
}

// Options configures a Manager.
type Options struct {
	WriteDelay time.Duration
	Observer   Observer
	Logger     *zap.Logger
	Clock      func() time.Time
}

type entry struct {
	mu   sync.Mutex
	conv *Conversation
}

// Manager is the conversation store. Each conversation has its own lock;
// the index lock is only held for lookups and inserts.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// event id -> conversation id, for replies to any event in a thread
	byEvent map[string]string

	wb       *persistence.WriteBack
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a manager persisting through store.
func NewManager(store persistence.ConversationStore, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	var failures persistence.FailureObserver
	if opts.Observer != nil {
		failures = opts.Observer
	}
	return &Manager{
		entries:  make(map[string]*entry),
		byEvent:  make(map[string]string),
		wb:       persistence.NewWriteBack(store, opts.WriteDelay, failures, logger),
		observer: opts.Observer,
		logger:   logger.With(zap.String("component", "conversation")),
		now:      now,
	}
}

// Load restores every stored conversation. Records that fail to decode are
// logged and skipped.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.wb.Store().List(ctx)
	if err != nil {
		return types.NewPersistenceError("list conversations", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		c, err := Decode(rec)
		if err != nil {
			m.logger.Warn("skipping unreadable conversation", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		m.entries[c.ID] = &entry{conv: c}
		for _, ev := range c.History {
			m.byEvent[ev.ID] = c.ID
		}
	}
	m.logger.Info("conversations loaded", zap.Int("count", len(m.entries)))
	return nil
}

// Create starts a conversation from its originating event. Creating an id
// that already exists returns the existing conversation.
func (m *Manager) Create(_ context.Context, origin *types.Event) (*Conversation, error) {
	if origin == nil || origin.ID == "" {
		return nil, types.NewValidationError("originating event must have an id")
	}

	m.mu.Lock()
	if e, ok := m.entries[origin.ID]; ok {
		m.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conv.Clone(), nil
	}
	now := m.now()
	c := &Conversation{
		ID:             origin.ID,
		Title:          titleFor(origin),
		Phase:          types.PhaseChat,
		History:        []types.Event{*origin},
		PhaseStartedAt: now,
		Metadata:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e := &entry{conv: c}
	m.entries[c.ID] = e
	m.byEvent[origin.ID] = c.ID
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	m.persist(c)
	m.logger.Info("conversation created", zap.String("id", c.ID), zap.String("title", c.Title))
	return c.Clone(), nil
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// mutate runs fn under the conversation's lock and persists when fn reports
// a change.
func (m *Manager) mutate(id string, fn func(c *Conversation) (bool, error)) error {
	e, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := fn(e.conv)
	if err != nil || !changed {
		return err
	}
	e.conv.UpdatedAt = m.now()
	m.persist(e.conv)
	return nil
}

// AddEvent appends ev to the history. An event already in the history is
// ignored.
func (m *Manager) AddEvent(_ context.Context, id string, ev types.Event) error {
	if ev.ID == "" {
		return types.NewValidationError("event must have an id")
	}
	err := m.mutate(id, func(c *Conversation) (bool, error) {
		if c.HasEvent(ev.ID) {
			return false, nil
		}
		c.History = append(c.History, ev)
		return true, nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.byEvent[ev.ID] = id
	m.mu.Unlock()
	return nil
}

// UpdatePhase moves the conversation to phase to. Updating to the current
// phase is a no-op; an edge outside the phase graph returns an
// *InvalidTransitionError and leaves the phase untouched.
func (m *Manager) UpdatePhase(_ context.Context, id string, to types.Phase, reason, actor string) error {
	var from types.Phase
	err := m.mutate(id, func(c *Conversation) (bool, error) {
		from = c.Phase
		if c.Phase == to {
			return false, nil
		}
		if err := types.ValidatePhaseTransition(c.Phase, to); err != nil {
			return false, &InvalidTransitionError{ConversationID: id, From: c.Phase, To: to, Err: err}
		}
		now := m.now()
		c.PhaseTransitions = append(c.PhaseTransitions, Transition{
			From:      c.Phase,
			To:        to,
			Reason:    reason,
			Actor:     actor,
			Timestamp: now,
		})
		c.Phase = to
		c.PhaseStartedAt = now
		return true, nil
	})
	if err != nil {
		return err
	}
	if from != to {
		m.logger.Info("phase transition",
			zap.String("id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("actor", actor))
		if m.observer != nil {
			m.observer.ObservePhaseTransition(string(from), string(to))
		}
	}
	return nil
}

// SetCurrentAgent records the assigned responder.
func (m *Manager) SetCurrentAgent(_ context.Context, id, pubkey string) error {
	return m.mutate(id, func(c *Conversation) (bool, error) {
		if c.CurrentAgent == pubkey {
			return false, nil
		}
		c.CurrentAgent = pubkey
		return true, nil
	})
}

// SetMetadata stores a phase-scoped summary or context value.
func (m *Manager) SetMetadata(_ context.Context, id, key, value string) error {
	return m.mutate(id, func(c *Conversation) (bool, error) {
		if old, ok := c.Metadata[key]; ok && old == value {
			return false, nil
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		c.Metadata[key] = value
		return true, nil
	})
}

// Archive moves the conversation out of the active set. It stays on disk.
func (m *Manager) Archive(_ context.Context, id string) error {
	err := m.mutate(id, func(c *Conversation) (bool, error) {
		if c.Archived {
			return false, nil
		}
		c.Archived = true
		return true, nil
	})
	if err == nil {
		m.logger.Info("conversation archived", zap.String("id", id))
	}
	return err
}

// Get returns a snapshot of the conversation.
func (m *Manager) Get(id string) (*Conversation, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), true
}

// GetByEvent resolves an event to its conversation through its thread
// references, root first.
func (m *Manager) GetByEvent(ev *types.Event) (*Conversation, bool) {
	m.mu.RLock()
	var id string
	for _, ref := range ev.ThreadRefs() {
		if _, ok := m.entries[ref]; ok {
			id = ref
			break
		}
		if cid, ok := m.byEvent[ref]; ok {
			id = cid
			break
		}
	}
	m.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return m.Get(id)
}

// Search matches query case-insensitively against titles and metadata
// values. Archived conversations are included.
func (m *Manager) Search(query string) []*Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return m.filter(func(c *Conversation) bool {
		if strings.Contains(strings.ToLower(c.Title), q) {
			return true
		}
		for _, v := range c.Metadata {
			if strings.Contains(strings.ToLower(v), q) {
				return true
			}
		}
		return false
	})
}

// ListActive returns the conversations that are not archived.
func (m *Manager) ListActive() []*Conversation {
	return m.filter(func(c *Conversation) bool { return !c.Archived })
}

func (m *Manager) filter(keep func(*Conversation) bool) []*Conversation {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Conversation
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.conv) {
			out = append(out, e.conv.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// persist must be called with the entry lock held.
func (m *Manager) persist(c *Conversation) {
	rec, err := Encode(c)
	if err != nil {
		m.logger.Error("failed to encode conversation", zap.String("id", c.ID), zap.Error(err))
		if m.observer != nil {
			m.observer.ObservePersistenceFailure("conversation", "encode")
		}
		return
	}
	m.wb.Put(rec)
}

// Flush writes pending changes now.
func (m *Manager) Flush(ctx context.Context) error {
	return m.wb.Flush(ctx)
}

// Close flushes pending writes and closes the store.
func (m *Manager) Close(ctx context.Context) error {
	return m.wb.Close(ctx)
}
