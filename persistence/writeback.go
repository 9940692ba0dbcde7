package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FailureObserver is told about every failed background write.
type FailureObserver interface {
	ObservePersistenceFailure(store, op string)
}

// WriteBack coalesces saves per record id. The first Put for an id arms a
// timer; later Puts within the delay replace the pending record, so each id
// is written at most once per interval. Saves of one id never overlap, and
// the record is taken only once the previous save finished, so an older
// snapshot cannot overwrite a newer one.
type WriteBack struct {
	store    ConversationStore
	delay    time.Duration
	observer FailureObserver
	logger   *zap.Logger
	saving   keyedMutex

	mu      sync.Mutex
	pending map[string]Record
	timers  map[string]*time.Timer
	closed  bool
}

// keyedMutex serialises work per key; entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// NewWriteBack wraps store. A non-positive delay writes synchronously on Put.
func NewWriteBack(store ConversationStore, delay time.Duration, observer FailureObserver, logger *zap.Logger) *WriteBack {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteBack{
		store:    store,
		delay:    delay,
		observer: observer,
		logger:   logger.With(zap.String("component", "write_back")),
		pending:  make(map[string]Record),
		timers:   make(map[string]*time.Timer),
	}
}

// Store returns the wrapped store.
func (w *WriteBack) Store() ConversationStore { return w.store }

// Put schedules rec for writing.
func (w *WriteBack) Put(rec Record) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("write after close dropped", zap.String("id", rec.ID))
		return
	}
	if w.delay <= 0 {
		w.mu.Unlock()
		unlock := w.saving.lock(rec.ID)
		w.write(context.Background(), rec)
		unlock()
		return
	}
	w.pending[rec.ID] = rec
	if _, armed := w.timers[rec.ID]; !armed {
		id := rec.ID
		w.timers[id] = time.AfterFunc(w.delay, func() { w.flushID(id) })
	}
	w.mu.Unlock()
}

// Pending returns the number of records waiting to be written.
func (w *WriteBack) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *WriteBack) flushID(id string) {
	w.flushPending(context.Background(), id)
}

// flushPending writes the pending record of id, if any. It waits for an
// in-flight save of the same id before taking the record.
func (w *WriteBack) flushPending(ctx context.Context, id string) bool {
	unlock := w.saving.lock(id)
	defer unlock()

	w.mu.Lock()
	rec, ok := w.pending[id]
	delete(w.pending, id)
	if t, armed := w.timers[id]; armed {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	if !ok {
		return true
	}
	return w.write(ctx, rec)
}

// write never returns the error: the in-memory state stays authoritative.
func (w *WriteBack) write(ctx context.Context, rec Record) bool {
	if err := w.store.Save(ctx, rec); err != nil {
		w.logger.Error("failed to persist conversation", zap.String("id", rec.ID), zap.Error(err))
		if w.observer != nil {
			w.observer.ObservePersistenceFailure("conversation", "save")
		}
		return false
	}
	return true
}

// Flush writes every pending record now, concurrently across ids, and
// reports failed writes as an error.
func (w *WriteBack) Flush(ctx context.Context) error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	var (
		failMu sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			if !w.flushPending(gctx, id) {
				failMu.Lock()
				failed++
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed > 0 {
		return errors.New("write-back flush: some conversations were not persisted")
	}
	return nil
}

// Close flushes pending writes, rejects further Puts and closes the store.
func (w *WriteBack) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	flushErr := w.Flush(ctx)
	return errors.Join(flushErr, w.store.Close())
}
