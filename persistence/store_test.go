package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type storeFactory func(t *testing.T) (ConversationStore, DedupStore)

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a second connection would see a different in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) (ConversationStore, DedupStore) {
			return NewMemoryConversationStore(), NewMemoryDedupStore()
		},
		"file": func(t *testing.T) (ConversationStore, DedupStore) {
			cfg := DefaultStoreConfig()
			cfg.BaseDir = t.TempDir()
			cs, err := NewFileConversationStore(cfg)
			require.NoError(t, err)
			ds, err := NewFileDedupStore(cfg)
			require.NoError(t, err)
			return cs, ds
		},
		"redis": func(t *testing.T) (ConversationStore, DedupStore) {
			mr := setupTestRedis(t)
			client, err := ConnectRedis(context.Background(), RedisStoreConfig{Addr: mr.Addr()})
			require.NoError(t, err)
			t.Cleanup(func() { client.Close() })
			return NewRedisConversationStore(client, "test:"), NewRedisDedupStore(client, "test:")
		},
		"sql": func(t *testing.T) (ConversationStore, DedupStore) {
			db := setupTestDB(t)
			cs, err := NewSQLConversationStore(db)
			require.NoError(t, err)
			ds, err := NewSQLDedupStore(db)
			require.NoError(t, err)
			return cs, ds
		},
	}
}

func record(id string, archived bool) Record {
	data, _ := json.Marshal(map[string]any{"id": id, "phase": "chat"})
	return Record{ID: id, Archived: archived, UpdatedAt: time.Unix(1700000000, 0).UTC(), Data: data}
}

func TestConversationStores(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cs, _ := factory(t)
			defer cs.Close()

			require.NoError(t, cs.Ping(ctx))

			_, err := cs.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, cs.Save(ctx, Record{ID: "x"}), ErrInvalidInput)

			require.NoError(t, cs.Save(ctx, record("b", false)))
			require.NoError(t, cs.Save(ctx, record("a", false)))
			// overwrite keeps one record per id
			require.NoError(t, cs.Save(ctx, record("b", true)))

			got, err := cs.Load(ctx, "b")
			require.NoError(t, err)
			assert.True(t, got.Archived)
			assert.JSONEq(t, string(record("b", true).Data), string(got.Data))
			assert.True(t, got.UpdatedAt.Equal(record("b", true).UpdatedAt))

			all, err := cs.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a", all[0].ID)
			assert.Equal(t, "b", all[1].ID)
		})
	}
}

func TestDedupStores(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ds := factory(t)
			defer ds.Close()

			ids, err := ds.LoadIDs(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)

			require.NoError(t, ds.SaveIDs(ctx, []string{"e1", "e2", "e3"}))
			require.NoError(t, ds.SaveIDs(ctx, []string{"e2", "e3", "e4"}))

			ids, err = ds.LoadIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"e2", "e3", "e4"}, ids)

			require.NoError(t, ds.SaveIDs(ctx, nil))
			ids, err = ds.LoadIDs(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestFileConversationStore_RejectsPathIDs(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	cs, err := NewFileConversationStore(cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, cs.Save(context.Background(), record("../escape", false)), ErrInvalidInput)
}

func TestFileConversationStore_ListSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	core, logs := observer.New(zap.WarnLevel)
	cs, err := NewFileConversationStore(cfg)
	require.NoError(t, err)
	cs.WithLogger(zap.New(core))

	require.NoError(t, cs.Save(ctx, record("good", false)))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BaseDir, "conversations", "broken.json"), []byte("{not json"), 0o644))

	recs, err := cs.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].ID)

	entries := logs.FilterMessage("skipping unreadable conversation file").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "broken.json", entries[0].ContextMap()["file"])
}

func TestClosedStores(t *testing.T) {
	cs := NewMemoryConversationStore()
	require.NoError(t, cs.Close())
	assert.ErrorIs(t, cs.Save(context.Background(), record("a", false)), ErrStoreClosed)
	assert.ErrorIs(t, cs.Ping(context.Background()), ErrStoreClosed)
}

func TestFactory(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()

	cs, err := NewConversationStore(cfg, Backends{})
	require.NoError(t, err)
	assert.IsType(t, &FileConversationStore{}, cs)

	cfg.Type = StoreTypeRedis
	_, err = NewDedupStore(cfg, Backends{})
	assert.Error(t, err)

	cfg.Type = StoreTypeSQL
	_, err = NewConversationStore(cfg, Backends{})
	assert.Error(t, err)

	cfg.Type = "etcd"
	_, err = NewConversationStore(cfg, Backends{})
	assert.Error(t, err)
}

// ====== WriteBack ======

type flakyStore struct {
	*MemoryConversationStore
	fail  bool
	saves int
}

func (s *flakyStore) Save(ctx context.Context, rec Record) error {
	s.saves++
	if s.fail {
		return fmt.Errorf("disk unavailable")
	}
	return s.MemoryConversationStore.Save(ctx, rec)
}

// gatedStore blocks the first Save until release is closed and records the
// order in which saves finish.
type gatedStore struct {
	*MemoryConversationStore
	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	calls    int
	inFlight int
	overlap  bool
	finished []string
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryConversationStore: NewMemoryConversationStore(),
		started:                 make(chan struct{}),
		release:                 make(chan struct{}),
	}
}

func (s *gatedStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.inFlight++
	if s.inFlight > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	if first {
		close(s.started)
		<-s.release
	}
	err := s.MemoryConversationStore.Save(ctx, rec)

	s.mu.Lock()
	s.inFlight--
	s.finished = append(s.finished, string(rec.Data))
	s.mu.Unlock()
	return err
}

func (s *gatedStore) snapshot() (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap, append([]string(nil), s.finished...)
}

type failureCounter struct{ n int }

func (c *failureCounter) ObservePersistenceFailure(string, string) { c.n++ }

func TestWriteBack_CoalescesPuts(t *testing.T) {
	store := NewMemoryConversationStore()
	wb := NewWriteBack(store, 30*time.Millisecond, nil, nil)

	for i := 0; i < 5; i++ {
		rec := record("conv", false)
		rec.Data = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		wb.Put(rec)
	}
	assert.Equal(t, 1, wb.Pending())

	assert.Eventually(t, func() bool {
		got, err := store.Load(context.Background(), "conv")
		return err == nil && string(got.Data) == `{"n":4}`
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, wb.Pending())
}

func TestWriteBack_FlushWritesPending(t *testing.T) {
	store := NewMemoryConversationStore()
	wb := NewWriteBack(store, time.Hour, nil, nil)

	wb.Put(record("a", false))
	wb.Put(record("b", false))
	require.NoError(t, wb.Flush(context.Background()))

	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 0, wb.Pending())
}

func TestWriteBack_FailedWriteIsObservedNotFatal(t *testing.T) {
	store := &flakyStore{MemoryConversationStore: NewMemoryConversationStore(), fail: true}
	obs := &failureCounter{}
	wb := NewWriteBack(store, time.Hour, obs, nil)

	wb.Put(record("a", false))
	err := wb.Flush(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, obs.n)
	assert.Equal(t, 1, store.saves)
}

func TestWriteBack_CloseFlushesAndRejects(t *testing.T) {
	store := NewMemoryConversationStore()
	wb := NewWriteBack(store, time.Hour, nil, nil)

	wb.Put(record("a", false))
	require.NoError(t, wb.Close(context.Background()))

	// Close also closed the store, so inspect its map
	assert.Contains(t, store.records, "a")

	wb.Put(record("b", false))
	assert.Equal(t, 0, wb.Pending())
}

func TestWriteBack_ZeroDelayWritesImmediately(t *testing.T) {
	store := NewMemoryConversationStore()
	wb := NewWriteBack(store, 0, nil, nil)

	wb.Put(record("a", false))
	_, err := store.Load(context.Background(), "a")
	assert.NoError(t, err)
}

func TestWriteBack_SavesOfOneIDNeverOverlap(t *testing.T) {
	store := newGatedStore()
	wb := NewWriteBack(store, 10*time.Millisecond, nil, nil)

	older := record("conv", false)
	older.Data = json.RawMessage(`{"n":1}`)
	wb.Put(older)
	<-store.started

	newer := record("conv", false)
	newer.Data = json.RawMessage(`{"n":2}`)
	wb.Put(newer)
	// give the second timer time to fire while the first save is blocked
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	assert.Eventually(t, func() bool {
		_, finished := store.snapshot()
		return len(finished) == 2
	}, time.Second, 5*time.Millisecond)

	overlap, finished := store.snapshot()
	assert.False(t, overlap)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, finished)
	got, err := store.Load(context.Background(), "conv")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got.Data))
}

func TestWriteBack_FlushWaitsForInFlightSave(t *testing.T) {
	store := newGatedStore()
	wb := NewWriteBack(store, 5*time.Millisecond, nil, nil)

	first := record("conv", false)
	first.Data = json.RawMessage(`{"n":1}`)
	wb.Put(first)
	<-store.started

	second := record("conv", false)
	second.Data = json.RawMessage(`{"n":2}`)
	wb.Put(second)

	done := make(chan error, 1)
	go func() { done <- wb.Flush(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not return")
	}
	assert.Eventually(t, func() bool {
		got, err := store.Load(context.Background(), "conv")
		return err == nil && string(got.Data) == `{"n":2}`
	}, time.Second, 5*time.Millisecond)
	overlap, _ := store.snapshot()
	assert.False(t, overlap)
}
