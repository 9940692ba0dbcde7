package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/types"
)

func newTestDeduplicator(t *testing.T, max int, delay time.Duration) (*Deduplicator, *persistence.MemoryDedupStore) {
	t.Helper()
	store := persistence.NewMemoryDedupStore()
	d, err := New(Config{MaxEntries: max, SaveDelay: delay}, store, nil)
	require.NoError(t, err)
	return d, store
}

func TestDeduplicator_HasAdd(t *testing.T) {
	d, _ := newTestDeduplicator(t, 10, time.Hour)

	assert.False(t, d.Has("e1"))
	assert.True(t, d.Add("e1"))
	assert.True(t, d.Has("e1"))
	assert.False(t, d.Add("e1"))
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicator_Forget(t *testing.T) {
	d, _ := newTestDeduplicator(t, 10, time.Hour)

	require.True(t, d.Add("e1"))
	d.Forget("e1")
	assert.False(t, d.Has("e1"))
	assert.True(t, d.Add("e1"))
	d.Forget("missing")
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicator_EvictsOldestInserted(t *testing.T) {
	d, _ := newTestDeduplicator(t, 3, time.Hour)

	for _, id := range []string{"a", "b", "c"} {
		d.Add(id)
	}
	// lookups do not refresh an id
	assert.True(t, d.Has("a"))
	d.Add("d")

	assert.False(t, d.Has("a"))
	assert.Equal(t, []string{"b", "c", "d"}, d.Snapshot())
}

func TestDeduplicator_DebouncedSave(t *testing.T) {
	d, store := newTestDeduplicator(t, 100, 40*time.Millisecond)

	for i := 0; i < 50; i++ {
		d.Add(fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, 0, store.Saves())

	assert.Eventually(t, func() bool { return store.Saves() == 1 }, time.Second, 5*time.Millisecond)

	ids, err := store.LoadIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 50)

	// no changes, no further writes
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, store.Saves())
}

func TestDeduplicator_FlushIsSynchronous(t *testing.T) {
	d, store := newTestDeduplicator(t, 100, time.Hour)

	d.Add("e1")
	d.Add("e2")
	require.NoError(t, d.Flush(context.Background()))

	ids, err := store.LoadIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	// clean flush is a no-op
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, 1, store.Saves())
}

func TestDeduplicator_LoadRestoresNewest(t *testing.T) {
	store := persistence.NewMemoryDedupStore()
	require.NoError(t, store.SaveIDs(context.Background(), []string{"a", "b", "c", "d"}))

	d, err := New(Config{MaxEntries: 2, SaveDelay: time.Hour}, store, nil)
	require.NoError(t, err)
	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, []string{"c", "d"}, d.Snapshot())
}

func TestDeduplicator_Clear(t *testing.T) {
	d, store := newTestDeduplicator(t, 10, 20*time.Millisecond)

	d.Add("e1")
	d.Clear()

	assert.False(t, d.Has("e1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Saves())
}

type brokenStore struct{ *persistence.MemoryDedupStore }

func (brokenStore) SaveIDs(context.Context, []string) error { return errors.New("read-only") }

func TestDeduplicator_FlushErrorKeepsDirty(t *testing.T) {
	d, err := New(Config{MaxEntries: 10, SaveDelay: time.Hour}, brokenStore{persistence.NewMemoryDedupStore()}, nil)
	require.NoError(t, err)

	d.Add("e1")
	err = d.Flush(context.Background())
	assert.True(t, types.IsErrorCode(err, types.ErrPersistence))

	// still dirty, so the next flush tries again
	assert.Error(t, d.Flush(context.Background()))
}

func TestDeduplicator_InMemoryOnly(t *testing.T) {
	d, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Add("x"))
	assert.NoError(t, d.Flush(context.Background()))
	assert.NoError(t, d.Load(context.Background()))
}

// The set always equals the newest max distinct ids in insertion order.
func TestDeduplicator_MatchesInsertionOrderModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 8).Draw(t, "max")
		d, err := New(Config{MaxEntries: max, SaveDelay: time.Hour}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		var model []string
		ops := rapid.SliceOf(rapid.StringMatching(`e[0-9]{1,2}`)).Draw(t, "ids")
		for _, id := range ops {
			inModel := false
			for _, m := range model {
				if m == id {
					inModel = true
					break
				}
			}
			added := d.Add(id)
			if added == inModel {
				t.Fatalf("Add(%q) = %v, model says present=%v", id, added, inModel)
			}
			if !inModel {
				model = append(model, id)
				if len(model) > max {
					model = model[1:]
				}
			}
		}

		got := d.Snapshot()
		if len(got) != len(model) {
			t.Fatalf("len %d, model %d", len(got), len(model))
		}
		for i := range model {
			if got[i] != model[i] {
				t.Fatalf("snapshot %v, model %v", got, model)
			}
		}
	})
}
