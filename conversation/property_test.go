package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/types"
)

// Every committed transition is an edge of the phase graph; rejected updates
// never change the phase.
func TestProperty_PhaseGraphClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("updatePhase only commits allowed edges", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			m := NewManager(persistence.NewMemoryConversationStore(), Options{})
			if _, err := m.Create(ctx, originEvent("c", "hi")); err != nil {
				t.Logf("Create failed: %v", err)
				return false
			}

			changes := 0
			for _, s := range steps {
				before, _ := m.Get("c")
				to := types.AllPhases[s]
				err := m.UpdatePhase(ctx, "c", to, "step", "")
				after, _ := m.Get("c")

				switch {
				case before.Phase == to:
					if err != nil || after.Phase != to {
						return false
					}
				case types.CanTransitionPhase(before.Phase, to):
					if err != nil || after.Phase != to {
						t.Logf("allowed %s -> %s failed: %v", before.Phase, to, err)
						return false
					}
					changes++
				default:
					var ite *InvalidTransitionError
					if !errors.As(err, &ite) || !types.IsErrorCode(err, types.ErrValidation) {
						t.Logf("illegal %s -> %s not rejected: %v", before.Phase, to, err)
						return false
					}
					if after.Phase != before.Phase {
						return false
					}
				}
			}

			final, _ := m.Get("c")
			if len(final.PhaseTransitions) != changes {
				t.Logf("transitions %d, changes %d", len(final.PhaseTransitions), changes)
				return false
			}
			for _, tr := range final.PhaseTransitions {
				if !types.CanTransitionPhase(tr.From, tr.To) {
					return false
				}
			}
			return final.Phase.Valid()
		},
		gen.SliceOf(gen.IntRange(0, len(types.AllPhases)-1)),
	))

	properties.TestingRun(t)
}

// Saving then loading preserves phase, history order and metadata keys.
func TestProperty_PersistenceRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "events")
		history := make([]types.Event, n)
		for i := range history {
			history[i] = types.Event{
				ID:        fmt.Sprintf("ev-%d", i),
				PubKey:    rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "pubkey"),
				Kind:      types.KindGenericReply,
				Content:   rapid.String().Draw(t, "content"),
				CreatedAt: time.Unix(int64(1700000000+i), 0).UTC(),
				Tags:      types.Tags{{types.TagEvent, "ev-0", "", types.MarkerRoot}},
			}
		}
		meta := rapid.MapOf(rapid.StringMatching(`[a-z_]{1,12}`), rapid.String()).Draw(t, "metadata")
		original := &Conversation{
			ID:       "ev-0",
			Title:    rapid.String().Draw(t, "title"),
			Phase:    rapid.SampledFrom(types.AllPhases).Draw(t, "phase"),
			History:  history,
			Metadata: meta,
			Archived: rapid.Bool().Draw(t, "archived"),
		}

		store := persistence.NewMemoryConversationStore()
		rec, err := Encode(original)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
		loadedRec, err := store.Load(context.Background(), original.ID)
		if err != nil {
			t.Fatal(err)
		}
		loaded, err := Decode(loadedRec)
		if err != nil {
			t.Fatal(err)
		}

		if loaded.Phase != original.Phase {
			t.Fatalf("phase %s != %s", loaded.Phase, original.Phase)
		}
		if loaded.Archived != original.Archived {
			t.Fatalf("archived flag lost")
		}
		if len(loaded.History) != len(original.History) {
			t.Fatalf("history length %d != %d", len(loaded.History), len(original.History))
		}
		for i := range original.History {
			if loaded.History[i].ID != original.History[i].ID || loaded.History[i].Content != original.History[i].Content {
				t.Fatalf("history[%d] differs", i)
			}
		}
		if len(loaded.Metadata) != len(original.Metadata) {
			t.Fatalf("metadata size %d != %d", len(loaded.Metadata), len(original.Metadata))
		}
		for k, v := range original.Metadata {
			if loaded.Metadata[k] != v {
				t.Fatalf("metadata[%q] differs", k)
			}
		}
	})
}
