package observer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextd/internal/types"
)

func newTestObserver(t *testing.T) *Observer {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "awareness.json"), zap.NewNop())
}

func TestRecordAndSummarize(t *testing.T) {
	o := newTestObserver(t)
	o.Record(types.Event{Action: types.EventWrite, Tool: "save_context", TypeName: "decision"})
	o.Record(types.Event{Action: types.EventRead, Tool: "recall_context", TypeName: "decision", EntryIDs: []string{"ctx-1"}})
	o.Record(types.Event{Action: types.EventMiss, Tool: "recall_context", Query: "deployment process"})
	o.Record(types.Event{Action: types.EventMiss, Tool: "recall_context", Query: "deployment process"})

	s := o.Summary()
	assert.Equal(t, 1, s.TotalReads)
	assert.Equal(t, 1, s.TotalWrites)
	assert.Equal(t, 2, s.TotalMisses)
	assert.Equal(t, 2, s.MissedQueries["deployment process"])
	assert.Equal(t, 1, s.ReadsByType["decision"])
	assert.NotEmpty(t, s.LastActivity)
}

func TestMissWithoutQueryCountsTotalOnly(t *testing.T) {
	o := newTestObserver(t)
	o.Record(types.Event{Action: types.EventMiss})

	s := o.Summary()
	assert.Equal(t, 1, s.TotalMisses)
	assert.Empty(t, s.MissedQueries)
}

func TestEventRotation(t *testing.T) {
	o := newTestObserver(t)
	for i := 0; i <= eventCap; i++ {
		o.Record(types.Event{Action: types.EventRead, EntryIDs: []string{fmt.Sprintf("ctx-%d", i)}})
	}
	blob := o.Snapshot()
	assert.Len(t, blob.Events, eventKeep)
	// The kept half is the newest half.
	last := blob.Events[len(blob.Events)-1]
	assert.Equal(t, fmt.Sprintf("ctx-%d", eventCap), last.EntryIDs[0])
}

func TestReadIDs(t *testing.T) {
	o := newTestObserver(t)
	o.Record(types.Event{Action: types.EventRead, EntryIDs: []string{"ctx-a", "ctx-b"}})
	o.Record(types.Event{Action: types.EventWrite, EntryIDs: []string{"ctx-c"}})

	ids := o.ReadIDs()
	assert.True(t, ids["ctx-a"])
	assert.True(t, ids["ctx-b"])
	assert.False(t, ids["ctx-c"])
}

func TestImprovementJournal(t *testing.T) {
	o := newTestObserver(t)
	o.RecordImprovement(types.ImprovementRecord{
		Timestamp:    "2026-01-01T00:00:00Z",
		Actions:      []types.ActionCount{{Type: types.ActionAutoTag, Count: 3}},
		AutoExecuted: true,
	})
	o.RecordImprovement(types.ImprovementRecord{
		Timestamp: "2026-02-01T00:00:00Z",
		Actions:   []types.ActionCount{{Type: types.ActionArchiveStale, Count: 1}},
	})

	all := o.ImprovementsSince("")
	assert.Len(t, all, 2)
	recent := o.ImprovementsSince("2026-01-15T00:00:00Z")
	require.Len(t, recent, 1)
	assert.Equal(t, types.ActionArchiveStale, recent[0].Actions[0].Type)
}

func TestUsefulnessCounters(t *testing.T) {
	o := newTestObserver(t)
	o.RecordUsefulness("ctx-1", true)
	o.RecordUsefulness("ctx-1", true)
	o.RecordUsefulness("ctx-1", false)

	blob := o.Snapshot()
	assert.Equal(t, 2, blob.Usefulness.Helpful["ctx-1"])
	assert.Equal(t, 1, blob.Usefulness.Unhelpful["ctx-1"])
}

func TestMutatePersistsPendingActions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awareness.json")
	o := New(path, zap.NewNop())

	err := o.Mutate(func(b *types.Awareness) error {
		b.Pending = append(b.Pending, types.PendingAction{
			ID:     "pa-1",
			Action: types.Action{Kind: types.ActionMergeDuplicates},
			Status: types.StatusPending,
		})
		return nil
	})
	require.NoError(t, err)

	// A fresh observer over the same file sees the mutation.
	reopened := New(path, zap.NewNop())
	blob := reopened.Snapshot()
	require.Len(t, blob.Pending, 1)
	assert.Equal(t, "pa-1", blob.Pending[0].ID)
}

func TestMalformedAwarenessFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awareness.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	o := New(path, zap.NewNop())
	s := o.Summary()
	assert.Zero(t, s.TotalReads)
}
