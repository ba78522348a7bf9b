package agent

import (
	"context"
	"testing"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/election"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

func TestCompact_SnapshotMatchesReplay(t *testing.T) {
	log := logstore.NewMemory()
	seedLog(t, log, 1, 10, 1)

	st := election.NewStatic("a1", "a1", 1)
	cfg := testConfig("a1", "a1")
	cfg.CompactKeep = 2
	a := newTestAgent(t, cfg, st, log, nil)
	a.commitIndex.Store(10)

	if err := a.compact(context.Background(), 8); err != nil {
		t.Fatalf("compact: %v", err)
	}

	snap, err := log.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil || snap.Index != 8 || snap.Term != 1 {
		t.Fatalf("snapshot = %+v, want boundary 8/1", snap)
	}

	// CompactKeep entries stay behind the boundary for lagging followers.
	if got := log.FirstIndex(); got != 6 {
		t.Fatalf("first retained index = %d, want 6", got)
	}
	if got := log.LastIndex(); got != 10 {
		t.Fatalf("last index = %d, want 10 (tail untouched)", got)
	}

	// The snapshot contents equal a sequential replay of entries 1..8.
	restored := docstore.New()
	if err := restored.Restore(snap.Data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for idx := uint64(1); idx <= 8; idx++ {
		if qr := restored.Read(pathForIndex(idx)); !qr.OK {
			t.Fatalf("entry %d missing from snapshot state", idx)
		}
	}
	if qr := restored.Read(pathForIndex(9)); qr.OK {
		t.Fatal("snapshot covers entries past its boundary")
	}
}

func TestCompact_ChainsAcrossRuns(t *testing.T) {
	log := logstore.NewMemory()
	seedLog(t, log, 1, 6, 1)

	st := election.NewStatic("a1", "a1", 1)
	cfg := testConfig("a1", "a1")
	cfg.CompactKeep = 1
	a := newTestAgent(t, cfg, st, log, nil)
	ctx := context.Background()

	a.commitIndex.Store(4)
	if err := a.compact(ctx, 4); err != nil {
		t.Fatalf("first compact: %v", err)
	}

	seedLog(t, log, 7, 4, 1)
	a.commitIndex.Store(9)
	if err := a.compact(ctx, 9); err != nil {
		t.Fatalf("second compact: %v", err)
	}

	snap, err := log.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Index != 9 {
		t.Fatalf("snapshot index = %d, want 9", snap.Index)
	}

	// The second run folded the first snapshot plus entries 5..9.
	restored := docstore.New()
	if err := restored.Restore(snap.Data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for idx := uint64(1); idx <= 9; idx++ {
		if qr := restored.Read(pathForIndex(idx)); !qr.OK {
			t.Fatalf("entry %d missing after chained compaction", idx)
		}
	}
}

func TestMaybeCompact_BelowThresholdDoesNothing(t *testing.T) {
	log := logstore.NewMemory()
	seedLog(t, log, 1, 5, 1)

	st := election.NewStatic("a1", "a1", 1)
	cfg := testConfig("a1", "a1")
	cfg.CompactEvery = 100
	a := newTestAgent(t, cfg, st, log, nil)
	a.commitIndex.Store(5)

	a.maybeCompact(context.Background())

	if a.compacting.Load() {
		t.Fatal("compaction started below the trigger threshold")
	}
	if snap, _ := log.LoadSnapshot(); snap != nil {
		t.Fatalf("snapshot = %+v, want none", snap)
	}
}

func TestRestore_ResumesFromSnapshot(t *testing.T) {
	log := logstore.NewMemory()
	state := docstore.New()
	state.Apply([]docstore.Operation{setOp("/svc/name", `"orders"`)})
	data, err := state.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := log.SaveSnapshot(logstore.Snapshot{Index: 12, Term: 3, Data: data}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	st := election.NewStatic("a1", "a2", 3)
	a := newTestAgent(t, testConfig("a1", "a1", "a2"), st, log, nil)

	if got := a.CommitIndex(); got != 12 {
		t.Fatalf("commit index = %d, want 12", got)
	}
	if qr := a.readDB.Read("/svc/name"); !qr.OK || string(qr.Value) != `"orders"` {
		t.Fatalf("restored state = %+v", qr)
	}
}
