package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/election"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

// newFollower builds an agent that recognizes a remote static leader.
func newFollower(t *testing.T, log logstore.Store) (*Agent, *election.Static) {
	t.Helper()
	st := election.NewStatic("a2", "a1", 1)
	cfg := testConfig("a2", "a1", "a2", "a3")
	return newTestAgent(t, cfg, st, log, nil), st
}

func appendReq(term uint64, entries ...logstore.Entry) *AppendEntriesRequest {
	return &AppendEntriesRequest{
		Term:     term,
		LeaderID: "a1",
		SentAt:   time.Now(),
		Entries:  entries,
	}
}

func entryAt(t *testing.T, idx, term uint64, ops ...docstore.Operation) logstore.Entry {
	t.Helper()
	payload, err := json.Marshal(envelope{Ops: ops})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return logstore.Entry{Index: idx, Term: term, Payload: payload}
}

func TestHandleAppendEntries_MalformedRejectedAtBoundary(t *testing.T) {
	a, _ := newFollower(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *AppendEntriesRequest
	}{
		{"nil request", nil},
		{"missing leader", &AppendEntriesRequest{Term: 1}},
		{"zero term", &AppendEntriesRequest{LeaderID: "a1"}},
		{"snapshot without boundary", &AppendEntriesRequest{
			Term: 1, LeaderID: "a1", Snapshot: &logstore.Snapshot{},
		}},
		{"entry with index zero", appendReq(1, logstore.Entry{Index: 0, Term: 1})},
		{"non-contiguous entries", appendReq(1,
			logstore.Entry{Index: 2, Term: 1}, logstore.Entry{Index: 4, Term: 1})},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := a.HandleAppendEntries(ctx, c.req); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
	if got := a.log.LastIndex(); got != 0 {
		t.Fatalf("malformed requests touched the log, last index = %d", got)
	}
}

func TestHandleAppendEntries_StaleTermRejected(t *testing.T) {
	a, st := newFollower(t, nil)
	st.Follow("a1", 5)

	resp, err := a.HandleAppendEntries(context.Background(), appendReq(3))
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if resp.Success {
		t.Fatal("stale-term request must be rejected")
	}
	if resp.Term != 5 {
		t.Fatalf("response term = %d, want 5 so the stale leader steps down", resp.Term)
	}
}

func TestHandleAppendEntries_HeartbeatAgainstEmptyLogForcesSnapshot(t *testing.T) {
	a, _ := newFollower(t, nil)

	resp, err := a.HandleAppendEntries(context.Background(), appendReq(1))
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if resp.Success {
		t.Fatal("heartbeat with nothing local to anchor against must be rejected")
	}
}

func TestHandleAppendEntries_AppendAndCommit(t *testing.T) {
	a, _ := newFollower(t, nil)
	ctx := context.Background()

	req := appendReq(1,
		entryAt(t, 1, 1, setOp("/svc/name", `"orders"`)),
		entryAt(t, 2, 1, setOp("/svc/replicas", `3`)),
	)
	req.LeaderCommit = 2

	resp, err := a.HandleAppendEntries(ctx, req)
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected Success=true")
	}
	if got := a.CommitIndex(); got != 2 {
		t.Fatalf("commit index = %d, want 2", got)
	}

	qr := a.readDB.Read("/svc/replicas")
	if !qr.OK || string(qr.Value) != "3" {
		t.Fatalf("committed read = %+v", qr)
	}
}

func TestHandleAppendEntries_CommitClampedToLocalLog(t *testing.T) {
	a, _ := newFollower(t, nil)

	req := appendReq(1, entryAt(t, 1, 1, setOp("/x", `1`)))
	req.LeaderCommit = 50

	if _, err := a.HandleAppendEntries(context.Background(), req); err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if got := a.CommitIndex(); got != 1 {
		t.Fatalf("commit index = %d, want 1 (clamped to local last)", got)
	}
}

func TestHandleAppendEntries_PrevEntryMismatchRejected(t *testing.T) {
	log := logstore.NewMemory()
	a, _ := newFollower(t, log)
	seedLog(t, log, 1, 1, 1)

	req := appendReq(2, entryAt(t, 2, 2, setOp("/x", `1`)))
	req.PrevLogIndex = 1
	req.PrevLogTerm = 2 // local entry 1 carries term 1

	resp, err := a.HandleAppendEntries(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if resp.Success {
		t.Fatal("previous-entry term mismatch must be rejected")
	}
	if got := a.log.LastIndex(); got != 1 {
		t.Fatalf("log mutated on rejection, last index = %d", got)
	}
}

func TestHandleAppendEntries_ConflictTruncatesSuffix(t *testing.T) {
	log := logstore.NewMemory()
	a, _ := newFollower(t, log)
	seedLog(t, log, 1, 3, 1) // local entries 1..3 at term 1

	req := appendReq(2,
		entryAt(t, 2, 2, setOp("/new", `true`)),
		entryAt(t, 3, 2, setOp("/newer", `true`)),
	)
	req.PrevLogIndex = 1
	req.PrevLogTerm = 1

	resp, err := a.HandleAppendEntries(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected Success=true")
	}

	if term, ok := a.log.TermAt(2); !ok || term != 2 {
		t.Fatalf("TermAt(2) = %d, %v; want 2, true", term, ok)
	}
	if term, ok := a.log.TermAt(3); !ok || term != 2 {
		t.Fatalf("TermAt(3) = %d, %v; want 2, true", term, ok)
	}
	if got := a.log.LastIndex(); got != 3 {
		t.Fatalf("last index = %d, want 3", got)
	}
}

func TestHandleAppendEntries_DuplicateBatchIsIdempotent(t *testing.T) {
	a, _ := newFollower(t, nil)
	ctx := context.Background()

	req := appendReq(1, entryAt(t, 1, 1, setOp("/x", `1`)))
	req.LeaderCommit = 1
	for i := 0; i < 2; i++ {
		resp, err := a.HandleAppendEntries(ctx, req)
		if err != nil || !resp.Success {
			t.Fatalf("round %d: resp=%+v err=%v", i, resp, err)
		}
	}
	if got := a.log.LastIndex(); got != 1 {
		t.Fatalf("last index = %d, want 1", got)
	}
	if got := a.CommitIndex(); got != 1 {
		t.Fatalf("commit index = %d, want 1", got)
	}
}

func TestHandleAppendEntries_InstallSnapshot(t *testing.T) {
	a, _ := newFollower(t, nil)

	state := docstore.New()
	state.Apply([]docstore.Operation{setOp("/svc/name", `"orders"`)})
	data, err := state.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := appendReq(2, entryAt(t, 6, 2, setOp("/svc/replicas", `5`)))
	req.Snapshot = &logstore.Snapshot{Index: 5, Term: 2, Data: data}
	req.PrevLogIndex = 5
	req.PrevLogTerm = 2
	req.LeaderCommit = 6

	resp, err := a.HandleAppendEntries(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected Success=true")
	}

	if got := a.CommitIndex(); got != 6 {
		t.Fatalf("commit index = %d, want 6", got)
	}
	if qr := a.readDB.Read("/svc/name"); !qr.OK || string(qr.Value) != `"orders"` {
		t.Fatalf("snapshot state read = %+v", qr)
	}
	if qr := a.readDB.Read("/svc/replicas"); !qr.OK || string(qr.Value) != "5" {
		t.Fatalf("post-snapshot entry read = %+v", qr)
	}
	if got := a.log.FirstIndex(); got != 6 {
		t.Fatalf("first retained index = %d, want 6", got)
	}
}

func TestHandleAppendEntries_LeaderSeeingCurrentLeaderResigns(t *testing.T) {
	// An agent stuck in a leader phase that receives a valid request from the
	// recognized leader of the term steps back to follower.
	log := logstore.NewMemory()
	st := election.NewStatic("a2", "a2", 1)
	cfg := testConfig("a2", "a1", "a2", "a3")
	a := newTestAgent(t, cfg, st, log, nil)
	a.setPhase(PhaseActive)

	req := appendReq(2, entryAt(t, 1, 2, setOp("/x", `1`)))
	resp, err := a.HandleAppendEntries(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected Success=true")
	}
	if got := a.Phase(); got != PhaseFollower {
		t.Fatalf("phase = %s, want %s", got, PhaseFollower)
	}
	if st.Leading() {
		t.Fatal("constituent still reports leadership")
	}
}
