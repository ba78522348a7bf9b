package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/election"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

// testConfig shrinks every timing knob so tests never wait on production
// cadences.
func testConfig(id string, members ...string) Config {
	cfg := DefaultConfig(id, members)
	cfg.MinPing = 10 * time.Millisecond
	cfg.MaxPing = 20 * time.Millisecond
	cfg.SendThrottle = 100 * time.Millisecond
	cfg.FailureBackoff = 20 * time.Millisecond
	cfg.LoopInterval = 5 * time.Millisecond
	return cfg
}

func newTestAgent(t *testing.T, cfg Config, constituent Constituent, log logstore.Store, peers map[string]PeerClient) *Agent {
	t.Helper()
	if log == nil {
		log = logstore.NewMemory()
	}
	a, err := New(cfg, constituent, log, peers, slog.Default(), testMetrics, testTracer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// newLeaderAgent builds a single-member agent that statically leads its own
// pool. The control loop is not started; tests drive steps directly.
func newLeaderAgent(t *testing.T, cfg Config) (*Agent, *election.Static) {
	t.Helper()
	st := election.NewStatic(cfg.ID, cfg.ID, 1)
	return newTestAgent(t, cfg, st, nil, nil), st
}

// activate walks the agent through the leadership transition. With a single
// member the proof entry commits on the leader's own acknowledgment.
func activate(t *testing.T, a *Agent) {
	t.Helper()
	ctx := context.Background()
	if err := a.enterLeadership(ctx); err != nil {
		t.Fatalf("enterLeadership: %v", err)
	}
	a.advanceCommit(ctx)
	a.checkGate()
	if got := a.Phase(); got != PhaseActive {
		t.Fatalf("phase after activation = %s, want %s", got, PhaseActive)
	}
}

func setOp(path, value string) docstore.Operation {
	return docstore.Operation{Op: docstore.OpSet, Path: path, Value: json.RawMessage(value)}
}

// mustWrite submits ops and fails the test on any error or rejection.
func mustWrite(t *testing.T, a *Agent, txID string, ops ...docstore.Operation) WriteResult {
	t.Helper()
	res, err := a.Write(context.Background(), Submission{TxID: txID, Ops: ops}, ModeNormal)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Success {
		t.Fatalf("Write rejected, hint=%q", res.LeaderHint)
	}
	return res
}

// seedLog appends n envelope entries with ascending indices starting at from,
// each setting /k<index> to its index.
func seedLog(t *testing.T, log logstore.Store, from uint64, n int, term uint64) {
	t.Helper()
	entries := make([]logstore.Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := from + uint64(i)
		payload, err := json.Marshal(envelope{Ops: []docstore.Operation{
			setOp(pathForIndex(idx), jsonNumber(idx)),
		}})
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		entries = append(entries, logstore.Entry{Index: idx, Term: term, Payload: payload})
	}
	if err := log.Append(entries); err != nil {
		t.Fatalf("seed append: %v", err)
	}
}

func pathForIndex(idx uint64) string {
	return "/k" + jsonNumber(idx)
}

func jsonNumber(v uint64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// recvResult waits for one replication completion message.
func recvResult(t *testing.T, a *Agent) appendResult {
	t.Helper()
	select {
	case res := <-a.events:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no append result within deadline")
		return appendResult{}
	}
}
