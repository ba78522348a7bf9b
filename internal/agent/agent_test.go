package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/i-melnichenko/confraft/internal/election"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

func TestNew_ConfigValidation(t *testing.T) {
	st := election.NewStatic("a1", "a1", 1)
	log := logstore.NewMemory()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty id", Config{Members: []string{"a1"}}},
		{"no members", Config{ID: "a1"}},
		{"id not in members", Config{ID: "a1", Members: []string{"a2", "a3"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.cfg, st, log, nil, slog.Default(), testMetrics, testTracer); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestNew_RejectsPeerClientForSelf(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := election.NewStatic("a1", "a1", 1)
	peers := map[string]PeerClient{"a1": NewMockPeerClient(ctrl)}
	_, err := New(testConfig("a1", "a1", "a2"), st, logstore.NewMemory(), peers,
		slog.Default(), testMetrics, testTracer)
	if err == nil {
		t.Fatal("expected rejection of a self peer client")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{ID: "a1", Members: []string{"a1"}}
	cfg.withDefaults()

	d := DefaultConfig("a1", []string{"a1"})
	if cfg.MinPing != d.MinPing || cfg.MaxPing != d.MaxPing {
		t.Fatalf("ping defaults not applied: %+v", cfg)
	}
	if cfg.MaxOpsPerEntry != d.MaxOpsPerEntry || cfg.MaxBatchEntries != d.MaxBatchEntries {
		t.Fatalf("batch defaults not applied: %+v", cfg)
	}
	if cfg.CompactEvery != d.CompactEvery || cfg.CompactKeep != d.CompactKeep {
		t.Fatalf("compaction defaults not applied: %+v", cfg)
	}
}

func TestRun_StopsCleanly(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p2 := NewMockPeerClient(ctrl)
	p2.EXPECT().Close().Return(nil).Times(1)
	p2.EXPECT().AppendEntries(gomock.Any(), gomock.Any()).
		Return(&AppendEntriesResponse{Term: 1, Success: true}, nil).
		AnyTimes()

	st := election.NewStatic("a1", "a2", 1)
	a := newTestAgent(t, testConfig("a1", "a1", "a2"), st, nil, map[string]PeerClient{"a2": p2})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	a.Stop()
	a.Stop() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestWrite_AfterStopReturnsUnknown(t *testing.T) {
	a, _ := newLeaderAgent(t, testConfig("a1", "a1"))
	activate(t, a)
	a.Stop()

	if _, err := a.Write(context.Background(), Submission{
		Ops: nil,
	}, ModeNormal); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown after Stop", err)
	}
}

func TestState_SamplesDiagnostics(t *testing.T) {
	a, _ := newLeaderAgent(t, testConfig("a1", "a1"))
	activate(t, a)
	ctx := context.Background()
	mustWrite(t, a, "", setOp("/svc/name", `"orders"`))
	a.advanceCommit(ctx)

	st := a.State()
	if st.ID != "a1" || st.Phase != "active" {
		t.Fatalf("state = %+v", st)
	}
	if st.LeaderID != "a1" || st.Term != 1 {
		t.Fatalf("leadership view = %s/%d", st.LeaderID, st.Term)
	}
	if st.CommitIndex != a.CommitIndex() || st.LastIndex != a.log.LastIndex() {
		t.Fatalf("index view = %+v", st)
	}
	if st.Documents == 0 {
		t.Fatal("documents = 0, want committed documents counted")
	}
	if _, ok := st.Progress["a1"]; !ok {
		t.Fatal("progress view missing self")
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseFollower:   "follower",
		PhasePreparing1: "preparing-1",
		PhasePreparing2: "preparing-2",
		PhaseActive:     "active",
		PhaseResigning:  "resigning",
		Phase(99):       "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestWaitStatusString(t *testing.T) {
	if WaitOK.String() != "ok" || WaitTimeout.String() != "timeout" || WaitUnknown.String() != "unknown" {
		t.Fatal("wait status strings drifted from the wire contract")
	}
}
