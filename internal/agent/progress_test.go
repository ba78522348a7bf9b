package agent

import (
	"testing"
	"time"
)

var progressBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestProgressTable_AckRaisesAndClearsThrottle(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2"})

	pt.markSent("a2", progressBase, progressBase.Add(30*time.Second))
	if _, ok := pt.sendable("a2", progressBase.Add(time.Second)); ok {
		t.Fatal("expected throttle to block sends after markSent")
	}

	pt.ack("a2", 5, progressBase.Add(time.Second))
	acked, ok := pt.sendable("a2", progressBase.Add(time.Second))
	if !ok {
		t.Fatal("expected ack to clear the throttle")
	}
	if acked != 5 {
		t.Fatalf("acked = %d, want 5", acked)
	}
}

func TestProgressTable_AckNeverLowersIndex(t *testing.T) {
	pt := newProgressTable([]string{"a1"})
	pt.ack("a1", 8, progressBase)
	pt.ack("a1", 3, progressBase.Add(time.Second))
	if got := pt.acked("a1"); got != 8 {
		t.Fatalf("acked = %d, want 8 (stale ack must not regress)", got)
	}
}

func TestProgressTable_RejectForcesFullResync(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2"})
	pt.ack("a2", 12, progressBase)

	pt.reject("a2", progressBase.Add(time.Second))
	acked, ok := pt.sendable("a2", progressBase.Add(time.Second))
	if !ok {
		t.Fatal("expected reject to allow an immediate retry")
	}
	if acked != 0 {
		t.Fatalf("acked after reject = %d, want 0", acked)
	}
}

func TestProgressTable_RetryAfterDelaysSend(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2"})
	pt.retryAfter("a2", progressBase.Add(time.Second))

	if _, ok := pt.sendable("a2", progressBase); ok {
		t.Fatal("expected send blocked before the retry instant")
	}
	if _, ok := pt.sendable("a2", progressBase.Add(time.Second)); !ok {
		t.Fatal("expected send allowed at the retry instant")
	}
}

func TestProgressTable_ThrottleExpires(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2"})
	until := progressBase.Add(100 * time.Millisecond)
	pt.markSent("a2", progressBase, until)

	if _, ok := pt.sendable("a2", until.Add(-time.Millisecond)); ok {
		t.Fatal("expected throttle active inside the window")
	}
	if _, ok := pt.sendable("a2", until); !ok {
		t.Fatal("expected throttle released once the window elapsed")
	}
}

func TestProgressTable_ResetAllSeedsLiveness(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2", "a3"})
	pt.resetAll(7, progressBase)

	for _, id := range []string{"a1", "a2", "a3"} {
		if got := pt.acked(id); got != 7 {
			t.Fatalf("acked(%s) = %d, want 7", id, got)
		}
	}
	// Fresh stamps keep a just-elected leader inside the liveness window.
	if got := pt.recentCount("a1", progressBase.Add(time.Second), 10*time.Second); got != 3 {
		t.Fatalf("recentCount = %d, want 3", got)
	}
}

func TestProgressTable_RecentCountAlwaysIncludesSelf(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2", "a3"})
	// No acknowledgment anywhere; an idle leader never acks to itself.
	if got := pt.recentCount("a1", progressBase, time.Second); got != 1 {
		t.Fatalf("recentCount = %d, want 1 (self)", got)
	}

	pt.ackEmpty("a2", progressBase)
	if got := pt.recentCount("a1", progressBase.Add(500*time.Millisecond), time.Second); got != 2 {
		t.Fatalf("recentCount = %d, want 2", got)
	}

	// a2's heartbeat falls out of the window.
	if got := pt.recentCount("a1", progressBase.Add(2*time.Second), time.Second); got != 1 {
		t.Fatalf("recentCount = %d, want 1 after window elapsed", got)
	}
}

func TestProgressTable_AckedIndicesIncludesEveryMember(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2", "a3"})
	pt.ack("a1", 9, progressBase)
	pt.ack("a2", 4, progressBase)

	got := pt.ackedIndices()
	if len(got) != 3 {
		t.Fatalf("len(ackedIndices) = %d, want 3", len(got))
	}
	sum := uint64(0)
	for _, v := range got {
		sum += v
	}
	if sum != 13 {
		t.Fatalf("ackedIndices = %v, want {9,4,0} in some order", got)
	}
}

func TestProgressTable_Snapshot(t *testing.T) {
	pt := newProgressTable([]string{"a1", "a2"})
	pt.ack("a2", 6, progressBase)
	pt.markSent("a2", progressBase.Add(time.Second), progressBase.Add(31*time.Second))

	snap := pt.snapshot()
	info, ok := snap["a2"]
	if !ok {
		t.Fatal("snapshot missing a2")
	}
	if info.AckedIndex != 6 {
		t.Fatalf("AckedIndex = %d, want 6", info.AckedIndex)
	}
	if !info.LastSent.Equal(progressBase.Add(time.Second)) {
		t.Fatalf("LastSent = %v", info.LastSent)
	}
}
