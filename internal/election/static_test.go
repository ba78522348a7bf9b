package election

import (
	"testing"
	"time"
)

func TestStatic_Leading(t *testing.T) {
	s := NewStatic("a1", "a1", 1)
	if !s.Leading() {
		t.Fatal("configured leader must lead")
	}

	f := NewStatic("a2", "a1", 1)
	if f.Leading() {
		t.Fatal("follower must not lead")
	}
	if f.LeaderID() != "a1" || f.Term() != 1 {
		t.Fatalf("view = %s/%d", f.LeaderID(), f.Term())
	}
}

func TestStatic_FollowTermRules(t *testing.T) {
	s := NewStatic("a1", "a1", 5)

	// Older terms are ignored.
	s.Follow("a9", 3)
	if s.LeaderID() != "a1" || s.Term() != 5 {
		t.Fatalf("view = %s/%d, want a1/5", s.LeaderID(), s.Term())
	}

	// An equal term does not displace a known leader.
	s.Follow("a2", 5)
	if s.LeaderID() != "a1" {
		t.Fatalf("leader = %s, want a1", s.LeaderID())
	}

	// A newer term adopts the new leader unconditionally.
	s.Follow("a2", 6)
	if s.LeaderID() != "a2" || s.Term() != 6 {
		t.Fatalf("view = %s/%d, want a2/6", s.LeaderID(), s.Term())
	}
	if s.Leading() {
		t.Fatal("a1 still leads after a newer term")
	}
}

func TestStatic_FollowFillsUnknownLeader(t *testing.T) {
	s := NewStatic("a1", "", 4)
	s.Follow("a3", 4)
	if s.LeaderID() != "a3" {
		t.Fatalf("leader = %s, want a3", s.LeaderID())
	}
}

func TestStatic_ResignOnlyClearsSelf(t *testing.T) {
	s := NewStatic("a1", "a1", 2)
	s.Resign("test")
	if s.LeaderID() != "" || s.Leading() {
		t.Fatalf("leader = %q after resign", s.LeaderID())
	}

	f := NewStatic("a2", "a1", 2)
	f.Resign("test")
	if f.LeaderID() != "a1" {
		t.Fatal("follower resign must not clear the leader view")
	}
}

func TestStatic_ObserveEmptyAckKeepsNewest(t *testing.T) {
	s := NewStatic("a1", "a1", 1)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.ObserveEmptyAck("a2", t0.Add(time.Second))
	s.ObserveEmptyAck("a2", t0) // older, must not regress

	acks := s.Acknowledgments()
	if !acks["a2"].Equal(t0.Add(time.Second)) {
		t.Fatalf("ack stamp = %v", acks["a2"])
	}

	// The returned map is a copy.
	acks["a3"] = t0
	if _, ok := s.Acknowledgments()["a3"]; ok {
		t.Fatal("caller mutation leaked into the constituent")
	}
}
