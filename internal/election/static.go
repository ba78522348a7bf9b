// Package election provides Constituent implementations. The production
// deployment plugs in an external election service; Static covers dev
// clusters and tests, where leadership comes from configuration.
package election

import (
	"sync"
	"time"
)

// Static is a configuration-driven Constituent. It never campaigns: the
// configured leader holds the term until it resigns or a Follow call reveals
// a newer term. The agent's transition machinery behaves exactly as with a
// real election layer.
type Static struct {
	mu     sync.Mutex
	self   string
	leader string
	term   uint64
	acks   map[string]time.Time
}

// NewStatic builds a Static constituent for agent self. leader is the
// asserted leader id (possibly self) and term its term.
func NewStatic(self, leader string, term uint64) *Static {
	return &Static{
		self:   self,
		leader: leader,
		term:   term,
		acks:   make(map[string]time.Time),
	}
}

// Term returns the current term.
func (s *Static) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// LeaderID returns the recognized leader, or "".
func (s *Static) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// Leading reports whether self is the recognized leader.
func (s *Static) Leading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader == s.self
}

// Follow adopts leaderID for term. Older terms are ignored; an equal term
// only fills in a previously unknown leader.
func (s *Static) Follow(leaderID string, term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term < s.term {
		return
	}
	if term > s.term {
		s.term = term
		s.leader = leaderID
		return
	}
	if s.leader == "" {
		s.leader = leaderID
	}
}

// Resign gives up leadership. The pool has no leader until reconfigured or
// a Follow call names one.
func (s *Static) Resign(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leader == s.self {
		s.leader = ""
	}
}

// ObserveEmptyAck records a heartbeat acknowledgment.
func (s *Static) ObserveEmptyAck(peerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.acks[peerID]; !ok || at.After(prev) {
		s.acks[peerID] = at
	}
}

// Acknowledgments returns a copy of the recorded heartbeat stamps.
func (s *Static) Acknowledgments() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.acks))
	for k, v := range s.acks {
		out[k] = v
	}
	return out
}
