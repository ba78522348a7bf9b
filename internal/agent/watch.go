package agent

import (
	"sync"
	"time"

	"github.com/i-melnichenko/confraft/internal/logstore"
)

// pollOutcome is what a registered long-poll waiter eventually receives.
type pollOutcome struct {
	res PollResult
	err error
}

type pollWaiter struct {
	id        uint64
	threshold uint64
	deadline  time.Time
	ch        chan pollOutcome
}

// watchRegistry holds long-poll waiters whose threshold is ahead of the
// commit index. Waiters are fulfilled in a batch when the commit index
// advances, expired on deadline sweeps, and failed as a group when
// leadership is lost.
type watchRegistry struct {
	mu      sync.Mutex
	waiters map[uint64]*pollWaiter
	nextID  uint64
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{waiters: make(map[uint64]*pollWaiter)}
}

// register adds a waiter for commitIndex >= threshold. The returned waiter's
// channel receives exactly one outcome.
func (r *watchRegistry) register(threshold uint64, deadline time.Time) *pollWaiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	w := &pollWaiter{
		id:        r.nextID,
		threshold: threshold,
		deadline:  deadline,
		ch:        make(chan pollOutcome, 1),
	}
	r.waiters[w.id] = w
	return w
}

// remove drops a waiter that abandoned its poll (caller context canceled).
func (r *watchRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, id)
}

// minThreshold returns the smallest outstanding threshold, or false when no
// waiters are registered. The commit path uses it to read the shared log
// slice once for the whole batch.
func (r *watchRegistry) minThreshold() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min uint64
	found := false
	for _, w := range r.waiters {
		if !found || w.threshold < min {
			min = w.threshold
			found = true
		}
	}
	return min, found
}

// fulfill delivers the shared result to every waiter whose threshold the
// commit index has reached. entries covers [minThreshold, commit]; all
// eligible waiters share the one buffer.
func (r *watchRegistry) fulfill(commit uint64, entries []logstore.Entry) int {
	res := PollResult{Found: true, CommitIndex: commit, Entries: entries}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.waiters {
		if w.threshold > commit {
			continue
		}
		w.ch <- pollOutcome{res: res}
		delete(r.waiters, id)
		n++
	}
	return n
}

// sweep expires waiters whose deadline has passed. They receive an empty
// result, not an error.
func (r *watchRegistry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.waiters {
		if now.Before(w.deadline) {
			continue
		}
		w.ch <- pollOutcome{res: PollResult{Found: false}}
		delete(r.waiters, id)
		n++
	}
	return n
}

// failAll drains the registry on leadership loss or shutdown. Every waiter
// receives err together with the leader hint.
func (r *watchRegistry) failAll(hint string, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.waiters {
		w.ch <- pollOutcome{res: PollResult{LeaderHint: hint}, err: err}
		delete(r.waiters, id)
		n++
	}
	return n
}

// count returns the number of registered waiters.
func (r *watchRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
