package agent

import (
	"sync"
	"time"
)

// peerProgress tracks replication state for one agent. The leader's own
// entry only uses ackedIndex and ackedAt.
type peerProgress struct {
	// ackedIndex is the highest log index the agent has acknowledged.
	// Reset to 0 to force a full resync through snapshot mode.
	ackedIndex uint64

	// ackedAt is when the last successful non-empty response arrived.
	ackedAt time.Time

	// emptyAckedAt is when the last successful heartbeat response arrived.
	emptyAckedAt time.Time

	// earliestSend throttles non-empty sends: no replication request goes
	// out before this instant. Cleared on acknowledgment, pushed forward on
	// send and on failure.
	earliestSend time.Time

	// lastSent is when the last non-empty request went out.
	lastSent time.Time
}

// ProgressInfo is a read-only copy of one peer's replication state.
type ProgressInfo struct {
	AckedIndex   uint64    `json:"acked_index"`
	AckedAt      time.Time `json:"acked_at"`
	EmptyAckedAt time.Time `json:"empty_acked_at"`
	LastSent     time.Time `json:"last_sent"`
}

// progressTable is the follower tracker. All access funnels through its
// mutex; callers receive copies, never pointers into the table.
type progressTable struct {
	mu    sync.Mutex
	peers map[string]*peerProgress
}

func newProgressTable(ids []string) *progressTable {
	t := &progressTable{peers: make(map[string]*peerProgress, len(ids))}
	for _, id := range ids {
		t.peers[id] = &peerProgress{}
	}
	return t
}

func (t *progressTable) cell(id string) *peerProgress {
	p, ok := t.peers[id]
	if !ok {
		p = &peerProgress{}
		t.peers[id] = p
	}
	return p
}

// ack records a successful non-empty acknowledgment up to index and clears
// the send throttle so the next batch can go out immediately.
func (t *progressTable) ack(id string, index uint64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cell(id)
	if index > p.ackedIndex {
		p.ackedIndex = index
	}
	p.ackedAt = now
	p.earliestSend = now
}

// ackEmpty records a successful heartbeat acknowledgment.
func (t *progressTable) ackEmpty(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cell(id).emptyAckedAt = now
}

// reject handles a follower rejecting a replication request: the acked index
// goes back to 0 so the next attempt resyncs from a snapshot, and the
// throttle is cleared for a prompt retry.
func (t *progressTable) reject(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cell(id)
	p.ackedIndex = 0
	p.earliestSend = now
}

// retryAfter pushes the peer's next allowed send to at.
func (t *progressTable) retryAfter(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cell(id).earliestSend = at
}

// markSent records an in-flight non-empty request and throttles further
// sends until `until` (cleared early by the acknowledgment).
func (t *progressTable) markSent(id string, now, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cell(id)
	p.lastSent = now
	p.earliestSend = until
}

// sendable reports whether a non-empty request may go to the peer now, and
// the acked index to resume from.
func (t *progressTable) sendable(id string, now time.Time) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cell(id)
	if now.Before(p.earliestSend) {
		return 0, false
	}
	return p.ackedIndex, true
}

// ackedIndices returns every recorded acknowledged index, self included.
func (t *progressTable) ackedIndices() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.ackedIndex)
	}
	return out
}

// acked returns the acknowledged index of one peer.
func (t *progressTable) acked(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cell(id).ackedIndex
}

// resetAll reinitializes every cell after a leadership transition: all
// acknowledged indices start at index and all liveness stamps at now, so a
// fresh leader is not instantly challenged before the first round trips.
func (t *progressTable) resetAll(index uint64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		*p = peerProgress{
			ackedIndex:   index,
			ackedAt:      now,
			emptyAckedAt: now,
		}
	}
}

// recentCount returns how many agents acknowledged anything (empty or not)
// within the window ending at now. The self cell always counts; an idle
// leader does not acknowledge to itself.
func (t *progressTable) recentCount(self string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for id, p := range t.peers {
		if id == self || p.ackedAt.After(cutoff) || p.emptyAckedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// snapshot copies the whole table for diagnostics.
func (t *progressTable) snapshot() map[string]ProgressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ProgressInfo, len(t.peers))
	for id, p := range t.peers {
		out[id] = ProgressInfo{
			AckedIndex:   p.ackedIndex,
			AckedAt:      p.ackedAt,
			EmptyAckedAt: p.emptyAckedAt,
			LastSent:     p.lastSent,
		}
	}
	return out
}
