// Package logstore persists the replicated log and its snapshots.
//
// The agent core treats this package as an external collaborator: it appends
// entries assigned by the leader, reads bounded batches for replication, and
// compacts the prefix folded into a snapshot. Implementations must be safe
// for concurrent use.
package logstore

import (
	"encoding/json"
	"errors"
)

// Entry is a single entry in the replicated log. Indices are assigned by the
// leader at append time and are contiguous and strictly increasing.
type Entry struct {
	Index   uint64          `json:"index"`
	Term    uint64          `json:"term"`
	Payload json.RawMessage `json:"payload"`
}

// Snapshot is a point-in-time serialization of the committed store together
// with the index and term of the last entry it covers.
type Snapshot struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data"`
}

// ErrCompacted is returned when a requested index precedes the retained log
// prefix. The replication engine reacts by switching to snapshot mode.
var ErrCompacted = errors.New("logstore: index compacted")

// ErrGap is returned when appended entries would leave a hole in the log.
var ErrGap = errors.New("logstore: non-contiguous append")

// Store is the durable log interface consumed by the agent.
type Store interface {
	// Append adds entries at the tail. Entry indices must continue the log
	// without gaps; the first entry of a fresh log may start at any index
	// (it restores a follower from a snapshot boundary).
	Append(entries []Entry) error

	// Entries returns up to max entries starting at index from.
	// Returns ErrCompacted when from precedes the retained prefix.
	Entries(from uint64, max int) ([]Entry, error)

	// TermAt reports the term of the entry at index. The snapshot boundary
	// index resolves to the snapshot term. ok is false when the index is
	// neither retained nor the snapshot boundary.
	TermAt(index uint64) (term uint64, ok bool)

	// FirstIndex returns the lowest retained index, or 0 for an empty log.
	FirstIndex() uint64

	// LastIndex returns the highest retained index, or the snapshot index
	// when the log is empty.
	LastIndex() uint64

	// TruncateFrom discards entries with Index >= index. Used by followers
	// rolling back a conflicting suffix.
	TruncateFrom(index uint64) error

	// Compact discards entries with Index < keepFrom. Implementations clamp
	// keepFrom so at least one entry is always retained.
	Compact(keepFrom uint64) error

	// SaveSnapshot durably replaces the stored snapshot.
	SaveSnapshot(snap Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil if none exists.
	LoadSnapshot() (*Snapshot, error)

	// Reset replaces the whole log with the given snapshot boundary,
	// dropping every retained entry. Used when installing a snapshot.
	Reset(snap Snapshot) error
}

func cloneEntries(src []Entry) []Entry {
	if len(src) == 0 {
		return nil
	}
	dst := make([]Entry, len(src))
	for i, e := range src {
		dst[i] = Entry{
			Index:   e.Index,
			Term:    e.Term,
			Payload: append(json.RawMessage(nil), e.Payload...),
		}
	}
	return dst
}
