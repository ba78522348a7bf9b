package logstore

import "sync"

// Memory keeps the log in process memory. Used by tests and dev clusters.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	snap    *Snapshot
}

// NewMemory returns an empty in-memory log store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append adds entries at the tail of the in-memory log.
func (m *Memory) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkContiguous(m.lastIndexLocked(), len(m.entries) == 0, entries); err != nil {
		return err
	}
	m.entries = append(m.entries, cloneEntries(entries)...)
	return nil
}

// Entries returns up to max entries starting at from.
func (m *Memory) Entries(from uint64, max int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sliceEntries(m.entries, from, max)
}

// TermAt reports the term of the entry at index.
func (m *Memory) TermAt(index uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return termAt(m.entries, m.snap, index)
}

// FirstIndex returns the lowest retained index.
func (m *Memory) FirstIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[0].Index
}

// LastIndex returns the highest retained index or the snapshot index.
func (m *Memory) LastIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexLocked()
}

func (m *Memory) lastIndexLocked() uint64 {
	if len(m.entries) > 0 {
		return m.entries[len(m.entries)-1].Index
	}
	if m.snap != nil {
		return m.snap.Index
	}
	return 0
}

// TruncateFrom discards entries with Index >= index.
func (m *Memory) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = truncateFrom(m.entries, index)
	return nil
}

// Compact discards entries before keepFrom, always retaining one entry.
func (m *Memory) Compact(keepFrom uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = compact(m.entries, keepFrom)
	return nil
}

// SaveSnapshot stores a copy of the snapshot.
func (m *Memory) SaveSnapshot(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = copySnapshot(snap)
	return nil
}

// LoadSnapshot returns a copy of the stored snapshot, or nil.
func (m *Memory) LoadSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return copySnapshot(*m.snap), nil
}

// Reset replaces the log with the given snapshot boundary.
func (m *Memory) Reset(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.snap = copySnapshot(snap)
	return nil
}

func checkContiguous(last uint64, empty bool, entries []Entry) error {
	prev := entries[0].Index
	if !empty && prev != last+1 {
		return ErrGap
	}
	for _, e := range entries[1:] {
		if e.Index != prev+1 {
			return ErrGap
		}
		prev = e.Index
	}
	return nil
}

func sliceEntries(entries []Entry, from uint64, max int) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	first := entries[0].Index
	last := entries[len(entries)-1].Index
	if from < first {
		return nil, ErrCompacted
	}
	if from > last {
		return nil, nil
	}
	out := entries[from-first:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return cloneEntries(out), nil
}

func termAt(entries []Entry, snap *Snapshot, index uint64) (uint64, bool) {
	if snap != nil && index == snap.Index {
		return snap.Term, true
	}
	if index == 0 {
		return 0, snap == nil
	}
	if len(entries) == 0 {
		return 0, false
	}
	first := entries[0].Index
	last := entries[len(entries)-1].Index
	if index < first || index > last {
		return 0, false
	}
	return entries[index-first].Term, true
}

func truncateFrom(entries []Entry, index uint64) []Entry {
	if len(entries) == 0 || index > entries[len(entries)-1].Index {
		return entries
	}
	first := entries[0].Index
	if index <= first {
		return nil
	}
	return entries[:index-first]
}

func compact(entries []Entry, keepFrom uint64) []Entry {
	if len(entries) == 0 {
		return entries
	}
	first := entries[0].Index
	last := entries[len(entries)-1].Index
	// The log must stay non-empty after compaction: the replication engine
	// needs a previous-entry reference.
	if keepFrom > last {
		keepFrom = last
	}
	if keepFrom <= first {
		return entries
	}
	return append([]Entry(nil), entries[keepFrom-first:]...)
}

func copySnapshot(snap Snapshot) *Snapshot {
	cp := snap
	cp.Data = append([]byte(nil), snap.Data...)
	return &cp
}
