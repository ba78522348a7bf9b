package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File persists the log and snapshot as JSON files in a local directory.
// Every mutation is written through with an atomic rename so a crash never
// leaves a torn file behind.
type File struct {
	mu      sync.Mutex
	dir     string
	entries []Entry
	snap    *Snapshot
}

// NewFile opens (or initializes) a file-backed log store rooted at dir.
// Entries already covered by the stored snapshot are trimmed on load; they
// are left over when a crash interrupted a compaction.
func NewFile(dir string) (*File, error) {
	f := &File{dir: dir}

	snap, err := f.loadSnapshotFile()
	if err != nil {
		return nil, err
	}
	f.snap = snap

	entries, err := f.loadLogFile()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		entries = dropCovered(entries, snap.Index)
	}
	f.entries = entries

	return f, nil
}

// Append adds entries at the tail and persists the log.
func (f *File) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := checkContiguous(f.lastIndexLocked(), len(f.entries) == 0, entries); err != nil {
		return err
	}
	updated := append(cloneEntries(f.entries), cloneEntries(entries)...)
	if err := f.writeLog(updated); err != nil {
		return err
	}
	f.entries = updated
	return nil
}

// Entries returns up to max entries starting at from.
func (f *File) Entries(from uint64, max int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceEntries(f.entries, from, max)
}

// TermAt reports the term of the entry at index.
func (f *File) TermAt(index uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return termAt(f.entries, f.snap, index)
}

// FirstIndex returns the lowest retained index.
func (f *File) FirstIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return 0
	}
	return f.entries[0].Index
}

// LastIndex returns the highest retained index or the snapshot index.
func (f *File) LastIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIndexLocked()
}

func (f *File) lastIndexLocked() uint64 {
	if len(f.entries) > 0 {
		return f.entries[len(f.entries)-1].Index
	}
	if f.snap != nil {
		return f.snap.Index
	}
	return 0
}

// TruncateFrom discards entries with Index >= index and persists the log.
func (f *File) TruncateFrom(index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated := truncateFrom(f.entries, index)
	if len(updated) == len(f.entries) {
		return nil
	}
	if err := f.writeLog(updated); err != nil {
		return err
	}
	f.entries = updated
	return nil
}

// Compact discards entries before keepFrom, always retaining one entry.
func (f *File) Compact(keepFrom uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated := compact(f.entries, keepFrom)
	if len(updated) == len(f.entries) {
		return nil
	}
	if err := f.writeLog(updated); err != nil {
		return err
	}
	f.entries = updated
	return nil
}

// SaveSnapshot persists the snapshot file.
func (f *File) SaveSnapshot(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSONAtomically(f.snapshotPath(), snap); err != nil {
		return err
	}
	f.snap = copySnapshot(snap)
	return nil
}

// LoadSnapshot returns a copy of the stored snapshot, or nil.
func (f *File) LoadSnapshot() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return nil, nil
	}
	return copySnapshot(*f.snap), nil
}

// Reset replaces the log with the given snapshot boundary.
func (f *File) Reset(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSONAtomically(f.snapshotPath(), snap); err != nil {
		return err
	}
	if err := f.writeLog(nil); err != nil {
		return err
	}
	f.snap = copySnapshot(snap)
	f.entries = nil
	return nil
}

func (f *File) logPath() string      { return filepath.Join(f.dir, "log.json") }
func (f *File) snapshotPath() string { return filepath.Join(f.dir, "snapshot.json") }

type storedLog struct {
	Entries []Entry `json:"entries"`
}

func (f *File) writeLog(entries []Entry) error {
	return writeJSONAtomically(f.logPath(), storedLog{Entries: entries})
}

func (f *File) loadLogFile() ([]Entry, error) {
	data, err := os.ReadFile(f.logPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var sl storedLog
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("logstore: corrupt log file: %w", err)
	}
	return sl.Entries, nil
}

func (f *File) loadSnapshotFile() (*Snapshot, error) {
	data, err := os.ReadFile(f.snapshotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("logstore: corrupt snapshot file: %w", err)
	}
	return &snap, nil
}

// dropCovered trims leading entries at or below the snapshot index, keeping
// at least the entry at the snapshot boundary when present so the log stays
// non-empty after a crash-interrupted compaction.
func dropCovered(entries []Entry, snapIndex uint64) []Entry {
	i := 0
	for i < len(entries) && entries[i].Index < snapIndex {
		i++
	}
	return entries[i:]
}

func writeJSONAtomically(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Sync the parent directory so the rename itself is durable.
	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dirFile.Close() }()

	return dirFile.Sync()
}
