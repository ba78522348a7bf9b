// Package docstore implements the hierarchical document store replicated by
// the agent. Documents form a JSON-like tree addressed by slash-separated
// paths; interior nodes are objects, leaves are arbitrary JSON values.
//
// Two instances of Store back every agent: the committed store serving reads
// and the speculative store absorbing the leader's not-yet-committed appends.
// Locking across the two is owned by the agent; Store itself is safe for
// concurrent use so the transient store can be shared without extra guards.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBadPath is returned for paths that cannot address a document.
var ErrBadPath = errors.New("docstore: bad path")

// Store is an in-memory hierarchical document tree.
type Store struct {
	mu   sync.RWMutex
	root map[string]any
}

// New creates an empty document store.
func New() *Store {
	return &Store{root: make(map[string]any)}
}

// Apply executes operations in order, each one atomically: an operation
// either fully mutates the tree or leaves it untouched. Partial application
// across the slice is allowed; per-operation outcomes are reported in order.
func (s *Store) Apply(ops []Operation) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(ops))
	for i, op := range ops {
		if err := s.applyLocked(op); err != nil {
			results[i] = Result{OK: false, Err: err.Error()}
			continue
		}
		results[i] = Result{OK: true}
	}
	return results
}

func (s *Store) applyLocked(op Operation) error {
	switch op.Op {
	case OpSet:
		return s.setLocked(op.Path, op.Value)
	case OpDelete:
		return s.deleteLocked(op.Path)
	case OpClear:
		s.root = make(map[string]any)
		return nil
	default:
		return fmt.Errorf("docstore: unknown operation %q", op.Op)
	}
}

// Read returns the subtree or leaf value at path.
func (s *Store) Read(path string) QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(path)
}

// ReadMultiple resolves several paths under one lock acquisition.
func (s *Store) ReadMultiple(paths []string) []QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]QueryResult, len(paths))
	for i, p := range paths {
		out[i] = s.readLocked(p)
	}
	return out
}

func (s *Store) readLocked(path string) QueryResult {
	segs, err := splitPath(path)
	if err != nil {
		return QueryResult{OK: false}
	}

	var node any = s.root
	for _, seg := range segs {
		obj, ok := node.(map[string]any)
		if !ok {
			return QueryResult{OK: false}
		}
		node, ok = obj[seg]
		if !ok {
			return QueryResult{OK: false}
		}
	}

	raw, err := json.Marshal(node)
	if err != nil {
		return QueryResult{OK: false}
	}
	return QueryResult{OK: true, Value: raw}
}

// Clear drops every document.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = make(map[string]any)
}

// Clone returns a deep copy of the store. Used when the speculative store is
// rebuilt from the committed store on a leadership transition.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Store{root: deepCopyObject(s.root)}
}

// Len returns the number of top-level documents. Intended for diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.root)
}

// Marshal serializes the whole tree. The output is the snapshot payload.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.root)
}

// Restore replaces the tree with the serialized form produced by Marshal.
// Empty input resets the store.
func (s *Store) Restore(raw []byte) error {
	if len(raw) == 0 {
		s.Clear()
		return nil
	}

	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("docstore: restore: %w", err)
	}
	if root == nil {
		root = make(map[string]any)
	}

	s.mu.Lock()
	s.root = root
	s.mu.Unlock()
	return nil
}

func (s *Store) setLocked(path string, raw json.RawMessage) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot set root", ErrBadPath)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("docstore: bad value at %q: %w", path, err)
	}

	node := s.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg]
		if !ok {
			next := make(map[string]any)
			node[seg] = next
			node = next
			continue
		}
		obj, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q crosses a leaf", ErrBadPath, path)
		}
		node = obj
	}
	node[segs[len(segs)-1]] = value
	return nil
}

func (s *Store) deleteLocked(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot delete root", ErrBadPath)
	}

	node := s.root
	for _, seg := range segs[:len(segs)-1] {
		obj, ok := node[seg].(map[string]any)
		if !ok {
			return fmt.Errorf("docstore: path %q not found", path)
		}
		node = obj
	}
	last := segs[len(segs)-1]
	if _, ok := node[last]; !ok {
		return fmt.Errorf("docstore: path %q not found", path)
	}
	delete(node, last)
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q must be absolute", ErrBadPath, path)
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrBadPath, path)
		}
	}
	return parts, nil
}

func deepCopyObject(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
