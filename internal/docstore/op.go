package docstore

import "encoding/json"

// OpKind identifies a mutation applied to the document tree.
type OpKind string

// Supported document operations.
const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpClear  OpKind = "clear"
)

// Operation is a single mutation addressed by a slash-separated path.
type Operation struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Result reports the outcome of one Operation.
type Result struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// QueryResult is the outcome of a single path read.
type QueryResult struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
}
