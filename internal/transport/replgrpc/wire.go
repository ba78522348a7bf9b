package replgrpc

import (
	"time"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/docstore"
)

// Wire bodies of the client service. The replication service reuses
// agent.AppendEntriesRequest/Response directly.

type writeRequest struct {
	TxID string               `json:"tx_id,omitempty"`
	Ops  []docstore.Operation `json:"ops"`
}

type writeResponse struct {
	Success    bool              `json:"success"`
	LeaderHint string            `json:"leader_hint,omitempty"`
	Results    []docstore.Result `json:"results,omitempty"`
	Indices    []uint64          `json:"indices,omitempty"`
}

type readRequest struct {
	Paths []string `json:"paths"`
}

type readResponse struct {
	Success    bool                   `json:"success"`
	LeaderHint string                 `json:"leader_hint,omitempty"`
	Results    []docstore.QueryResult `json:"results,omitempty"`
}

type transactRequest struct {
	Steps []agent.TransactOp `json:"steps"`
	// Transient routes the steps to the non-replicated store.
	Transient bool `json:"transient,omitempty"`
}

type transactResponse struct {
	Success    bool                      `json:"success"`
	LeaderHint string                    `json:"leader_hint,omitempty"`
	MaxIndex   uint64                    `json:"max_index,omitempty"`
	Failed     int                       `json:"failed,omitempty"`
	Results    []agent.TransactStepResult `json:"results,omitempty"`
}

type inquireRequest struct {
	TxIDs []string `json:"tx_ids"`
}

type inquireResponse struct {
	Indices []uint64 `json:"indices,omitempty"`
}

type pollRequest struct {
	Threshold uint64        `json:"threshold"`
	Timeout   time.Duration `json:"timeout"`
}

type waitRequest struct {
	Index   uint64        `json:"index"`
	Timeout time.Duration `json:"timeout"`
}

type waitResponse struct {
	Status string `json:"status"`
}

type stateRequest struct{}
