package agent

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

// Phase is the leadership-transition state of the agent.
type Phase int32

// Leadership transition states. A freshly elected agent moves through the
// preparing phases before serving clients; Resigning is transient on the way
// back to Follower.
const (
	PhaseFollower Phase = iota
	PhasePreparing1
	PhasePreparing2
	PhaseActive
	PhaseResigning
)

func (p Phase) String() string {
	switch p {
	case PhaseFollower:
		return "follower"
	case PhasePreparing1:
		return "preparing-1"
	case PhasePreparing2:
		return "preparing-2"
	case PhaseActive:
		return "active"
	case PhaseResigning:
		return "resigning"
	default:
		return "unknown"
	}
}

// WriteMode selects the gate behavior of a write.
type WriteMode int

// Write modes. ModeBootstrap is used for the leadership-proof configuration
// write during the transition and bypasses the preparation gate.
const (
	ModeNormal WriteMode = iota
	ModeBootstrap
)

// AppendEntriesRequest is the log-replication RPC sent by the leader.
// Entries may be empty (heartbeat). Snapshot is present only in catch-up
// mode, when the follower's acked index precedes the retained log prefix.
type AppendEntriesRequest struct {
	Term         uint64            `json:"term"`
	LeaderID     string            `json:"leader_id"`
	PrevLogIndex uint64            `json:"prev_log_index"`
	PrevLogTerm  uint64            `json:"prev_log_term"`
	LeaderCommit uint64            `json:"leader_commit"`
	SentAt       time.Time         `json:"sent_at"`
	Entries      []logstore.Entry  `json:"entries,omitempty"`
	Snapshot     *logstore.Snapshot `json:"snapshot,omitempty"`
}

// AppendEntriesResponse acknowledges an AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// Submission is a client write: a batch of document operations plus an
// optional client-assigned transaction id recoverable through Inquire.
type Submission struct {
	TxID string
	Ops  []docstore.Operation
}

// WriteResult reports per-operation outcomes and the log indices assigned to
// each appended chunk. Success does not imply quorum commit; callers needing
// durability follow up with WaitForIndex.
type WriteResult struct {
	Success    bool
	LeaderHint string
	Results    []docstore.Result
	Indices    []uint64
}

// ReadResult reports per-query outcomes from the committed store.
type ReadResult struct {
	Success    bool
	LeaderHint string
	Results    []docstore.QueryResult
}

// TransactOp is one step of a transaction: either a read (Read path set) or
// a write (Write set). A read observes writes earlier in the same call.
type TransactOp struct {
	Read  string
	Write *docstore.Operation
}

// TransactStepResult is the outcome of one TransactOp.
type TransactStepResult struct {
	OK    bool
	Err   string
	Value json.RawMessage
}

// TransactResult reports the outcome of a Transact call.
type TransactResult struct {
	Success    bool
	LeaderHint string
	MaxIndex   uint64
	Failed     int
	Results    []TransactStepResult
}

// PollResult is the outcome of a long-poll. The degenerate case (threshold
// zero or below the retained window) carries the full serialized committed
// store in State; otherwise Entries holds the committed log slice.
type PollResult struct {
	Found       bool
	LeaderHint  string
	CommitIndex uint64
	Entries     []logstore.Entry
	State       []byte
}

// WaitStatus is the outcome of WaitForIndex.
type WaitStatus int

// WaitForIndex outcomes. WaitUnknown means leadership was lost or the agent
// is shutting down; callers cannot conclude anything about the index.
const (
	WaitOK WaitStatus = iota
	WaitTimeout
	WaitUnknown
)

func (s WaitStatus) String() string {
	switch s {
	case WaitOK:
		return "ok"
	case WaitTimeout:
		return "timeout"
	case WaitUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// envelope is the payload format of a log entry: one appended chunk.
type envelope struct {
	Tx  string               `json:"tx,omitempty"`
	Ops []docstore.Operation `json:"ops"`
}

// ErrNotLeader is returned when the agent is not (or no longer) the
// recognized leader. The accompanying result carries a leader hint.
var ErrNotLeader = errors.New("agent: not leader")

// ErrTimeout is returned when a deadline elapses before the requested index
// is reached. Distinct from ErrNotLeader so callers can tell "still catching
// up" from "no longer leader".
var ErrTimeout = errors.New("agent: timeout")

// ErrUnknown is returned from blocking calls once the agent is stopping or
// has no view of a leader.
var ErrUnknown = errors.New("agent: no leader / unknown")

// ErrMalformed is returned for RPC payloads that cannot be interpreted.
// Rejected at the boundary without mutating state.
var ErrMalformed = errors.New("agent: malformed request")

// ErrCorrupt marks irrecoverable consensus/storage inconsistencies. The
// process must terminate rather than serve an incoherent configuration.
var ErrCorrupt = errors.New("agent: configuration corruption")
