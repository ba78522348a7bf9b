package agent

import "time"

// Metrics receives operational measurements from the agent. Implementations
// must be safe for concurrent use. A Prometheus-backed implementation lives
// in internal/observability/metrics.
type Metrics interface {
	// ObserveAppendRPC records one completed AppendEntries round trip.
	ObserveAppendRPC(agentID, peerID string, heartbeat bool, d time.Duration)

	// IncAppendError counts a failed AppendEntries RPC by error kind.
	IncAppendError(agentID, peerID, kind string)

	// IncAppendRejected counts a follower rejection of a replication request.
	IncAppendRejected(agentID, peerID string)

	// IncSnapshotSent counts a catch-up snapshot shipped to a peer.
	IncSnapshotSent(agentID, peerID, result string)

	// SetCommitIndex records the current commit index.
	SetCommitIndex(agentID string, index uint64)

	// SetPhase records the leadership-transition phase.
	SetPhase(agentID, phase string)

	// IncResignation counts a voluntary leadership resignation by reason.
	IncResignation(agentID, reason string)

	// ObserveCompaction records one compaction attempt.
	ObserveCompaction(agentID, result string, d time.Duration)

	// SetPollWaiters records the number of registered long-poll waiters.
	SetPollWaiters(agentID string, n int)

	// IncClientOp counts a client-facing operation by name and result.
	IncClientOp(agentID, op, result string)
}

type noopMetrics struct{}

// NoopMetrics returns a Metrics implementation that discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) ObserveAppendRPC(string, string, bool, time.Duration) {}
func (noopMetrics) IncAppendError(string, string, string)               {}
func (noopMetrics) IncAppendRejected(string, string)                    {}
func (noopMetrics) IncSnapshotSent(string, string, string)              {}
func (noopMetrics) SetCommitIndex(string, uint64)                       {}
func (noopMetrics) SetPhase(string, string)                             {}
func (noopMetrics) IncResignation(string, string)                       {}
func (noopMetrics) ObserveCompaction(string, string, time.Duration)     {}
func (noopMetrics) SetPollWaiters(string, int)                          {}
func (noopMetrics) IncClientOp(string, string, string)                  {}
