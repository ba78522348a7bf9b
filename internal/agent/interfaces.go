package agent

import (
	"context"
	"time"
)

//go:generate mockgen -source=interfaces.go -destination=mocks_test.go -package=agent

// Constituent is the election layer. The agent never votes or campaigns
// itself; it observes leadership through this interface and reports events
// the election layer needs (heartbeat acknowledgments, resignations).
type Constituent interface {
	// Term returns the current election term.
	Term() uint64

	// LeaderID returns the id of the recognized leader, or "" when unknown.
	LeaderID() string

	// Leading reports whether this agent is the recognized leader.
	Leading() bool

	// Follow records a recognized leader for term. Called when a valid
	// replication request arrives or a response reveals a higher term; an
	// empty leaderID means the leader for the term is not yet known.
	Follow(leaderID string, term uint64)

	// Resign abandons leadership voluntarily.
	Resign(reason string)

	// ObserveEmptyAck reports a successful heartbeat acknowledgment from a
	// peer, feeding the election layer's liveness view.
	ObserveEmptyAck(peerID string, at time.Time)
}

// PeerClient replicates log entries to a single follower.
type PeerClient interface {
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	Close() error
}

// Logger is the minimal structured logging interface the agent needs.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
