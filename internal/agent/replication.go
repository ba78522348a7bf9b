package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/confraft/internal/logstore"
)

// replicate sends one replication request to every follower that is behind
// and outside its send throttle. At most one non-empty request per follower
// is in flight; the throttle stamp enforces that until the acknowledgment
// clears it or the window elapses.
func (a *Agent) replicate(ctx context.Context) {
	now := a.now()
	commit := a.commitIndex.Load()
	last := a.log.LastIndex()

	for id, pc := range a.peers {
		acked, ok := a.progress.sendable(id, now)
		if !ok || acked >= last {
			continue
		}

		req, err := a.buildAppendRequest(acked, now, commit)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				a.fatal(err)
				return
			}
			a.logger.Warn("replication request build failed", "peer", id, "err", err)
			continue
		}
		if req == nil {
			continue
		}

		a.progress.markSent(id, now, now.Add(a.cfg.SendThrottle))

		sentTo := req.PrevLogIndex
		if n := len(req.Entries); n > 0 {
			sentTo = req.Entries[n-1].Index
		}
		go a.sendAppend(ctx, id, pc, req, sentTo)
	}
}

// buildAppendRequest assembles the next batch for a follower whose highest
// acknowledged index is acked. When acked precedes the retained log prefix
// (or is zero), the request switches to snapshot mode and carries the stored
// snapshot plus the entries after its boundary.
func (a *Agent) buildAppendRequest(acked uint64, now time.Time, commit uint64) (*AppendEntriesRequest, error) {
	base := func() *AppendEntriesRequest {
		return &AppendEntriesRequest{
			Term:         a.constituent.Term(),
			LeaderID:     a.id,
			LeaderCommit: commit,
			SentAt:       now,
		}
	}

	if acked > 0 {
		if term, ok := a.log.TermAt(acked); ok {
			entries, err := a.log.Entries(acked+1, a.cfg.MaxBatchEntries)
			switch {
			case err == nil:
				if len(entries) == 0 {
					return nil, nil
				}
				req := base()
				req.PrevLogIndex = acked
				req.PrevLogTerm = term
				req.Entries = entries
				return req, nil
			case !errors.Is(err, logstore.ErrCompacted):
				return nil, err
			}
		}
	}

	// Snapshot mode.
	snap, err := a.log.LoadSnapshot()
	if err != nil {
		return nil, err
	}

	req := base()
	from := uint64(1)
	if snap != nil {
		req.Snapshot = snap
		req.PrevLogIndex = snap.Index
		req.PrevLogTerm = snap.Term
		from = snap.Index + 1
	}

	entries, err := a.log.Entries(from, a.cfg.MaxBatchEntries)
	if err != nil {
		if errors.Is(err, logstore.ErrCompacted) {
			return nil, fmt.Errorf("%w: retained log starts past the snapshot boundary", ErrCorrupt)
		}
		return nil, err
	}
	req.Entries = entries

	if req.Snapshot == nil && len(req.Entries) == 0 {
		return nil, nil
	}
	return req, nil
}

func (a *Agent) sendAppend(ctx context.Context, peerID string, pc PeerClient, req *AppendEntriesRequest, sentTo uint64) {
	ctx, span := a.startSpan(ctx, "agent.replicate",
		attribute.String("agent.peer", peerID),
		attribute.Int("agent.entries_count", len(req.Entries)),
		attribute.Bool("agent.snapshot", req.Snapshot != nil),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendThrottle)
	defer cancel()

	start := a.now()
	resp, err := pc.AppendEntries(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("agent: peer %s returned nil response", peerID)
	}
	spanRecordError(span, err)

	done := a.now()
	a.postResult(appendResult{
		peer:     peerID,
		sentTo:   sentTo,
		snapshot: req.Snapshot != nil,
		at:       done,
		dur:      done.Sub(start),
		resp:     resp,
		err:      err,
	})
}

// heartbeatTimeout bounds an empty round trip. Empty requests are cheap and
// frequent, so their deadline is tied to the heartbeat cadence rather than
// the much wider challenge window.
func (a *Agent) heartbeatTimeout() time.Duration {
	return 3 * a.cfg.MinPing * time.Duration(a.cfg.TimeoutMultiplier)
}

// runHeartbeats broadcasts empty requests on the MinPing cadence while the
// agent holds leadership. Heartbeats bypass the send throttle; they only
// refresh liveness and the follower's commit index.
func (a *Agent) runHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.MinPing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.stopping.Load() {
			return
		}
		if !a.leaderPhase() {
			continue
		}
		a.broadcastHeartbeat(ctx)
	}
}

func (a *Agent) broadcastHeartbeat(ctx context.Context) {
	now := a.now()
	req := &AppendEntriesRequest{
		Term:         a.constituent.Term(),
		LeaderID:     a.id,
		LeaderCommit: a.commitIndex.Load(),
		SentAt:       now,
	}
	timeout := a.heartbeatTimeout()

	for id, pc := range a.peers {
		go func(peerID string, pc PeerClient) {
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := a.now()
			resp, err := pc.AppendEntries(hctx, req)
			if err == nil && resp == nil {
				err = fmt.Errorf("agent: peer %s returned nil response", peerID)
			}

			done := a.now()
			a.postResult(appendResult{
				peer:  peerID,
				empty: true,
				at:    done,
				dur:   done.Sub(start),
				resp:  resp,
				err:   err,
			})
		}(id, pc)
	}
}

func rpcErrorKind(err error) string {
	if err == nil {
		return "unknown"
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return "deadline_exceeded"
		case codes.Unavailable:
			return "unavailable"
		default:
			return s.Code().String()
		}
	}
	return "transport"
}
