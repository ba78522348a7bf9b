package agent

import (
	"context"
	"time"
)

// appendResult is the completion message an RPC goroutine posts to the
// control loop. All follower-tracker mutation happens on the loop goroutine;
// the senders only ever write to this channel.
type appendResult struct {
	peer     string
	sentTo   uint64 // highest index carried by the request, 0 for a heartbeat
	empty    bool
	snapshot bool
	at       time.Time
	dur      time.Duration
	resp     *AppendEntriesResponse
	err      error
}

func (a *Agent) postResult(res appendResult) {
	select {
	case a.events <- res:
	default:
		// The loop is far behind; drop rather than block the sender. The
		// next round trip carries the same information.
		a.logger.Warn("append result dropped, control loop backlogged", "peer", res.peer)
	}
}

// handleAppendResult folds one RPC completion into the follower tracker and,
// on acknowledgment, tries to advance the commit index.
func (a *Agent) handleAppendResult(ctx context.Context, res appendResult) {
	if res.err != nil {
		kind := rpcErrorKind(res.err)
		a.metrics.IncAppendError(a.id, res.peer, kind)
		a.logger.Debug("append rpc failed",
			"peer", res.peer, "kind", kind, "empty", res.empty, "err", res.err)
		if res.empty {
			return
		}
		if res.snapshot {
			a.metrics.IncSnapshotSent(a.id, res.peer, "error")
		}
		// Failed replication retries after a short backoff instead of the
		// full send throttle.
		a.progress.retryAfter(res.peer, res.at.Add(a.cfg.FailureBackoff))
		return
	}

	a.metrics.ObserveAppendRPC(a.id, res.peer, res.empty, res.dur)

	if res.resp.Term > a.constituent.Term() {
		a.logger.Info("response revealed higher term, stepping down",
			"peer", res.peer, "term", res.resp.Term)
		a.constituent.Follow("", res.resp.Term)
		a.resign("higher term observed")
		return
	}

	if !res.resp.Success {
		a.metrics.IncAppendRejected(a.id, res.peer)
		if res.snapshot {
			a.metrics.IncSnapshotSent(a.id, res.peer, "rejected")
		}
		a.logger.Debug("append rejected, forcing resync", "peer", res.peer)
		a.progress.reject(res.peer, res.at)
		a.wake()
		return
	}

	if res.snapshot {
		a.metrics.IncSnapshotSent(a.id, res.peer, "ok")
	}

	if res.empty {
		a.progress.ackEmpty(res.peer, res.at)
		a.constituent.ObserveEmptyAck(res.peer, res.at)
		return
	}

	a.progress.ack(res.peer, res.sentTo, res.at)
	a.advanceCommit(ctx)
	a.wake()
}
