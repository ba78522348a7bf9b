package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/confraft/internal/logstore"
)

// HandleAppendEntries is the follower side of replication. It validates the
// leader's term, installs a carried snapshot, reconciles the entry batch
// against the local log and advances the local commit index up to the
// leader's. Malformed requests are rejected at the boundary without touching
// state.
func (a *Agent) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	_, span := a.startSpan(ctx, "agent.HandleAppendEntries")
	defer span.End()

	if err := validateAppendRequest(req); err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("agent.leader", req.LeaderID),
		attribute.Int("agent.entries_count", len(req.Entries)),
		attribute.Bool("agent.snapshot", req.Snapshot != nil),
	)

	term := a.constituent.Term()
	if req.Term < term {
		return &AppendEntriesResponse{Term: term, Success: false}, nil
	}

	a.constituent.Follow(req.LeaderID, req.Term)
	if a.Phase() != PhaseFollower {
		// Someone else is the recognized leader now.
		a.resign("saw current leader " + req.LeaderID)
	}
	resp := &AppendEntriesResponse{Term: req.Term}

	if req.Snapshot != nil {
		if err := a.installSnapshot(*req.Snapshot); err != nil {
			spanRecordError(span, err)
			a.logger.Error("snapshot install failed",
				"leader", req.LeaderID, "index", req.Snapshot.Index, "err", err)
			return resp, nil
		}
	} else {
		last := a.log.LastIndex()
		if len(req.Entries) == 0 && last == 0 {
			// Nothing local to anchor a heartbeat against; make the leader
			// switch to snapshot mode.
			return resp, nil
		}
		if req.PrevLogIndex > 0 {
			t, ok := a.log.TermAt(req.PrevLogIndex)
			if !ok || t != req.PrevLogTerm {
				a.logger.Debug("append rejected, previous entry mismatch",
					"prev_index", req.PrevLogIndex, "prev_term", req.PrevLogTerm)
				return resp, nil
			}
		}
	}

	if err := a.reconcileEntries(req.Entries); err != nil {
		spanRecordError(span, err)
		a.logger.Error("log reconcile failed", "leader", req.LeaderID, "err", err)
		return resp, nil
	}

	a.advanceFollowerCommit(req.LeaderCommit)
	resp.Success = true
	return resp, nil
}

func validateAppendRequest(req *AppendEntriesRequest) error {
	if req == nil || req.LeaderID == "" || req.Term == 0 {
		return ErrMalformed
	}
	if req.Snapshot != nil && req.Snapshot.Index == 0 {
		return fmt.Errorf("%w: snapshot without a boundary", ErrMalformed)
	}
	var prev uint64
	for i, e := range req.Entries {
		if e.Index == 0 {
			return fmt.Errorf("%w: entry with index 0", ErrMalformed)
		}
		if i > 0 && e.Index != prev+1 {
			return fmt.Errorf("%w: non-contiguous entries", ErrMalformed)
		}
		prev = e.Index
	}
	return nil
}

// installSnapshot replaces local state with the leader's snapshot: the log
// resets to the snapshot boundary and the committed store to its contents.
func (a *Agent) installSnapshot(snap logstore.Snapshot) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()

	if err := a.readDB.Restore(snap.Data); err != nil {
		return err
	}
	if err := a.log.Reset(snap); err != nil {
		return err
	}
	a.commitIndex.Store(snap.Index)
	a.metrics.SetCommitIndex(a.id, snap.Index)

	a.snapMu.Lock()
	a.snapIndex = snap.Index
	a.snapTerm = snap.Term
	a.lastCompact = snap.Index
	a.snapMu.Unlock()

	a.logger.Info("snapshot installed", "index", snap.Index, "term", snap.Term)
	return nil
}

// reconcileEntries folds the leader's batch into the local log: entries
// already present with the same term are skipped, a term conflict truncates
// the local suffix, and the remainder is appended.
func (a *Agent) reconcileEntries(entries []logstore.Entry) error {
	for i, e := range entries {
		if e.Index <= a.commitIndex.Load() {
			continue
		}
		t, ok := a.log.TermAt(e.Index)
		if ok && t == e.Term {
			continue
		}
		if ok {
			if err := a.log.TruncateFrom(e.Index); err != nil {
				return err
			}
		}
		return a.log.Append(entries[i:])
	}
	return nil
}

// advanceFollowerCommit applies entries through min(leaderCommit, lastIndex)
// to the committed store.
func (a *Agent) advanceFollowerCommit(leaderCommit uint64) {
	to := leaderCommit
	if last := a.log.LastIndex(); to > last {
		to = last
	}
	cur := a.commitIndex.Load()
	if to <= cur {
		return
	}

	entries, err := a.log.Entries(cur+1, int(to-cur))
	if err != nil {
		a.logger.Error("follower commit advance: log read failed", "from", cur+1, "err", err)
		return
	}

	a.commitMu.Lock()
	for _, e := range entries {
		a.applyEntryLocked(e)
	}
	a.commitIndex.Store(to)
	a.commitMu.Unlock()
	a.metrics.SetCommitIndex(a.id, to)

	a.maybeCompact(context.Background())
}
