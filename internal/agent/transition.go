package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/i-melnichenko/confraft/internal/docstore"
)

// enterLeadership runs the preparation phases after an election win.
//
// Phase 1 rebuilds the committed store from the latest snapshot plus the
// retained log, resets the follower tracker to the post-rebuild commit index
// and appends the leadership-proof configuration entry. Phase 2 then gates
// client writes until that entry (and everything before it) is committed by
// a quorum; the gate release clones the committed store into the speculative
// store and activates the leader.
//
// A rebuild failure is not fatal: the agent reverts to Follower and gives up
// the term. Only storage inconsistencies (ErrCorrupt) stop the process.
func (a *Agent) enterLeadership(ctx context.Context) error {
	ctx, span := a.startSpan(ctx, "agent.leadership_transition")
	defer span.End()

	a.setPhase(PhasePreparing1)
	term := a.constituent.Term()
	a.logger.Info("leadership won, preparing", "term", term)

	if err := a.rebuild(ctx); err != nil {
		spanRecordError(span, err)
		if errors.Is(err, ErrCorrupt) {
			a.fatal(err)
			return err
		}
		a.logger.Warn("committed-state rebuild failed, reverting to follower", "err", err)
		a.setPhase(PhaseFollower)
		a.constituent.Resign("rebuild failed")
		return err
	}

	now := a.now()
	a.progress.resetAll(a.commitIndex.Load(), now)

	proof, err := json.Marshal(map[string]any{
		"id":         a.id,
		"term":       term,
		"elected_at": now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	sub := Submission{Ops: []docstore.Operation{{
		Op:    docstore.OpSet,
		Path:  "/cluster/leader",
		Value: proof,
	}}}
	if _, err := a.Write(ctx, sub, ModeBootstrap); err != nil {
		spanRecordError(span, err)
		a.logger.Warn("leadership-proof write failed, reverting to follower", "err", err)
		a.setPhase(PhaseFollower)
		a.constituent.Resign("proof write failed")
		return err
	}

	gate := a.log.LastIndex()
	a.phaseMu.Lock()
	a.gateIndex = gate
	a.phase = PhasePreparing2
	a.phaseMu.Unlock()
	a.metrics.SetPhase(a.id, PhasePreparing2.String())

	a.logger.Info("awaiting quorum on leadership proof", "gate_index", gate)
	a.wake()
	return nil
}

// rebuild reconstructs the committed store from the snapshot plus every
// retained log entry and adopts the log tail as the new commit index. The
// rebuild is idempotent: replaying into a fresh store, then swapping it in.
func (a *Agent) rebuild(ctx context.Context) error {
	_, span := a.startSpan(ctx, "agent.rebuild")
	defer span.End()

	fresh := docstore.New()
	snap, err := a.log.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("agent: rebuild: load snapshot: %w", err)
	}

	from := uint64(1)
	var snapIndex, snapTerm uint64
	if snap != nil {
		if err := fresh.Restore(snap.Data); err != nil {
			return fmt.Errorf("%w: snapshot at index %d unusable: %v", ErrCorrupt, snap.Index, err)
		}
		from = snap.Index + 1
		snapIndex, snapTerm = snap.Index, snap.Term
	}

	if first := a.log.FirstIndex(); first != 0 && first > from {
		return fmt.Errorf("%w: retained log starts at %d, rebuild needs %d", ErrCorrupt, first, from)
	}

	applied := 0
	for {
		batch, err := a.log.Entries(from, 512)
		if err != nil {
			return fmt.Errorf("agent: rebuild: read log at %d: %w", from, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			env, err := decodeEnvelope(e.Payload)
			if err != nil {
				return fmt.Errorf("%w: undecodable entry at index %d: %v", ErrCorrupt, e.Index, err)
			}
			fresh.Apply(env.Ops)
			from = e.Index + 1
			applied++
		}
	}

	last := a.log.LastIndex()
	a.commitMu.Lock()
	a.readDB = fresh
	a.commitIndex.Store(last)
	a.commitMu.Unlock()

	a.snapMu.Lock()
	a.snapIndex = snapIndex
	a.snapTerm = snapTerm
	a.lastCompact = snapIndex
	a.snapMu.Unlock()

	a.metrics.SetCommitIndex(a.id, last)
	a.logger.Info("committed state rebuilt",
		"snapshot_index", snapIndex, "replayed_entries", applied, "commit_index", last)
	return nil
}

// checkGate releases the write gate once the commit index has caught up to
// the leadership-proof entry. The speculative store starts as an exact clone
// of the committed store at that point.
func (a *Agent) checkGate() {
	a.phaseMu.Lock()
	if a.phase != PhasePreparing2 {
		a.phaseMu.Unlock()
		return
	}
	gate := a.gateIndex
	a.phaseMu.Unlock()

	if a.commitIndex.Load() < gate {
		return
	}

	a.applyMu.Lock()
	a.commitMu.RLock()
	clone := a.readDB.Clone()
	a.commitMu.RUnlock()
	a.spearhead = clone
	a.applyMu.Unlock()

	a.setPhase(PhaseActive)
	a.logger.Info("write gate released", "gate_index", gate)
}

// checkChallenge verifies that a quorum of agents has acknowledged
// something (heartbeat included) within the liveness window. A leader that
// cannot show a recent quorum resigns instead of serving possibly stale
// state.
func (a *Agent) checkChallenge() {
	window := a.cfg.MaxPing * time.Duration(a.cfg.TimeoutMultiplier)
	recent := a.progress.recentCount(a.id, a.now(), window)
	if recent >= quorumSize(len(a.cfg.Members)) {
		return
	}
	a.logger.Warn("leadership challenge failed",
		"recent_acks", recent, "quorum", quorumSize(len(a.cfg.Members)), "window", window)
	a.resign("challenge failed")
}

// resign abandons leadership. Pending poll waiters fail over to the next
// leader; the commit index and committed store are left untouched.
func (a *Agent) resign(reason string) {
	a.phaseMu.Lock()
	if a.phase == PhaseFollower || a.phase == PhaseResigning {
		a.phaseMu.Unlock()
		return
	}
	a.phase = PhaseResigning
	a.phaseMu.Unlock()
	a.metrics.SetPhase(a.id, PhaseResigning.String())

	a.logger.Info("resigning leadership", "reason", reason)
	a.metrics.IncResignation(a.id, reason)
	a.constituent.Resign(reason)

	if n := a.watch.failAll(a.constituent.LeaderID(), ErrNotLeader); n > 0 {
		a.logger.Debug("poll waiters failed over", "count", n)
	}

	a.setPhase(PhaseFollower)
}
