package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

// maybeCompact starts a compaction run once CompactEvery entries have been
// committed since the last snapshot. One run at a time; the run works from
// the log alone, so it never blocks the commit path.
func (a *Agent) maybeCompact(ctx context.Context) {
	commit := a.commitIndex.Load()

	a.snapMu.Lock()
	base := a.lastCompact
	a.snapMu.Unlock()

	if commit < base || commit-base < a.cfg.CompactEvery {
		return
	}
	if !a.compacting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer a.compacting.Store(false)
		if err := a.compact(ctx, commit); err != nil {
			// Skipped, not fatal. The next trigger retries from scratch.
			a.logger.Warn("compaction skipped", "target", commit, "err", err)
		}
	}()
}

// compact folds the committed prefix up to target into a fresh snapshot and
// discards the log prefix, keeping CompactKeep entries behind the boundary
// so slightly lagging followers stay out of snapshot mode.
//
// The snapshot is rebuilt from the previous snapshot plus log entries rather
// than serializing the live committed store, so a run is replayable and
// independent of concurrent commits.
func (a *Agent) compact(ctx context.Context, target uint64) error {
	_, span := a.startSpan(ctx, "agent.compact", attribute.Int64("agent.target", int64(target)))
	defer span.End()
	start := a.now()

	fresh := docstore.New()
	snap, err := a.log.LoadSnapshot()
	if err != nil {
		return err
	}

	from := uint64(1)
	if snap != nil {
		if err := fresh.Restore(snap.Data); err != nil {
			return err
		}
		from = snap.Index + 1
	}

	term, ok := a.log.TermAt(target)
	if !ok {
		return fmt.Errorf("agent: compact: no term for target %d", target)
	}

	for from <= target {
		max := 512
		if remaining := target - from + 1; remaining < uint64(max) {
			max = int(remaining)
		}
		batch, err := a.log.Entries(from, max)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return fmt.Errorf("agent: compact: log gap at %d", from)
		}
		for _, e := range batch {
			env, err := decodeEnvelope(e.Payload)
			if err != nil {
				return err
			}
			fresh.Apply(env.Ops)
		}
		from = batch[len(batch)-1].Index + 1
	}

	data, err := fresh.Marshal()
	if err != nil {
		return err
	}

	newSnap := logstore.Snapshot{Index: target, Term: term, Data: data}
	if err := a.log.SaveSnapshot(newSnap); err != nil {
		a.metrics.ObserveCompaction(a.id, "error", a.now().Sub(start))
		spanRecordError(span, err)
		return err
	}

	keepFrom := uint64(1)
	if target > a.cfg.CompactKeep {
		keepFrom = target - a.cfg.CompactKeep
	}
	if err := a.log.Compact(keepFrom); err != nil {
		a.metrics.ObserveCompaction(a.id, "error", a.now().Sub(start))
		spanRecordError(span, err)
		return err
	}

	a.snapMu.Lock()
	a.snapIndex = target
	a.snapTerm = term
	a.lastCompact = target
	a.snapMu.Unlock()

	d := a.now().Sub(start)
	a.metrics.ObserveCompaction(a.id, "ok", d)
	a.logger.Info("log compacted", "snapshot_index", target, "keep_from", keepFrom, "took", d)
	return nil
}
