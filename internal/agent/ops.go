package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

func decodeEnvelope(payload json.RawMessage) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func chunkOps(ops []docstore.Operation, size int) [][]docstore.Operation {
	if len(ops) == 0 {
		return nil
	}
	chunks := make([][]docstore.Operation, 0, (len(ops)+size-1)/size)
	for len(ops) > size {
		chunks = append(chunks, ops[:size])
		ops = ops[size:]
	}
	return append(chunks, ops)
}

func (a *Agent) leaderHint() string {
	return a.constituent.LeaderID()
}

// Write applies a client submission: operations land on the speculative
// store immediately and are appended to the log in chunks of at most
// MaxOpsPerEntry. Success means accepted and speculatively applied, not
// committed; pair with WaitForIndex on the last returned index for
// durability.
//
// ModeBootstrap skips the write gate. It exists for the leadership-proof
// entry appended during the transition and must not be used by clients.
func (a *Agent) Write(ctx context.Context, sub Submission, mode WriteMode) (WriteResult, error) {
	ctx, span := a.startSpan(ctx, "agent.Write",
		attribute.Int("agent.ops_count", len(sub.Ops)),
		attribute.Bool("agent.bootstrap", mode == ModeBootstrap),
	)
	defer span.End()

	if a.stopping.Load() {
		a.metrics.IncClientOp(a.id, "write", "unknown")
		return WriteResult{}, ErrUnknown
	}
	if !a.constituent.Leading() {
		a.metrics.IncClientOp(a.id, "write", "not_leader")
		return WriteResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}
	if len(sub.Ops) == 0 {
		return WriteResult{Success: true}, nil
	}

	if mode != ModeBootstrap {
		if err := a.awaitGate(ctx); err != nil {
			spanRecordError(span, err)
			a.metrics.IncClientOp(a.id, "write", "gated")
			return WriteResult{LeaderHint: a.leaderHint()}, err
		}
	}

	if sub.TxID != "" {
		a.outstanding.Store(sub.TxID, a.now())
		defer a.outstanding.Delete(sub.TxID)
	}

	var (
		results []docstore.Result
		indices []uint64
	)
	for _, chunk := range chunkOps(sub.Ops, a.cfg.MaxOpsPerEntry) {
		res, idx, err := a.appendChunk(sub.TxID, chunk)
		if err != nil {
			spanRecordError(span, err)
			a.metrics.IncClientOp(a.id, "write", "error")
			return WriteResult{LeaderHint: a.leaderHint(), Results: results, Indices: indices}, err
		}
		results = append(results, res...)
		indices = append(indices, idx)
	}

	a.wake()
	a.metrics.IncClientOp(a.id, "write", "ok")
	return WriteResult{Success: true, Results: results, Indices: indices}, nil
}

// appendChunk applies one chunk to the speculative store and appends the
// matching log entry under the same critical section, so speculative order
// and log order never diverge.
func (a *Agent) appendChunk(txID string, chunk []docstore.Operation) ([]docstore.Result, uint64, error) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	if a.stopping.Load() || !a.constituent.Leading() {
		return nil, 0, ErrNotLeader
	}

	payload, err := json.Marshal(envelope{Tx: txID, Ops: chunk})
	if err != nil {
		return nil, 0, err
	}

	idx := a.log.LastIndex() + 1
	entry := logstore.Entry{Index: idx, Term: a.constituent.Term(), Payload: payload}
	if err := a.log.Append([]logstore.Entry{entry}); err != nil {
		return nil, 0, err
	}

	res := a.spearhead.Apply(chunk)
	a.progress.ack(a.id, idx, a.now())
	return res, idx, nil
}

// awaitGate blocks until the preparation gate opens. It resolves immediately
// on an active leader. Reads wait here too: during preparation the committed
// store is rebuilt ahead of any quorum acknowledgment, so nothing may be
// served before the leadership proof commits.
func (a *Agent) awaitGate(ctx context.Context) error {
	for {
		switch a.Phase() {
		case PhaseActive:
			return nil
		case PhaseFollower, PhaseResigning:
			return ErrNotLeader
		}
		if a.stopping.Load() {
			return ErrUnknown
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Read resolves paths against the committed store. Reads never observe
// speculative state.
func (a *Agent) Read(ctx context.Context, paths []string) (ReadResult, error) {
	ctx, span := a.startSpan(ctx, "agent.Read", attribute.Int("agent.paths_count", len(paths)))
	defer span.End()

	if a.stopping.Load() {
		a.metrics.IncClientOp(a.id, "read", "unknown")
		return ReadResult{}, ErrUnknown
	}
	if !a.constituent.Leading() {
		a.metrics.IncClientOp(a.id, "read", "not_leader")
		return ReadResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}
	if err := a.awaitGate(ctx); err != nil {
		spanRecordError(span, err)
		a.metrics.IncClientOp(a.id, "read", "gated")
		return ReadResult{LeaderHint: a.leaderHint()}, err
	}

	a.commitMu.RLock()
	results := a.readDB.ReadMultiple(paths)
	a.commitMu.RUnlock()

	a.metrics.IncClientOp(a.id, "read", "ok")
	return ReadResult{Success: true, Results: results}, nil
}

// Transact interleaves reads and writes against the speculative store under
// one critical section, so a read observes every write earlier in the same
// call. Writes are chunked and appended like Write; MaxIndex is the highest
// appended index (zero for a read-only transaction).
func (a *Agent) Transact(ctx context.Context, steps []TransactOp) (TransactResult, error) {
	ctx, span := a.startSpan(ctx, "agent.Transact", attribute.Int("agent.steps_count", len(steps)))
	defer span.End()

	if a.stopping.Load() {
		a.metrics.IncClientOp(a.id, "transact", "unknown")
		return TransactResult{}, ErrUnknown
	}
	if !a.constituent.Leading() {
		a.metrics.IncClientOp(a.id, "transact", "not_leader")
		return TransactResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}
	if err := a.awaitGate(ctx); err != nil {
		spanRecordError(span, err)
		a.metrics.IncClientOp(a.id, "transact", "gated")
		return TransactResult{LeaderHint: a.leaderHint()}, err
	}

	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	if a.stopping.Load() || !a.constituent.Leading() {
		a.metrics.IncClientOp(a.id, "transact", "not_leader")
		return TransactResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}

	out := TransactResult{Results: make([]TransactStepResult, len(steps))}
	var writes []docstore.Operation
	for i, step := range steps {
		if step.Write != nil {
			res := a.spearhead.Apply([]docstore.Operation{*step.Write})
			out.Results[i] = TransactStepResult{OK: res[0].OK, Err: res[0].Err}
			if res[0].OK {
				// Only operations that took effect are replicated; a failed
				// one would re-fail on every replica anyway, but keeping it
				// out of the log keeps replay cheap and unambiguous.
				writes = append(writes, *step.Write)
			} else {
				out.Failed++
			}
			continue
		}

		qr := a.spearhead.Read(step.Read)
		out.Results[i] = TransactStepResult{OK: qr.OK, Value: qr.Value}
		if !qr.OK {
			out.Failed++
		}
	}

	for _, chunk := range chunkOps(writes, a.cfg.MaxOpsPerEntry) {
		payload, err := json.Marshal(envelope{Ops: chunk})
		if err != nil {
			spanRecordError(span, err)
			a.metrics.IncClientOp(a.id, "transact", "error")
			return out, err
		}
		idx := a.log.LastIndex() + 1
		entry := logstore.Entry{Index: idx, Term: a.constituent.Term(), Payload: payload}
		if err := a.log.Append([]logstore.Entry{entry}); err != nil {
			spanRecordError(span, err)
			a.metrics.IncClientOp(a.id, "transact", "error")
			return out, err
		}
		a.progress.ack(a.id, idx, a.now())
		out.MaxIndex = idx
	}

	if out.MaxIndex > 0 {
		a.wake()
	}
	out.Success = true
	a.metrics.IncClientOp(a.id, "transact", "ok")
	return out, nil
}

// Transient runs reads and writes against the transient store. Nothing is
// logged or replicated; the content vanishes with the process.
func (a *Agent) Transient(ctx context.Context, steps []TransactOp) (TransactResult, error) {
	_, span := a.startSpan(ctx, "agent.Transient", attribute.Int("agent.steps_count", len(steps)))
	defer span.End()

	if a.stopping.Load() {
		return TransactResult{}, ErrUnknown
	}
	if !a.constituent.Leading() {
		return TransactResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}

	out := TransactResult{Results: make([]TransactStepResult, len(steps))}
	for i, step := range steps {
		if step.Write != nil {
			res := a.transient.Apply([]docstore.Operation{*step.Write})
			out.Results[i] = TransactStepResult{OK: res[0].OK, Err: res[0].Err}
			if !res[0].OK {
				out.Failed++
			}
			continue
		}
		qr := a.transient.Read(step.Read)
		out.Results[i] = TransactStepResult{OK: qr.OK, Value: qr.Value}
		if !qr.OK {
			out.Failed++
		}
	}
	out.Success = true
	return out, nil
}

// Inquire reports the log indices of entries carrying the given transaction
// ids. It waits (bounded) for in-flight submissions with those ids to settle
// before scanning, so a client retrying after a dropped connection gets a
// stable answer.
func (a *Agent) Inquire(ctx context.Context, txIDs []string) ([]uint64, error) {
	ctx, span := a.startSpan(ctx, "agent.Inquire", attribute.Int("agent.tx_count", len(txIDs)))
	defer span.End()

	if !a.constituent.Leading() {
		return nil, ErrNotLeader
	}
	if len(txIDs) == 0 {
		return nil, nil
	}

	want := make(map[string]struct{}, len(txIDs))
	for _, id := range txIDs {
		want[id] = struct{}{}
	}

	for {
		if a.stopping.Load() {
			return nil, ErrUnknown
		}
		pending := false
		for id := range want {
			if _, ok := a.outstanding.Load(id); ok {
				pending = true
				break
			}
		}
		if !pending {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(20 * time.Millisecond):
		}
	}

	var indices []uint64
	from := a.log.FirstIndex()
	if from == 0 {
		return nil, nil
	}
	for {
		batch, err := a.log.Entries(from, 256)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return indices, nil
		}
		for _, e := range batch {
			env, err := decodeEnvelope(e.Payload)
			if err != nil {
				continue
			}
			if env.Tx == "" {
				continue
			}
			if _, ok := want[env.Tx]; ok {
				indices = append(indices, e.Index)
			}
		}
		from = batch[len(batch)-1].Index + 1
	}
}

// Poll is the long-poll read of the replication feed. A threshold at or
// below the commit index resolves immediately with the committed entries
// from threshold onward; a future threshold registers a waiter until the
// commit index reaches it or timeout elapses (empty result, no error).
//
// Threshold zero, or one that precedes the retained log window, degenerates
// to a full-state response carrying the serialized committed store.
func (a *Agent) Poll(ctx context.Context, threshold uint64, timeout time.Duration) (PollResult, error) {
	ctx, span := a.startSpan(ctx, "agent.Poll", attribute.Int64("agent.threshold", int64(threshold)))
	defer span.End()

	if a.stopping.Load() {
		return PollResult{}, ErrUnknown
	}
	if !a.constituent.Leading() {
		return PollResult{LeaderHint: a.leaderHint()}, ErrNotLeader
	}
	if err := a.awaitGate(ctx); err != nil {
		spanRecordError(span, err)
		return PollResult{LeaderHint: a.leaderHint()}, err
	}

	if threshold == 0 || threshold < a.log.FirstIndex() {
		a.commitMu.RLock()
		state, err := a.readDB.Marshal()
		commit := a.commitIndex.Load()
		a.commitMu.RUnlock()
		if err != nil {
			spanRecordError(span, err)
			return PollResult{}, err
		}
		return PollResult{Found: true, CommitIndex: commit, State: state}, nil
	}

	if commit := a.commitIndex.Load(); threshold <= commit {
		entries, err := a.log.Entries(threshold, int(commit-threshold+1))
		if err != nil {
			spanRecordError(span, err)
			return PollResult{}, err
		}
		return PollResult{Found: true, CommitIndex: commit, Entries: entries}, nil
	}

	w := a.watch.register(threshold, a.now().Add(timeout))
	a.metrics.SetPollWaiters(a.id, a.watch.count())

	select {
	case out := <-w.ch:
		spanRecordError(span, out.err)
		return out.res, out.err
	case <-ctx.Done():
		a.watch.remove(w.id)
		return PollResult{}, ErrTimeout
	}
}

// WaitForIndex blocks until the commit index reaches index. The status
// distinguishes success, deadline expiry, and loss of leadership or
// shutdown (unknown: the entry may yet commit under another leader).
func (a *Agent) WaitForIndex(ctx context.Context, index uint64, timeout time.Duration) WaitStatus {
	deadline := a.now().Add(timeout)
	gctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := a.awaitGate(gctx); err != nil {
		// The commit index is not authoritative until the gate opens.
		if errors.Is(err, ErrTimeout) {
			return WaitTimeout
		}
		return WaitUnknown
	}
	for {
		if a.commitIndex.Load() >= index {
			return WaitOK
		}
		if a.stopping.Load() || !a.constituent.Leading() {
			return WaitUnknown
		}
		if !a.now().Before(deadline) {
			return WaitTimeout
		}
		select {
		case <-ctx.Done():
			return WaitTimeout
		case <-time.After(5 * time.Millisecond):
		}
	}
}
