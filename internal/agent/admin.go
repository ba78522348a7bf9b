package agent

// AdminState is a point-in-time diagnostic view of the agent, served on the
// operational HTTP endpoint. Fields are sampled independently; the view is
// not a consistent cut.
type AdminState struct {
	ID            string                  `json:"id"`
	Phase         string                  `json:"phase"`
	Term          uint64                  `json:"term"`
	LeaderID      string                  `json:"leader_id"`
	CommitIndex   uint64                  `json:"commit_index"`
	FirstIndex    uint64                  `json:"first_index"`
	LastIndex     uint64                  `json:"last_index"`
	SnapshotIndex uint64                  `json:"snapshot_index"`
	Documents     int                     `json:"documents"`
	PollWaiters   int                     `json:"poll_waiters"`
	Progress      map[string]ProgressInfo `json:"progress"`
}

// State samples the agent's diagnostic view.
func (a *Agent) State() AdminState {
	a.snapMu.Lock()
	snapIndex := a.snapIndex
	a.snapMu.Unlock()

	a.commitMu.RLock()
	docs := a.readDB.Len()
	a.commitMu.RUnlock()

	return AdminState{
		ID:            a.id,
		Phase:         a.Phase().String(),
		Term:          a.constituent.Term(),
		LeaderID:      a.constituent.LeaderID(),
		CommitIndex:   a.commitIndex.Load(),
		FirstIndex:    a.log.FirstIndex(),
		LastIndex:     a.log.LastIndex(),
		SnapshotIndex: snapIndex,
		Documents:     docs,
		PollWaiters:   a.watch.count(),
		Progress:      a.progress.snapshot(),
	}
}
