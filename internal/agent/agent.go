// Package agent implements the leader-side replication engine and commit
// pipeline of the configuration store.
//
// An Agent pairs two document stores: the committed store, advanced only by
// quorum-acknowledged log entries and serving all reads, and the speculative
// store, which absorbs the leader's writes the moment they are appended. A
// third, transient store holds non-replicated scratch state. Elections are
// delegated to a Constituent; log durability to a logstore.Store.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/logstore"
)

// Config carries the tunables of one agent.
type Config struct {
	// ID is this agent's identity within Members.
	ID string

	// Members lists every agent id in the cluster, self included. The
	// quorum size derives from its length.
	Members []string

	// MinPing is the heartbeat interval. MaxPing bounds the expected
	// heartbeat round trip; together with TimeoutMultiplier it defines the
	// leadership-challenge window.
	MinPing time.Duration
	MaxPing time.Duration

	// TimeoutMultiplier scales MaxPing into the liveness window a quorum
	// must have acknowledged within.
	TimeoutMultiplier int

	// MaxOpsPerEntry caps operations per log entry; larger writes are
	// chunked into consecutive entries.
	MaxOpsPerEntry int

	// MaxBatchEntries caps entries per replication request.
	MaxBatchEntries int

	// SendThrottle is the minimum spacing between non-empty requests to one
	// follower while a request is unacknowledged.
	SendThrottle time.Duration

	// FailureBackoff delays the retry after a failed replication RPC.
	FailureBackoff time.Duration

	// CompactEvery triggers compaction after that many commits since the
	// last snapshot. CompactKeep entries stay behind the snapshot point.
	CompactEvery uint64
	CompactKeep  uint64

	// LoopInterval paces the control loop when nothing wakes it earlier.
	LoopInterval time.Duration
}

// DefaultConfig returns the production defaults for id within members.
func DefaultConfig(id string, members []string) Config {
	return Config{
		ID:                id,
		Members:           members,
		MinPing:           500 * time.Millisecond,
		MaxPing:           2 * time.Second,
		TimeoutMultiplier: 5,
		MaxOpsPerEntry:    64,
		MaxBatchEntries:   100,
		SendThrottle:      30 * time.Second,
		FailureBackoff:    time.Second,
		CompactEvery:      4096,
		CompactKeep:       64,
		LoopInterval:      50 * time.Millisecond,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig(c.ID, c.Members)
	if c.MinPing <= 0 {
		c.MinPing = d.MinPing
	}
	if c.MaxPing <= 0 {
		c.MaxPing = d.MaxPing
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if c.MaxOpsPerEntry <= 0 {
		c.MaxOpsPerEntry = d.MaxOpsPerEntry
	}
	if c.MaxBatchEntries <= 0 {
		c.MaxBatchEntries = d.MaxBatchEntries
	}
	if c.SendThrottle <= 0 {
		c.SendThrottle = d.SendThrottle
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.CompactEvery == 0 {
		c.CompactEvery = d.CompactEvery
	}
	if c.CompactKeep == 0 {
		c.CompactKeep = d.CompactKeep
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = d.LoopInterval
	}
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent: config: empty id")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("agent: config: no members")
	}
	self := false
	for _, m := range c.Members {
		if m == c.ID {
			self = true
			break
		}
	}
	if !self {
		return fmt.Errorf("agent: config: id %q not in members", c.ID)
	}
	return nil
}

// Agent is the replication engine of one configuration-store node.
type Agent struct {
	cfg         Config
	id          string
	constituent Constituent
	log         logstore.Store
	peers       map[string]PeerClient
	logger      Logger
	metrics     Metrics
	tracer      oteltrace.Tracer

	// commitMu guards the committed-store/commit-index pair; the atomic
	// mirror serves lock-free progress checks.
	commitMu    sync.RWMutex
	readDB      *docstore.Store
	commitIndex atomic.Uint64

	// applyMu serializes speculative-store mutation and log appends so
	// entry order matches application order.
	applyMu   sync.Mutex
	spearhead *docstore.Store

	transient *docstore.Store

	// outstanding maps in-flight transaction ids to their arrival time.
	outstanding *xsync.MapOf[string, time.Time]

	progress *progressTable
	watch    *watchRegistry

	phaseMu   sync.Mutex
	phase     Phase
	gateIndex uint64

	snapMu      sync.Mutex
	snapIndex   uint64
	snapTerm    uint64
	lastCompact uint64
	compacting  atomic.Bool

	events   chan appendResult
	wakeCh   chan struct{}
	stopping atomic.Bool

	fatalMu  sync.Mutex
	fatalErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is replaced in tests.
	now func() time.Time
}

// New builds an Agent on top of its collaborators. The peers map holds a
// client per remote member; the local id must not appear in it. State is
// restored from the stored snapshot; retained log entries beyond it are
// reapplied when leadership is won or the leader replays them.
func New(
	cfg Config,
	constituent Constituent,
	log logstore.Store,
	peers map[string]PeerClient,
	logger Logger,
	metrics Metrics,
	tracer oteltrace.Tracer,
) (*Agent, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, ok := peers[cfg.ID]; ok {
		return nil, fmt.Errorf("agent: config: peer client registered for self %q", cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if tracer == nil {
		tracer = otel.Tracer("confraft.agent")
	}

	a := &Agent{
		cfg:         cfg,
		id:          cfg.ID,
		constituent: constituent,
		log:         log,
		peers:       peers,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		readDB:      docstore.New(),
		spearhead:   docstore.New(),
		transient:   docstore.New(),
		outstanding: xsync.NewMapOf[string, time.Time](),
		progress:    newProgressTable(cfg.Members),
		watch:       newWatchRegistry(),
		phase:       PhaseFollower,
		events:      make(chan appendResult, 256),
		wakeCh:      make(chan struct{}, 1),
		now:         time.Now,
	}

	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

// restore loads the stored snapshot into the committed store. The commit
// index resumes at the snapshot boundary; retained entries past it are
// re-committed through the normal pipeline.
func (a *Agent) restore() error {
	snap, err := a.log.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("agent: restore snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	if err := a.readDB.Restore(snap.Data); err != nil {
		return fmt.Errorf("%w: snapshot at index %d unusable: %v", ErrCorrupt, snap.Index, err)
	}
	a.commitIndex.Store(snap.Index)
	a.snapIndex = snap.Index
	a.snapTerm = snap.Term
	a.lastCompact = snap.Index
	a.logger.Info("state restored from snapshot", "index", snap.Index, "term", snap.Term)
	return nil
}

// Run starts the control loop and the heartbeat loop and blocks until ctx is
// canceled, Stop is called, or a fatal inconsistency is detected. The
// returned error is nil on clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.runLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runHeartbeats(ctx)
	}()

	a.wg.Wait()

	a.fatalMu.Lock()
	err := a.fatalErr
	a.fatalMu.Unlock()
	return err
}

// Stop shuts the agent down: leadership is resigned, waiters are released
// and peer clients are closed. Safe to call more than once.
func (a *Agent) Stop() {
	if a.stopping.Swap(true) {
		return
	}
	a.logger.Info("agent stopping")
	if a.Phase() != PhaseFollower {
		a.resign("shutdown")
	}
	a.watch.failAll(a.constituent.LeaderID(), ErrUnknown)
	if a.cancel != nil {
		a.cancel()
	}
	for id, pc := range a.peers {
		if err := pc.Close(); err != nil {
			a.logger.Warn("peer client close failed", "peer", id, "err", err)
		}
	}
}

func (a *Agent) fatal(err error) {
	a.fatalMu.Lock()
	if a.fatalErr == nil {
		a.fatalErr = err
	}
	a.fatalMu.Unlock()
	a.logger.Error("fatal inconsistency, shutting down", "err", err)
	a.Stop()
}

// runLoop is the control loop. It is the only goroutine that mutates the
// follower tracker and drives phase transitions; RPC completions arrive as
// messages on the events channel.
func (a *Agent) runLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-a.events:
			a.handleAppendResult(ctx, res)
		case <-a.wakeCh:
		case <-ticker.C:
		}
		if a.stopping.Load() {
			return
		}
		a.step(ctx)
	}
}

// step runs one control-loop iteration. Collaborator errors are logged and
// the iteration moves on; only ErrCorrupt escalates to a fatal stop.
func (a *Agent) step(ctx context.Context) {
	leading := a.constituent.Leading()
	phase := a.Phase()

	switch {
	case leading && phase == PhaseFollower:
		if err := a.enterLeadership(ctx); err != nil {
			a.logger.Warn("leadership preparation failed", "err", err)
		}
	case !leading && phase != PhaseFollower:
		a.resign("leadership lost")
	}

	if a.Phase() == PhasePreparing2 {
		a.checkGate()
	}

	if ph := a.Phase(); ph == PhasePreparing2 || ph == PhaseActive {
		a.checkChallenge()
	}

	if ph := a.Phase(); ph == PhasePreparing2 || ph == PhaseActive {
		a.advanceCommit(ctx)
		a.replicate(ctx)
	}

	if n := a.watch.sweep(a.now()); n > 0 {
		a.logger.Debug("poll waiters expired", "count", n)
	}
	a.metrics.SetPollWaiters(a.id, a.watch.count())

	a.maybeCompact(ctx)
}

// wake nudges the control loop without blocking.
func (a *Agent) wake() {
	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

// Phase returns the current leadership-transition phase.
func (a *Agent) Phase() Phase {
	a.phaseMu.Lock()
	defer a.phaseMu.Unlock()
	return a.phase
}

func (a *Agent) setPhase(p Phase) {
	a.phaseMu.Lock()
	a.phase = p
	a.phaseMu.Unlock()
	a.metrics.SetPhase(a.id, p.String())
}

// leaderPhase reports whether the agent currently serves as leader in any
// phase past preparation-1.
func (a *Agent) leaderPhase() bool {
	ph := a.Phase()
	return ph == PhasePreparing2 || ph == PhaseActive
}

// CommitIndex returns the current commit index.
func (a *Agent) CommitIndex() uint64 {
	return a.commitIndex.Load()
}

// advanceCommit recomputes the quorum-acknowledged index and, when it moved
// forward, applies the newly committed entries to the committed store and
// releases eligible waiters.
func (a *Agent) advanceCommit(ctx context.Context) {
	acked := a.progress.ackedIndices()
	candidate := commitCandidate(acked, len(a.cfg.Members))
	if last := a.log.LastIndex(); candidate > last {
		candidate = last
	}

	cur := a.commitIndex.Load()
	if candidate <= cur {
		return
	}

	entries, err := a.log.Entries(cur+1, int(candidate-cur))
	if err != nil {
		a.logger.Error("commit advance: log read failed", "from", cur+1, "err", err)
		return
	}

	a.commitMu.Lock()
	for _, e := range entries {
		a.applyEntryLocked(e)
	}
	a.commitIndex.Store(candidate)
	a.commitMu.Unlock()

	a.metrics.SetCommitIndex(a.id, candidate)
	a.logger.Debug("commit index advanced", "from", cur, "to", candidate)
	a.notifyCommit(candidate)
}

// applyEntryLocked folds one committed entry into the committed store.
// Per-operation failures were already reported to the writer at speculative
// apply time; here they are deterministic re-runs.
func (a *Agent) applyEntryLocked(e logstore.Entry) {
	env, err := decodeEnvelope(e.Payload)
	if err != nil {
		// A committed entry that cannot be decoded would diverge the
		// replicas; never skip it silently.
		a.fatal(fmt.Errorf("%w: undecodable entry at index %d: %v", ErrCorrupt, e.Index, err))
		return
	}
	a.readDB.Apply(env.Ops)
}

// notifyCommit releases long-poll waiters reached by the new commit index
// and re-checks the preparation gate.
func (a *Agent) notifyCommit(commit uint64) {
	if min, ok := a.watch.minThreshold(); ok && commit >= min {
		entries, err := a.log.Entries(min, int(commit-min+1))
		if err != nil {
			a.logger.Warn("waiter fulfillment: log read failed", "from", min, "err", err)
			a.watch.failAll(a.id, ErrUnknown)
		} else if n := a.watch.fulfill(commit, entries); n > 0 {
			a.logger.Debug("poll waiters fulfilled", "count", n, "commit", commit)
		}
	}

	if a.Phase() == PhasePreparing2 {
		a.checkGate()
	}
}
