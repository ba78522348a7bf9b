//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes application metrics and can be injected into the agent
// layer. It implements internal/agent.Metrics through method set
// compatibility, without importing that package.
type Prometheus struct {
	appendRPCDuration  *prometheus.HistogramVec
	appendErrorTotal   *prometheus.CounterVec
	appendRejectTotal  *prometheus.CounterVec
	snapshotSendTotal  *prometheus.CounterVec
	commitIndex        *prometheus.GaugeVec
	phase              *prometheus.GaugeVec
	resignationTotal   *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	pollWaiters        *prometheus.GaugeVec
	clientOpTotal      *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		appendRPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "confraft",
				Subsystem: "repl",
				Name:      "appendentries_rpc_duration_seconds",
				Help:      "Duration of outbound AppendEntries RPC calls from the leader to a peer.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"agent_id", "peer_id", "heartbeat"},
		),
		appendErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confraft",
				Subsystem: "repl",
				Name:      "appendentries_rpc_error_total",
				Help:      "Outbound AppendEntries RPC errors by kind.",
			},
			[]string{"agent_id", "peer_id", "kind"},
		),
		appendRejectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confraft",
				Subsystem: "repl",
				Name:      "appendentries_reject_total",
				Help:      "Replication requests rejected by followers.",
			},
			[]string{"agent_id", "peer_id"},
		),
		snapshotSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confraft",
				Subsystem: "repl",
				Name:      "snapshot_send_total",
				Help:      "Catch-up snapshots shipped to peers by result.",
			},
			[]string{"agent_id", "peer_id", "result"},
		),
		commitIndex: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "commit_index",
				Help:      "Current commit index of the agent.",
			},
			[]string{"agent_id"},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "phase",
				Help:      "1 for the agent's current leadership-transition phase, 0 otherwise.",
			},
			[]string{"agent_id", "phase"},
		),
		resignationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "resignation_total",
				Help:      "Voluntary leadership resignations by reason.",
			},
			[]string{"agent_id", "reason"},
		),
		compactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "compaction_duration_seconds",
				Help:      "Duration of log compaction runs by result.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"agent_id", "result"},
		),
		pollWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "poll_waiters",
				Help:      "Registered long-poll waiters.",
			},
			[]string{"agent_id"},
		),
		clientOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confraft",
				Subsystem: "agent",
				Name:      "client_op_total",
				Help:      "Client-facing operations by name and result.",
			},
			[]string{"agent_id", "op", "result"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.appendRPCDuration); err != nil {
		return fmt.Errorf("register appendentries rpc histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.appendErrorTotal); err != nil {
		return fmt.Errorf("register appendentries error counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.appendRejectTotal); err != nil {
		return fmt.Errorf("register appendentries reject counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.snapshotSendTotal); err != nil {
		return fmt.Errorf("register snapshot send counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.commitIndex); err != nil {
		return fmt.Errorf("register commit index gauge: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.phase); err != nil {
		return fmt.Errorf("register phase gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.resignationTotal); err != nil {
		return fmt.Errorf("register resignation counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.compactionDuration); err != nil {
		return fmt.Errorf("register compaction histogram: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.pollWaiters); err != nil {
		return fmt.Errorf("register poll waiters gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.clientOpTotal); err != nil {
		return fmt.Errorf("register client op counter: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) ObserveAppendRPC(agentID, peerID string, heartbeat bool, d time.Duration) {
	m.appendRPCDuration.WithLabelValues(agentID, peerID, boolString(heartbeat)).Observe(d.Seconds())
}

func (m *Prometheus) IncAppendError(agentID, peerID, kind string) {
	m.appendErrorTotal.WithLabelValues(agentID, peerID, kind).Inc()
}

func (m *Prometheus) IncAppendRejected(agentID, peerID string) {
	m.appendRejectTotal.WithLabelValues(agentID, peerID).Inc()
}

func (m *Prometheus) IncSnapshotSent(agentID, peerID, result string) {
	m.snapshotSendTotal.WithLabelValues(agentID, peerID, result).Inc()
}

func (m *Prometheus) SetCommitIndex(agentID string, index uint64) {
	m.commitIndex.WithLabelValues(agentID).Set(float64(index))
}

var phaseNames = []string{"follower", "preparing-1", "preparing-2", "active", "resigning"}

func (m *Prometheus) SetPhase(agentID, phase string) {
	for _, name := range phaseNames {
		v := 0.0
		if name == phase {
			v = 1
		}
		m.phase.WithLabelValues(agentID, name).Set(v)
	}
}

func (m *Prometheus) IncResignation(agentID, reason string) {
	m.resignationTotal.WithLabelValues(agentID, reason).Inc()
}

func (m *Prometheus) ObserveCompaction(agentID, result string, d time.Duration) {
	m.compactionDuration.WithLabelValues(agentID, result).Observe(d.Seconds())
}

func (m *Prometheus) SetPollWaiters(agentID string, n int) {
	if n < 0 {
		n = 0
	}
	m.pollWaiters.WithLabelValues(agentID).Set(float64(n))
}

func (m *Prometheus) IncClientOp(agentID, op, result string) {
	m.clientOpTotal.WithLabelValues(agentID, op, result).Inc()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
