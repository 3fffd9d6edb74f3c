package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives engine telemetry. Implementations must be safe for
// concurrent use; the engine calls them while holding its lock.
type Metrics interface {
	VoteProcessed(kind ResultKind)
	Finalized(round uint64, stake uint64)
	EquivocationDetected()
	RolledBack()
	Refreshed(generation uint64, totalStake uint64)
	Halted()
}

type nopMetrics struct{}

// NopMetrics returns a Metrics that discards everything
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) VoteProcessed(ResultKind) {}
func (nopMetrics) Finalized(uint64, uint64) {}
func (nopMetrics) EquivocationDetected()    {}
func (nopMetrics) RolledBack()              {}
func (nopMetrics) Refreshed(uint64, uint64) {}
func (nopMetrics) Halted()                  {}

type promMetrics struct {
	votes           *prometheus.CounterVec
	finalizations   prometheus.Counter
	equivocations   prometheus.Counter
	rollbacks       prometheus.Counter
	refreshes       prometheus.Counter
	halts           prometheus.Counter
	generation      prometheus.Gauge
	totalStake      prometheus.Gauge
	finalizedRound  prometheus.Gauge
	finalizingStake prometheus.Gauge
}

// NewMetrics creates prometheus metrics under namespace and registers them
// with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (Metrics, error) {
	m := &promMetrics{
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes processed, by result",
		}, []string{"result"}),
		finalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Rounds finalized",
		}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equivocations_total",
			Help:      "Validators newly flagged faulty",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Operator rollbacks applied",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refreshes_total",
			Help:      "Registries installed, genesis included",
		}),
		halts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_halts_total",
			Help:      "Invariant violations that halted vote processing",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_generation",
			Help:      "Current registry generation",
		}),
		totalStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_total_stake",
			Help:      "Total stake of the current registry",
		}),
		finalizedRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_finalized_round",
			Help:      "Most recently finalized round",
		}),
		finalizingStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_finalizing_stake",
			Help:      "Stake that finalized the most recent round",
		}),
	}

	err := errors.Join(
		reg.Register(m.votes),
		reg.Register(m.finalizations),
		reg.Register(m.equivocations),
		reg.Register(m.rollbacks),
		reg.Register(m.refreshes),
		reg.Register(m.halts),
		reg.Register(m.generation),
		reg.Register(m.totalStake),
		reg.Register(m.finalizedRound),
		reg.Register(m.finalizingStake),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *promMetrics) VoteProcessed(kind ResultKind) {
	m.votes.WithLabelValues(kind.String()).Inc()
}

func (m *promMetrics) Finalized(round uint64, stake uint64) {
	m.finalizations.Inc()
	m.finalizedRound.Set(float64(round))
	m.finalizingStake.Set(float64(stake))
}

func (m *promMetrics) EquivocationDetected() {
	m.equivocations.Inc()
}

func (m *promMetrics) RolledBack() {
	m.rollbacks.Inc()
}

func (m *promMetrics) Refreshed(generation uint64, totalStake uint64) {
	m.refreshes.Inc()
	m.generation.Set(float64(generation))
	m.totalStake.Set(float64(totalStake))
}

func (m *promMetrics) Halted() {
	m.halts.Inc()
}
