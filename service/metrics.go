package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks instruction outcomes and latency. A nil *Metrics records nothing.
type Metrics struct {
	instructions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	round        prometheus.Gauge
	votes        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "instructions_total",
			Help:      "Instructions executed, by operation and result code.",
		}, []string{"op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "governance",
			Name:      "instruction_duration_seconds",
			Help:      "Time spent executing an instruction, including the ledger commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "vote_round",
			Help:      "Current vote round as last observed by this process.",
		}),
		votes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "ballots_cast_total",
			Help:      "Ballots committed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.instructions, m.duration, m.round, m.votes)
	}
	return m
}

// Observe records one executed instruction.
func (m *Metrics) Observe(op Op, err error, d time.Duration) {
	if m == nil {
		return
	}
	code := Code(err)
	if code == "" {
		code = "Ok"
	}
	m.instructions.WithLabelValues(string(op), code).Inc()
	m.duration.WithLabelValues(string(op)).Observe(d.Seconds())
	if op == OpDoVote && err == nil {
		m.votes.Inc()
	}
}

// SetRound publishes the current round.
func (m *Metrics) SetRound(round uint64) {
	if m == nil {
		return
	}
	m.round.Set(float64(round))
}
