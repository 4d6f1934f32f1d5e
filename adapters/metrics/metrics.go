package metrics

import (
	"time"

	"github.com/layer-3/certsettle/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	MintAttempts      *prometheus.CounterVec
	MintDuration      *prometheus.HistogramVec
	CredentialsIssued *prometheus.CounterVec
	RecordsSettled    prometheus.Counter
	SettlementFailed  prometheus.Counter
}

// New registers the engine metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MintAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certsettle_mint_attempts_total",
			Help: "Mint attempts by strategy and result",
		}, []string{"strategy", "result"}),
		MintDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certsettle_mint_attempt_duration_seconds",
			Help:    "Duration of mint attempts including confirmation",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"strategy"}),
		CredentialsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certsettle_credentials_issued_total",
			Help: "Issuance requests by outcome status",
		}, []string{"status"}),
		RecordsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "certsettle_records_settled_total",
			Help: "Pending records committed by batch settlement",
		}),
		SettlementFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "certsettle_settlement_failures_total",
			Help: "Pending records that failed batch settlement",
		}),
	}
}

// ObserveAttempt counts one strategy attempt and records how long it took
func (m *Metrics) ObserveAttempt(strategy core.Method, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.MintAttempts.WithLabelValues(string(strategy), result).Inc()
	m.MintDuration.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

// ObserveIssue counts an issuance by its final status
func (m *Metrics) ObserveIssue(status core.IssueStatus) {
	m.CredentialsIssued.WithLabelValues(string(status)).Inc()
}

// ObserveSettlement adds the records settled and failed by one settlement run
func (m *Metrics) ObserveSettlement(settled, failed int) {
	m.RecordsSettled.Add(float64(settled))
	m.SettlementFailed.Add(float64(failed))
}
