package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Reservations       *prometheus.CounterVec
	Deposits           prometheus.Counter
	AlertsRaised       *prometheus.CounterVec
	Assignments        *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	TransferDuration   *prometheus.HistogramVec
	RetrySweeps        *prometheus.CounterVec
	StuckRetries       prometheus.Gauge
	AvailableLiquidity *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_liquidity_operations_total",
				Help: "Total reserve, release and deposit operations.",
			},
			[]string{"type", "status"},
		),
		Deposits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_liquidity_deposits_total",
				Help: "Total liquidity deposits logged.",
			},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_liquidity_alerts_total",
				Help: "Total low liquidity alerts raised.",
			},
			[]string{"severity"},
		),
		Assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_assignments_total",
				Help: "Total routing decisions.",
			},
			[]string{"kind"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_settlements_total",
				Help: "Total settlement attempts by outcome.",
			},
			[]string{"status"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_settlement_duration_seconds",
				Help:    "Settlement processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_transfer_duration_seconds",
				Help:    "Transfer gateway call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		RetrySweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_retry_attempts_total",
				Help: "Total retry queue attempts by outcome.",
			},
			[]string{"status"},
		),
		StuckRetries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_retry_stuck",
				Help: "Unresolved retry entries at the retry cap.",
			},
		),
		AvailableLiquidity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_liquidity_available",
				Help: "Available liquidity per currency as of the last monitor run.",
			},
			[]string{"currency"},
		),
	}

	registry.MustRegister(
		m.Reservations,
		m.Deposits,
		m.AlertsRaised,
		m.Assignments,
		m.SettlementsTotal,
		m.SettlementDuration,
		m.TransferDuration,
		m.RetrySweeps,
		m.StuckRetries,
		m.AvailableLiquidity,
	)
	return m
}

func (m *Metrics) IncLiquidityOp(opType, status string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(opType, status).Inc()
}

func (m *Metrics) IncDeposit() {
	if m == nil {
		return
	}
	m.Deposits.Inc()
}

func (m *Metrics) IncAlert(severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncAssignment(kind string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSettlement(status string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSettlement(method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTransfer(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransferDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) IncRetry(status string) {
	if m == nil {
		return
	}
	m.RetrySweeps.WithLabelValues(status).Inc()
}

func (m *Metrics) SetStuckRetries(n int) {
	if m == nil {
		return
	}
	m.StuckRetries.Set(float64(n))
}

func (m *Metrics) SetAvailable(currency string, available float64) {
	if m == nil {
		return
	}
	m.AvailableLiquidity.WithLabelValues(currency).Set(available)
}
