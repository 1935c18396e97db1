package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for audit recording. All methods are
// nil-safe so a Recorder without metrics still works.
type Metrics struct {
	Recorded       prometheus.Counter
	WriteFailures  prometheus.Counter
	Parked         prometheus.Counter
	Flushed        prometheus.Counter
	Dropped        prometheus.Counter
	PendingEntries prometheus.Gauge
	BreakerOpen    prometheus.Gauge
}

// NewMetrics registers the audit metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_audit_recorded_total",
			Help: "Total number of audit entries persisted on the first write or its retry",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_audit_write_failures_total",
			Help: "Audit entries whose write and retry both failed; alert when non-zero",
		}),
		Parked: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_audit_parked_total",
			Help: "Audit entries parked in the pending buffer",
		}),
		Flushed: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_audit_flushed_total",
			Help: "Parked audit entries persisted by the background flusher",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_audit_dropped_total",
			Help: "Audit entries evicted from a full pending buffer",
		}),
		PendingEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "kyc_audit_pending_entries",
			Help: "Audit entries currently waiting in the pending buffer",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "kyc_audit_circuit_breaker_open",
			Help: "Audit store circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) IncRecorded() {
	if m != nil {
		m.Recorded.Inc()
	}
}

func (m *Metrics) IncWriteFailures() {
	if m != nil {
		m.WriteFailures.Inc()
	}
}

func (m *Metrics) IncParked() {
	if m != nil {
		m.Parked.Inc()
	}
}

func (m *Metrics) AddFlushed(n int) {
	if m != nil {
		m.Flushed.Add(float64(n))
	}
}

func (m *Metrics) AddDropped(n int) {
	if m != nil {
		m.Dropped.Add(float64(n))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingEntries.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
