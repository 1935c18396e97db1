package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the KYC pipeline. All methods are
// nil-safe.
type Metrics struct {
	// Document processing outcomes: clean, infected, expired, ocr_failed, deferred, ...
	DocumentOutcome *prometheus.CounterVec

	// Per-document processing latency
	DocumentLatency prometheus.Histogram

	// Capability call latency by capability (scanner, extractor, sender)
	CapabilityLatency *prometheus.HistogramVec

	// Session transitions by target status
	SessionTransitions *prometheus.CounterVec

	// OTP issuance and verification outcomes
	OTPIssued   *prometheus.CounterVec
	OTPVerified *prometheus.CounterVec

	// Duplicate documents detected at approval
	DuplicatesDetected prometheus.Counter

	// Documents claimed per poll
	ClaimedPerPoll prometheus.Histogram
}

// New registers the KYC metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DocumentOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_documents_processed_total",
			Help: "Documents processed by outcome",
		}, []string{"outcome"}),

		DocumentLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_document_processing_duration_seconds",
			Help:    "Duration of a single document's scan, extract and persist",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		CapabilityLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kyc_capability_duration_seconds",
			Help:    "Duration of external capability calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"capability"}),

		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_session_transitions_total",
			Help: "Session transitions by target status",
		}, []string{"to"}),

		OTPIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_otp_issued_total",
			Help: "OTP issuance attempts by method and result",
		}, []string{"method", "result"}),

		OTPVerified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_otp_verifications_total",
			Help: "OTP verification attempts by result",
		}, []string{"result"}),

		DuplicatesDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_duplicate_documents_total",
			Help: "Duplicate identity documents found during approval",
		}),

		ClaimedPerPoll: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_documents_claimed_per_poll",
			Help:    "Number of documents claimed by one processor poll",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),
	}
}

func (m *Metrics) IncDocumentOutcome(outcome string) {
	if m != nil {
		m.DocumentOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDocumentLatency(d time.Duration) {
	if m != nil {
		m.DocumentLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveCapabilityLatency(capability string, d time.Duration) {
	if m != nil {
		m.CapabilityLatency.WithLabelValues(capability).Observe(d.Seconds())
	}
}

func (m *Metrics) IncTransition(to string) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) IncOTPIssued(method, result string) {
	if m != nil {
		m.OTPIssued.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) IncOTPVerified(result string) {
	if m != nil {
		m.OTPVerified.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncDuplicates() {
	if m != nil {
		m.DuplicatesDetected.Inc()
	}
}

func (m *Metrics) ObserveClaimed(n int) {
	if m != nil {
		m.ClaimedPerPoll.Observe(float64(n))
	}
}
