package se

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace of the engine metrics.
	Namespace = "ese"

	LabelOperation = "operation"
	LabelStatus    = "status"
)

// Metrics holds the Prometheus collectors updated by an Engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Operations counts engine operations by operation and resulting status.
	Operations *prometheus.CounterVec
	// APDUs counts command APDUs put on the bus, GET RESPONSE included.
	APDUs prometheus.Counter
	// ChainLength observes the number of GET RESPONSE commands needed per chained exchange.
	ChainLength prometheus.Histogram
	// OpenChannels is the number of channels currently marked open.
	OpenChannels prometheus.Gauge
	// SessionUp is 1 while the hardware session is up.
	SessionUp prometheus.Gauge
	// SessionInits counts hardware bring-ups.
	SessionInits prometheus.Counter
	// CleanupFailures counts best-effort cleanups that failed.
	CleanupFailures prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_total",
				Help:      "Secure element operations by operation and status",
			},
			[]string{LabelOperation, LabelStatus},
		),
		APDUs: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "apdus_total",
			Help:      "Command APDUs sent to the chip",
		}),
		ChainLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "get_response_chain_length",
			Help:      "GET RESPONSE commands issued per chained exchange",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 64, 256},
		}),
		OpenChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_channels",
			Help:      "Channels currently open",
		}),
		SessionUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "session_up",
			Help:      "1 while the hardware session is up",
		}),
		SessionInits: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_inits_total",
			Help:      "Hardware session bring-ups",
		}),
		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cleanup_failures_total",
			Help:      "Best-effort cleanups (auto-close, teardown) that failed",
		}),
	}
}

func (m *Metrics) operation(op string, st Status) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, st.String()).Inc()
}

func (m *Metrics) apdu() {
	if m == nil {
		return
	}
	m.APDUs.Inc()
}

func (m *Metrics) chain(getResponses int) {
	if m == nil {
		return
	}
	m.ChainLength.Observe(float64(getResponses))
}

func (m *Metrics) channels(open uint8) {
	if m == nil {
		return
	}
	m.OpenChannels.Set(float64(open))
}

func (m *Metrics) sessionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.SessionUp.Set(1)
		m.SessionInits.Inc()
		return
	}
	m.SessionUp.Set(0)
}

func (m *Metrics) cleanupFailed() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}
