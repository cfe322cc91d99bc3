package metrics

import "github.com/prometheus/client_golang/prometheus"

// DialerMetrics exposes counters/histograms for the outbound dialler.
type DialerMetrics struct {
	callsInitiated    prometheus.Counter
	originationFailed *prometheus.CounterVec
	callsAnswered     prometheus.Counter
	callsTransferred  prometheus.Counter
	callsFinalized    *prometheus.CounterVec
	activeCalls       prometheus.Gauge
	webhookLatency    *prometheus.HistogramVec
	llmLatencySeconds *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
}

func NewDialerMetrics(reg prometheus.Registerer) *DialerMetrics {
	m := &DialerMetrics{
		callsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "initiated_total",
			Help:      "Total outbound calls accepted by the carrier",
		}),
		originationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "origination_failed_total",
			Help:      "Origination failures by reason",
		}, []string{"reason"}),
		callsAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "answered_total",
			Help:      "Calls answered by the recipient",
		}),
		callsTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "transferred_total",
			Help:      "Calls blind-transferred to a human agent",
		}),
		callsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "finalized_total",
			Help:      "Finalised conversations by status",
		}, []string{"status"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Calls currently in flight",
		}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dialer",
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of carrier webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		llmLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dialer",
			Subsystem: "dialogue",
			Name:      "llm_latency_seconds",
			Help:      "Latency of dialogue model calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15},
		}, []string{"model", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dialer",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Leads waiting in the dial queue",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.callsInitiated, m.originationFailed, m.callsAnswered,
		m.callsTransferred, m.callsFinalized, m.activeCalls,
		m.webhookLatency, m.llmLatencySeconds, m.queueDepth,
	)
	return m
}

func (m *DialerMetrics) ObserveInitiated() {
	if m == nil {
		return
	}
	m.callsInitiated.Inc()
}

func (m *DialerMetrics) ObserveOriginationFailure(reason string) {
	if m == nil {
		return
	}
	m.originationFailed.WithLabelValues(reason).Inc()
}

func (m *DialerMetrics) ObserveAnswered() {
	if m == nil {
		return
	}
	m.callsAnswered.Inc()
}

func (m *DialerMetrics) ObserveTransferred() {
	if m == nil {
		return
	}
	m.callsTransferred.Inc()
}

func (m *DialerMetrics) ObserveFinalized(status string) {
	if m == nil {
		return
	}
	m.callsFinalized.WithLabelValues(status).Inc()
}

func (m *DialerMetrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *DialerMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *DialerMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *DialerMetrics) ObserveLLMLatency(model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.llmLatencySeconds.WithLabelValues(model, status).Observe(seconds)
}
