package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	PersistedTurns   *prometheus.CounterVec
	ReplayedActions  *prometheus.CounterVec
	FallbackSessions prometheus.Counter
	PeerConnections  prometheus.Gauge
	DecryptFailures  prometheus.Counter
	StreamChunks     *prometheus.CounterVec
	LLMLatency       *prometheus.HistogramVec

	Latency *LatencyWindow
}

// NewMetrics registers the instruments with reg, or the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of running bot sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by transport and event.",
		}, []string{"transport", "event"}),
		PersistedTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_turns_total",
			Help:      "Conversation turns written to storage by role.",
		}, []string{"role"}),
		ReplayedActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_actions_total",
			Help:      "Scripted actions dispatched at session start by verb.",
		}, []string{"verb"}),
		FallbackSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_sessions_total",
			Help:      "Sessions that ended through the error fallback pipeline.",
		}),
		PeerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connections",
			Help:      "Registered WebRTC peer connections.",
		}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_decrypt_failures_total",
			Help:      "Legacy message bodies that could not be decrypted.",
		}),
		StreamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Messages sent to clients by transport.",
		}, []string{"transport"}),
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_ms",
			Help:      "Model latency in milliseconds by stage.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"stage"}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) SessionStarted(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues(transport, "started").Inc()
}

func (m *Metrics) SessionEnded(transport, event string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(transport, event).Inc()
}

func (m *Metrics) TurnPersisted(role string) {
	if m == nil {
		return
	}
	m.PersistedTurns.WithLabelValues(role).Inc()
}

func (m *Metrics) ActionReplayed(verb string) {
	if m == nil {
		return
	}
	m.ReplayedActions.WithLabelValues(verb).Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.FallbackSessions.Inc()
	m.Latency.CountEvent("fallback")
}

func (m *Metrics) SetPeerConnections(n int) {
	if m == nil {
		return
	}
	m.PeerConnections.Set(float64(n))
}

func (m *Metrics) DecryptFailed(error) {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
	m.Latency.CountEvent("decrypt_failure")
}

func (m *Metrics) ChunkSent(transport string) {
	if m == nil {
		return
	}
	m.StreamChunks.WithLabelValues(transport).Inc()
}

// ObserveLLM records a model latency sample for a stage such as
// "first_delta" or "total".
func (m *Metrics) ObserveLLM(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.LLMLatency.WithLabelValues(stage).Observe(ms)
	m.Latency.Observe("llm_"+stage, ms)
}

func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
