// Package metrics exposes the voice pipeline's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "ema_voice"

// Collector records session, turn and connection metrics. A nil *Collector
// is valid and records nothing.
type Collector struct {
	activeSessions        prometheus.Gauge
	connectionsRejected   *prometheus.CounterVec
	turnsFinished         *prometheus.CounterVec
	finalsDropped         prometheus.Counter
	stageErrors           *prometheus.CounterVec
	timeToFirstAudio      prometheus.Histogram
	outboundDropped       prometheus.Counter
	heartbeatTerminations prometheus.Counter
}

// NewCollector registers the metrics on reg. Use a fresh registry per test.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Collector{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a running voice pipeline",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections rejected before a pipeline was created",
		}, []string{"reason"}),
		turnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome",
		}, []string{"outcome"}),
		finalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_transcripts_dropped_total",
			Help:      "Final transcripts dropped because a reply was already being generated",
		}),
		stageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures by stage",
		}, []string{"stage"}),
		timeToFirstAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Time from final transcript to the first synthesized audio chunk",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}),
		outboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_dropped_total",
			Help:      "Outbound events dropped because the client queue was full or closing",
		}),
		heartbeatTerminations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_terminations_total",
			Help:      "Connections terminated after missing a heartbeat round",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) TurnFinished(outcome string) {
	if c == nil {
		return
	}
	c.turnsFinished.WithLabelValues(outcome).Inc()
}

func (c *Collector) FinalTranscriptDropped() {
	if c == nil {
		return
	}
	c.finalsDropped.Inc()
}

func (c *Collector) StageFailed(stage string) {
	if c == nil {
		return
	}
	c.stageErrors.WithLabelValues(stage).Inc()
}

func (c *Collector) ObserveTimeToFirstAudio(d time.Duration) {
	if c == nil {
		return
	}
	c.timeToFirstAudio.Observe(d.Seconds())
}

func (c *Collector) OutboundEventDropped() {
	if c == nil {
		return
	}
	c.outboundDropped.Inc()
}

func (c *Collector) HeartbeatTerminated() {
	if c == nil {
		return
	}
	c.heartbeatTerminations.Inc()
}
