package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lkarlslund/agentrelay/pkg/stream"
	"github.com/lkarlslund/agentrelay/pkg/version"
)

const namespace = "agentrelay"

// Collector owns the relay's Prometheus metrics. A nil *Collector is valid
// and records nothing, so callers need not check whether metrics are enabled.
type Collector struct {
	registry *prometheus.Registry

	buildInfo           *prometheus.GaugeVec
	sessionsCreated     prometheus.Counter
	sessionInitFailures *prometheus.CounterVec
	sessionsEnded       *prometheus.CounterVec
	sessionsEvicted     prometheus.Counter
	messages            *prometheus.CounterVec
	streamErrors        prometheus.Counter
	streamDuration      prometheus.Histogram
	tokensIssued        *prometheus.CounterVec
	authRetries         *prometheus.CounterVec
	framesForwarded     *prometheus.CounterVec
	framesDropped       *prometheus.CounterVec
}

// NewCollector registers all metrics on registry, or on a fresh private
// registry when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		registry: registry,
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Always 1; labels carry the running relay build.",
		}, []string{"version", "commit", "dirty"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Agent sessions created successfully.",
		}),
		sessionInitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_init_failures_total",
			Help:      "Failed session creations by reason.",
		}, []string{"reason"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "End session calls by outcome.",
		}, []string{"outcome"}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Idle sessions dropped from the local registry.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages relayed to the agent by transport.",
		}, []string{"transport"}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Message streams that failed before completing.",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from sending a message to the end of its response stream.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens obtained from the identity endpoint by reason.",
		}, []string{"reason"}),
		authRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_retries_total",
			Help:      "Upstream calls retried after a rejected token, by action.",
		}, []string{"action"}),
		framesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Upstream frames forwarded to callers by kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Upstream frames not forwarded, by reason.",
		}, []string{"reason"}),
	}
	registry.MustRegister(
		c.buildInfo,
		c.sessionsCreated,
		c.sessionInitFailures,
		c.sessionsEnded,
		c.sessionsEvicted,
		c.messages,
		c.streamErrors,
		c.streamDuration,
		c.tokensIssued,
		c.authRetries,
		c.framesForwarded,
		c.framesDropped,
	)
	v := version.Current()
	c.buildInfo.WithLabelValues(v.Version, v.Commit, strconv.FormatBool(v.Dirty)).Set(1)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

func (c *Collector) SessionInitFailed(reason string) {
	if c == nil {
		return
	}
	c.sessionInitFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) SessionEnded(ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.sessionsEnded.WithLabelValues(outcome).Inc()
}

func (c *Collector) SessionsEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sessionsEvicted.Add(float64(n))
}

func (c *Collector) MessageSent(transport string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(transport).Inc()
}

// StreamFinished records the duration of a stream and whether it broke.
func (c *Collector) StreamFinished(d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.streamDuration.Observe(d.Seconds())
	if failed {
		c.streamErrors.Inc()
	}
}

// StreamFailed counts a message whose stream could not be opened.
func (c *Collector) StreamFailed() {
	if c == nil {
		return
	}
	c.streamErrors.Inc()
}

func (c *Collector) TokenIssued(reason string) {
	if c == nil {
		return
	}
	c.tokensIssued.WithLabelValues(reason).Inc()
}

func (c *Collector) AuthRetried(action string) {
	if c == nil {
		return
	}
	c.authRetries.WithLabelValues(action).Inc()
}

// FrameForwarded implements stream.Observer.
func (c *Collector) FrameForwarded(kind stream.Kind) {
	if c == nil {
		return
	}
	c.framesForwarded.WithLabelValues(kind.String()).Inc()
}

// FrameDropped implements stream.Observer.
func (c *Collector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}
