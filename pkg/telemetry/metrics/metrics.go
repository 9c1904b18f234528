package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls metric registration.
type Config struct {
	// Namespace prefixes every metric name. Default: "gatehouse".
	Namespace string `yaml:"namespace"`
}

// Collector registers and records the engine's Prometheus metrics.
//
// Metrics:
//   - <ns>_decisions_total: terminal decisions by effect and denying stage
//   - <ns>_decision_duration_seconds: end-to-end evaluation latency
//   - <ns>_rate_limit_denials_total: denials per rate limit config
//   - <ns>_kill_switch_trips_total: requests halted per switch target type
//   - <ns>_approval_requests_total: approval requests created
type Collector struct {
	registry *prometheus.Registry

	decisionsTotal    *prometheus.CounterVec
	decisionDuration  *prometheus.HistogramVec
	rateLimitDenials  *prometheus.CounterVec
	killSwitchTrips   *prometheus.CounterVec
	approvalsRequests prometheus.Counter
}

// NewCollector creates and registers the collector. A nil registry gets a
// fresh one.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "gatehouse"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "decisions_total",
				Help:      "Total terminal admission decisions",
			},
			[]string{"effect", "denied_by"},
		),

		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "decision_duration_seconds",
				Help:      "End-to-end admission evaluation latency",
				// Evaluations are in-memory and should stay well under 10ms.
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
			},
			[]string{"effect"},
		),

		rateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Denials attributed to a rate limit config",
			},
			[]string{"config_id"},
		),

		killSwitchTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "kill_switch_trips_total",
				Help:      "Requests halted by an active kill switch",
			},
			[]string{"target_type"},
		),

		approvalsRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "approval_requests_total",
				Help:      "Approval requests created for pending decisions",
			},
		),
	}

	registry.MustRegister(
		c.decisionsTotal,
		c.decisionDuration,
		c.rateLimitDenials,
		c.killSwitchTrips,
		c.approvalsRequests,
	)
	return c
}

// RecordDecision records one terminal decision. deniedBy names the pipeline
// stage that denied, or is empty for allows and pendings.
func (c *Collector) RecordDecision(effect, deniedBy string, duration time.Duration) {
	c.decisionsTotal.WithLabelValues(effect, deniedBy).Inc()
	c.decisionDuration.WithLabelValues(effect).Observe(duration.Seconds())
}

// RecordRateLimitDenial attributes a denial to one config.
func (c *Collector) RecordRateLimitDenial(configID string) {
	c.rateLimitDenials.WithLabelValues(configID).Inc()
}

// RecordKillSwitchTrip records a request halted by a switch.
func (c *Collector) RecordKillSwitchTrip(targetType string) {
	c.killSwitchTrips.WithLabelValues(targetType).Inc()
}

// RecordApprovalRequest records a newly created approval request.
func (c *Collector) RecordApprovalRequest() {
	c.approvalsRequests.Inc()
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns the scrape endpoint for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
