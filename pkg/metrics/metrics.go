package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runner metrics
	RunnersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_runners_active",
			Help: "Number of jobs currently running on this node",
		},
	)

	RunnersCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_runners_capacity",
			Help: "Maximum number of concurrent jobs advertised by the server",
		},
	)

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flownode_admission_rejections_total",
			Help: "Total number of jobs refused at admission by reason",
		},
		[]string{"reason"},
	)

	GateVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flownode_gate_verdicts_total",
			Help: "Total number of pre-execute script verdicts by kind",
		},
		[]string{"verdict"},
	)

	// Job metrics
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flownode_jobs_completed_total",
			Help: "Total number of jobs completed by status",
		},
		[]string{"status"},
	)

	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flownode_gate_duration_seconds",
			Help:    "Time spent running the pre-execute script",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flownode_job_duration_seconds",
			Help:    "Wall time of worker processes in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// Channel metrics
	ChannelConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_channel_connected",
			Help: "Whether the control channel transport is open (1 = open)",
		},
	)

	ChannelRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_channel_registered",
			Help: "Whether the node is registered with the server (1 = registered)",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flownode_channel_reconnect_attempts_total",
			Help: "Total number of connect and register attempts",
		},
	)

	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flownode_invocations_total",
			Help: "Total number of outbound invocations by target and result",
		},
		[]string{"target", "result"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flownode_invocation_duration_seconds",
			Help:    "Outbound invocation duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	// Node metrics
	NodeEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_node_enabled",
			Help: "Whether the server has this node enabled (1 = enabled)",
		},
	)

	VersionMismatch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_version_mismatch",
			Help: "Whether the server version is incompatible with this node (1 = mismatch)",
		},
	)

	ConfigRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flownode_config_revision",
			Help: "Configuration revision currently stored on this node",
		},
	)

	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flownode_build_info",
			Help: "Always 1, labelled with the node version",
		},
		[]string{"version"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunnersActive)
	prometheus.MustRegister(RunnersCapacity)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(GateVerdicts)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(GateDuration)
	prometheus.MustRegister(ChannelConnected)
	prometheus.MustRegister(ChannelRegistered)
	prometheus.MustRegister(ReconnectAttempts)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(NodeEnabled)
	prometheus.MustRegister(VersionMismatch)
	prometheus.MustRegister(ConfigRevision)
	prometheus.MustRegister(BuildInfo)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge sets g to 1 when v is true and 0 otherwise
func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
