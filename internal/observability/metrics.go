package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coastal_alerts"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// report-to-alert pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec // labels: stage={score,cluster}

	// Ingestion.
	ReportsReceived *prometheus.CounterVec // labels: source={http,kafka}
	ReportsRejected *prometheus.CounterVec // labels: source={http,kafka}

	// Verification scoring.
	Verifications   *prometheus.CounterVec // labels: category={credible,uncertain,misinformation}
	ScoringDegraded prometheus.Counter
	OracleCalls     *prometheus.CounterVec // labels: outcome={success,error,timeout,invalid}
	OracleDuration  prometheus.Histogram
	OracleCache     *prometheus.CounterVec // labels: result={hit,miss}
	Corroborated    prometheus.Counter

	// Clustering.
	ReportsClustered   prometheus.Counter
	HotspotTransitions *prometheus.CounterVec // labels: from, to
	HotspotsByState    *prometheus.GaugeVec   // labels: state

	// Dispatch.
	AlertTriggers      prometheus.Counter
	AlertNoRecipients  prometheus.Counter
	AlertTriggersLost  prometheus.Counter
	AlertTasksResumed  prometheus.Counter
	AlertTasksCreated  *prometheus.CounterVec   // labels: channel
	AlertDeliveries    *prometheus.CounterVec   // labels: channel, outcome={sent,failed,exhausted}
	AlertSendDuration  *prometheus.HistogramVec // labels: channel
	AlertChannelQueued *prometheus.GaugeVec     // labels: channel
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// build as many pipelines as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_queue_depth",
			Help:      "Items waiting in each pipeline stage queue.",
		}, []string{"stage"}),
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_received_total",
			Help:      "Report submissions received, by source.",
		}, []string{"source"}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_rejected_total",
			Help:      "Report submissions rejected by validation, by source.",
		}, []string{"source"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification results by credibility category.",
		}, []string{"category"}),
		ScoringDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_degraded_total",
			Help:      "Reports scored with the degraded fallback because the oracle was unavailable.",
		}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Scoring oracle calls by outcome.",
		}, []string{"outcome"}),
		OracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Scoring oracle call latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		OracleCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_cache_total",
			Help:      "Scoring cache lookups by result.",
		}, []string{"result"}),
		Corroborated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_corroborated_total",
			Help:      "Reports whose confidence was blended with nearby corroborating reports.",
		}),
		ReportsClustered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_clustered_total",
			Help:      "Reports assigned to a hotspot.",
		}),
		HotspotTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hotspot_transitions_total",
			Help:      "Hotspot state transitions by edge.",
		}, []string{"from", "to"}),
		HotspotsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hotspots",
			Help:      "Tracked hotspots by lifecycle state.",
		}, []string{"state"}),
		AlertTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_triggers_total",
			Help:      "Alert-trigger events consumed by the dispatcher.",
		}),
		AlertNoRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_no_recipients_total",
			Help:      "Alert triggers for which the directory returned no subscribers.",
		}),
		AlertTriggersLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_triggers_lost_total",
			Help:      "Alert triggers that could not be turned into tasks after every retry.",
		}),
		AlertTasksResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_tasks_resumed_total",
			Help:      "Unfinished alert tasks re-queued from the store at startup.",
		}),
		AlertTasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_tasks_created_total",
			Help:      "Alert tasks created, by channel.",
		}, []string{"channel"}),
		AlertDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_attempts_total",
			Help:      "Alert delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		AlertSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_send_duration_seconds",
			Help:      "Channel adapter send latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		AlertChannelQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_channel_queued",
			Help:      "Alert tasks waiting for a worker, by channel.",
		}, []string{"channel"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.QueueDepth,
		m.ReportsReceived,
		m.ReportsRejected,
		m.Verifications,
		m.ScoringDegraded,
		m.OracleCalls,
		m.OracleDuration,
		m.OracleCache,
		m.Corroborated,
		m.ReportsClustered,
		m.HotspotTransitions,
		m.HotspotsByState,
		m.AlertTriggers,
		m.AlertNoRecipients,
		m.AlertTriggersLost,
		m.AlertTasksResumed,
		m.AlertTasksCreated,
		m.AlertDeliveries,
		m.AlertSendDuration,
		m.AlertChannelQueued,
	}
}
