package monitoring

import (
	"streamsight/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	runsTotal       *prometheus.CounterVec
	recordsTotal    prometheus.Counter
	recordsSkipped  *prometheus.CounterVec
	flowsTotal      *prometheus.CounterVec
	flowsFailed     prometheus.Counter
	metricsTotal    *prometheus.CounterVec
	rootCausesTotal *prometheus.CounterVec

	// Histograms
	runDuration prometheus.Histogram
	tcpRTT      prometheus.Histogram
	udpJitter   prometheus.Histogram
	mqttTotal   prometheus.Histogram

	reportsStored prometheus.Gauge
}

// NewPrometheusCollector registers the analysis metrics with reg. A nil reg
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsight_runs_total",
			Help: "Analysis runs by outcome",
		}, []string{"outcome"}),

		recordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamsight_records_total",
			Help: "Decoded packets read from sources",
		}),

		recordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsight_records_skipped_total",
			Help: "Decoded packets dropped by the normalizer",
		}, []string{"reason"}),

		flowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsight_flows_total",
			Help: "Flows analyzed",
		}, []string{"protocol"}),

		flowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamsight_flows_failed_total",
			Help: "Flows aborted by an analyzer error",
		}),

		metricsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsight_delay_metrics_total",
			Help: "Delay metrics emitted",
		}, []string{"kind", "confidence"}),

		rootCausesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsight_root_causes_total",
			Help: "Root-cause records by category",
		}, []string{"category"}),

		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamsight_run_duration_seconds",
			Help:    "Wall-clock duration of analysis runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		tcpRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamsight_tcp_rtt_seconds",
			Help:    "Sampled TCP round-trip times",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		udpJitter: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamsight_udp_jitter_seconds",
			Help:    "UDP interarrival jitter samples",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		mqttTotal: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamsight_mqtt_total_delay_seconds",
			Help:    "End-to-end MQTT message delay",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		reportsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamsight_reports_stored",
			Help: "Reports currently held by the report store",
		}),
	}
}

// RecordRun folds a finished report into the counters.
func (p *PrometheusCollector) RecordRun(report *domain.Report) {
	p.runsTotal.WithLabelValues("success").Inc()
	p.runDuration.Observe(report.Duration.Seconds())

	p.recordsTotal.Add(float64(report.Stats.TotalRecords))
	for reason, n := range report.Stats.Skipped {
		p.recordsSkipped.WithLabelValues(string(reason)).Add(float64(n))
	}
	for _, f := range report.Flows {
		p.flowsTotal.WithLabelValues(string(f.Protocol)).Inc()
	}
	p.flowsFailed.Add(float64(report.Stats.FailedFlows))

	for _, m := range report.Metrics {
		p.metricsTotal.WithLabelValues(string(m.Kind), string(m.Confidence)).Inc()
		switch m.Kind {
		case domain.KindTCPRTT:
			p.tcpRTT.Observe(m.Value)
		case domain.KindUDPJitter:
			p.udpJitter.Observe(m.Value)
		case domain.KindMQTTTotal:
			p.mqttTotal.Observe(m.Value)
		}
	}
	for _, rc := range report.RootCauses {
		p.rootCausesTotal.WithLabelValues(string(rc.Category)).Inc()
	}
}

func (p *PrometheusCollector) RecordRunFailure(reason string) {
	p.runsTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ReportStored() {
	p.reportsStored.Inc()
}

func (p *PrometheusCollector) ReportDeleted() {
	p.reportsStored.Dec()
}
