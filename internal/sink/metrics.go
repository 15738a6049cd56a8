package sink

import (
	"context"
	"math"

	"NetAnomaly/internal/dispatch"
	"NetAnomaly/internal/engine/pipeline"
	"NetAnomaly/internal/model"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netanomaly"

// MetricsSink counts dispatched updates by verdict and records their scores.
type MetricsSink struct {
	updates   *prometheus.CounterVec
	newFlows  prometheus.Counter
	anomalies *prometheus.CounterVec
	scores    prometheus.Histogram
}

// NewMetricsSink registers the update metrics with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_updates_total",
			Help:      "Flow updates dispatched, by verdict.",
		}, []string{"verdict"}),
		newFlows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_created_total",
			Help:      "Flows created in the flow table.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Updates flagged as anomalous, by protocol.",
		}, []string{"protocol"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_error",
			Help:      "Reconstruction error of scored flow updates.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 10, 10),
		}),
	}
	for _, c := range []prometheus.Collector{s.updates, s.newFlows, s.anomalies, s.scores} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name implements model.Observer.
func (s *MetricsSink) Name() string { return "metrics" }

// Notify implements model.Observer.
func (s *MetricsSink) Notify(_ context.Context, u model.Update) error {
	s.updates.WithLabelValues(u.Verdict.String()).Inc()
	if u.IsNew {
		s.newFlows.Inc()
	}
	if !math.IsNaN(u.Score) {
		s.scores.Observe(u.Score)
	}
	if u.IsAnomaly() {
		s.anomalies.WithLabelValues(u.Key.Protocol.String()).Inc()
	}
	return nil
}

// StatsSource is what the engine collector reads on every scrape.
type StatsSource interface {
	Stats() pipeline.Stats
}

// EngineCollector exports pipeline and dispatcher counters at scrape time.
type EngineCollector struct {
	engine     StatsSource
	dispatcher *dispatch.Dispatcher

	flows         *prometheus.Desc
	received      *prometheus.Desc
	dropped       *prometheus.Desc
	overflow      *prometheus.Desc
	expired       *prometheus.Desc
	scoreFailures *prometheus.Desc
	delivered     *prometheus.Desc
	obsDropped    *prometheus.Desc
	obsFailed     *prometheus.Desc
	obsWaited     *prometheus.Desc
	queued        *prometheus.Desc
}

// NewEngineCollector creates a collector over engine and d.
func NewEngineCollector(engine StatsSource, d *dispatch.Dispatcher) *EngineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &EngineCollector{
		engine:        engine,
		dispatcher:    d,
		flows:         desc("active_flows", "Flows currently held in the flow table."),
		received:      desc("packets_received_total", "Packet events submitted to the pipeline."),
		dropped:       desc("packets_malformed_total", "Malformed packet events dropped."),
		overflow:      desc("flow_table_overflow_total", "Packets dropped because the flow table was full."),
		expired:       desc("flows_expired_total", "Flows removed by the idle sweeper."),
		scoreFailures: desc("score_failures_total", "Updates whose scoring failed."),
		delivered:     desc("observer_delivered_total", "Updates delivered to an observer.", "observer"),
		obsDropped:    desc("observer_dropped_total", "Updates dropped because an observer mailbox was full.", "observer"),
		obsFailed:     desc("observer_failures_total", "Observer notifications that failed.", "observer"),
		obsWaited:     desc("observer_waits_total", "Anomalous updates the dispatcher waited to deliver.", "observer"),
		queued:        desc("observer_queue_length", "Updates waiting in an observer mailbox.", "observer"),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.flows, c.received, c.dropped, c.overflow, c.expired, c.scoreFailures,
		c.delivered, c.obsDropped, c.obsFailed, c.obsWaited, c.queued,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()
	ch <- prometheus.MustNewConstMetric(c.flows, prometheus.GaugeValue, float64(st.Flows))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(st.Received))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.Dropped))
	ch <- prometheus.MustNewConstMetric(c.overflow, prometheus.CounterValue, float64(st.Overflow))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(st.Expired))
	ch <- prometheus.MustNewConstMetric(c.scoreFailures, prometheus.CounterValue, float64(st.ScoreFailures))

	for _, o := range c.dispatcher.Stats() {
		ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(o.Delivered), o.Name)
		ch <- prometheus.MustNewConstMetric(c.obsDropped, prometheus.CounterValue, float64(o.Dropped), o.Name)
		ch <- prometheus.MustNewConstMetric(c.obsFailed, prometheus.CounterValue, float64(o.Failed), o.Name)
		ch <- prometheus.MustNewConstMetric(c.obsWaited, prometheus.CounterValue, float64(o.Waited), o.Name)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(o.Queued), o.Name)
	}
}
