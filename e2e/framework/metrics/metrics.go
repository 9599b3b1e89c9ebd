package metrics

import (
	"bytes"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector captures metrics for E2E runs.
type Collector struct {
	registry      *prometheus.Registry
	testsTotal    *prometheus.CounterVec
	stepsTotal    *prometheus.CounterVec
	testDuration  *prometheus.HistogramVec
	stepDuration  *prometheus.HistogramVec
	testInfo      *prometheus.GaugeVec
	pollSessions  *prometheus.CounterVec
	probeAttempts *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
}

// NewCollector initializes a new metrics registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		testsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_tests_total", Help: "Total number of tests"},
			[]string{"status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_steps_total", Help: "Total number of steps"},
			[]string{"status"},
		),
		testDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2e_test_duration_seconds",
				Help:    "Test duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"test", "status", "phase"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2e_step_duration_seconds",
				Help:    "Step duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"test", "action", "status"},
		),
		testInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "e2e_test_info",
				Help: "E2E test metadata for traceability",
			},
			[]string{"test", "status", "phase", "backend", "environment"},
		),
		pollSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_poll_sessions_total", Help: "Finished poll sessions by outcome"},
			[]string{"probe", "outcome"},
		),
		probeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_probe_attempts_total", Help: "Probe calls by failure kind"},
			[]string{"probe", "kind"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2e_poll_duration_seconds",
				Help:    "Poll session duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"probe", "outcome"},
		),
	}

	registry.MustRegister(
		collector.testsTotal,
		collector.stepsTotal,
		collector.testDuration,
		collector.stepDuration,
		collector.testInfo,
		collector.pollSessions,
		collector.probeAttempts,
		collector.pollDuration,
	)
	return collector
}

// ObserveTest records a test outcome.
func (c *Collector) ObserveTest(status string, duration time.Duration) {
	c.testsTotal.WithLabelValues(status).Inc()
	c.testDuration.WithLabelValues("all", status, "all").Observe(duration.Seconds())
}

// ObserveStep records a step outcome.
func (c *Collector) ObserveStep(testName, action, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(testName, action, status).Observe(duration.Seconds())
}

// ObserveTestDetail records per-test metrics.
func (c *Collector) ObserveTestDetail(testName, status, phase string, duration time.Duration) {
	c.testDuration.WithLabelValues(testName, status, phase).Observe(duration.Seconds())
}

// ObserveTestInfo records metadata for a test.
func (c *Collector) ObserveTestInfo(info TestInfo) {
	c.testInfo.WithLabelValues(info.Test, info.Status, info.Phase, info.Backend, info.Environment).Set(1)
}

// ObservePoll records a finished poll session.
func (c *Collector) ObservePoll(probe, outcome string, elapsed time.Duration) {
	c.pollSessions.WithLabelValues(probe, outcome).Inc()
	c.pollDuration.WithLabelValues(probe, outcome).Observe(elapsed.Seconds())
}

// ObserveProbeAttempt records one probe call.
func (c *Collector) ObserveProbeAttempt(probe, kind string) {
	c.probeAttempts.WithLabelValues(probe, kind).Inc()
}

// TestInfo is a structured view of test metadata for metrics.
type TestInfo struct {
	Test        string
	Status      string
	Phase       string
	Backend     string
	Environment string
}

// Write writes all metrics to a Prometheus text file.
func (c *Collector) Write(path string) error {
	metricFamilies, err := c.registry.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range metricFamilies {
		if err := enc.Encode(family); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
