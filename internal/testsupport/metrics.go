package testsupport

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricValue reads a series from the default registry. The first series of
// name whose labels include every pair in labels wins. Counters and gauges
// report their value; histograms and summaries report their sample count.
// A series that was never touched reads as zero.
func MetricValue(t testing.TB, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "failed to gather metrics")

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if hasLabels(m.GetLabel(), labels) {
				return sampleValue(m)
			}
		}
	}
	return 0
}

func hasLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok {
			if v != p.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	case m.GetSummary() != nil:
		return float64(m.GetSummary().GetSampleCount())
	default:
		return m.GetUntyped().GetValue()
	}
}

// AssertMetricDelta runs fn and asserts the series moved by exactly delta.
func AssertMetricDelta(t testing.TB, name string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := MetricValue(t, name, labels)
	fn()
	after := MetricValue(t, name, labels)

	assert.Equal(t, delta, after-before, "metric %s%v moved by an unexpected amount", name, labels)
}

// AssertGauge asserts the current value of a gauge series.
func AssertGauge(t testing.TB, name string, labels map[string]string, want float64) {
	t.Helper()
	assert.Equal(t, want, MetricValue(t, name, labels), "gauge %s%v", name, labels)
}

// AssertHistogramRecorded asserts a histogram series holds at least one sample.
func AssertHistogramRecorded(t testing.TB, name string, labels map[string]string) {
	t.Helper()
	assert.Positive(t, MetricValue(t, name, labels), "histogram %s%v recorded no samples", name, labels)
}
