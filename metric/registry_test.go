package metric

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("test-component", "test_counter", counter)
	require.NoError(t, err)

	counter.Inc()

	// Verify the counter is registered in the underlying Prometheus registry
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "Counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_RegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})

	err := registry.RegisterGauge("test-component", "test_gauge", gauge)
	require.NoError(t, err)

	gauge.Set(42)
}

func TestMetricsRegistry_RegisterHistogram(t *testing.T) {
	registry := NewMetricsRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})

	err := registry.RegisterHistogram("test-component", "test_histogram", histogram)
	require.NoError(t, err)

	histogram.Observe(0.5)
}

func TestMetricsRegistry_RegisterVecs(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_vec",
		Help: "A test counter vec",
	}, []string{"label"})
	require.NoError(t, registry.RegisterCounterVec("test-component", "test_counter_vec", counterVec))

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec",
		Help: "A test gauge vec",
	}, []string{"label"})
	require.NoError(t, registry.RegisterGaugeVec("test-component", "test_gauge_vec", gaugeVec))

	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_histogram_vec",
		Help:    "A test histogram vec",
		Buckets: prometheus.DefBuckets,
	}, []string{"label"})
	require.NoError(t, registry.RegisterHistogramVec("test-component", "test_histogram_vec", histogramVec))

	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("b").Set(1)
	histogramVec.WithLabelValues("c").Observe(0.1)
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_counter",
		Help: "A counter",
	})

	require.NoError(t, registry.RegisterCounter("component", "dup_counter", counter))

	// Same key again must be rejected
	err := registry.RegisterCounter("component", "dup_counter", counter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unreg_counter",
		Help: "A counter",
	})

	require.NoError(t, registry.RegisterCounter("component", "unreg_counter", counter))
	assert.True(t, registry.Unregister("component", "unreg_counter"))
	assert.False(t, registry.Unregister("component", "unreg_counter"), "second unregister should fail")

	// Re-registration after unregister is allowed
	require.NoError(t, registry.RegisterCounter("component", "unreg_counter", counter))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", n),
				Help: "A counter",
			})
			err := registry.RegisterCounter("component", fmt.Sprintf("concurrent_counter_%d", n), counter)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestCoreMetrics_Recorders(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Exercise each recorder; Gather verifies collectors stay consistent
	core.RecordComponentStatus("arbiter", 2)
	core.RecordReadingReceived("arbiter", "broadcast")
	core.RecordReadingReceived("arbiter", "socket")
	core.RecordReadingPublished("natspub", "envgate.readings")
	core.RecordError("socket", "parse_rejected")
	core.RecordHealthStatus("arbiter", true)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["envgate_component_status"])
	assert.True(t, names["envgate_readings_received_total"])
	assert.True(t, names["envgate_readings_published_total"])
	assert.True(t, names["envgate_errors_total"])
	assert.True(t, names["envgate_health_status"])
	assert.True(t, names["envgate_nats_connected"])
	assert.True(t, names["envgate_nats_reconnects_total"])
}
