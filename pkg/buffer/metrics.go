package buffer

import (
	"github.com/c360/envgate/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics exports a buffer's counters and fill level as Prometheus
// metrics under envgate_buffer_* with the owning component as a label.
type bufferMetrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, component string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "envgate",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "envgate",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Total number of buffer write operations"),
		reads:       counter("reads_total", "Total number of buffer read operations"),
		drops:       counter("drops_total", "Total number of items dropped due to overflow"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization as a fraction (0.0 to 1.0)"),
	}

	for name, c := range map[string]prometheus.Counter{
		"buffer_writes": m.writes,
		"buffer_reads":  m.reads,
		"buffer_drops":  m.drops,
	} {
		if err := registry.RegisterCounter(component, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(component, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

// setFill updates the size and utilization gauges.
func (m *bufferMetrics) setFill(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
