package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildMetrics collects per-invocation kit build metrics on a private registry.
// A nil *BuildMetrics is valid and records nothing.
type BuildMetrics struct {
	registry      *prometheus.Registry
	layersPacked  *prometheus.CounterVec
	layerBytes    *prometheus.HistogramVec
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
}

// NewBuildMetrics registers the build collectors on a fresh registry.
func NewBuildMetrics() *BuildMetrics {
	m := &BuildMetrics{
		registry: prometheus.NewRegistry(),
		layersPacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kitbuilder",
			Name:      "layers_packed_total",
			Help:      "Layers packed into the kit blob store.",
		}, []string{"arch"}),
		layerBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kitbuilder",
			Name:      "layer_size_bytes",
			Help:      "Size of packed layer blobs.",
			Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 12),
		}, []string{"arch"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kitbuilder",
			Name:      "builds_total",
			Help:      "Kit builds by result.",
		}, []string{"arch", "result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kitbuilder",
			Name:      "build_duration_seconds",
			Help:      "Wall time of a kit build.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	m.registry.MustRegister(m.layersPacked, m.layerBytes, m.builds, m.buildDuration)
	return m
}

// ObserveLayer records one packed layer.
func (m *BuildMetrics) ObserveLayer(arch string, size int64) {
	if m == nil {
		return
	}
	m.layersPacked.WithLabelValues(arch).Inc()
	m.layerBytes.WithLabelValues(arch).Observe(float64(size))
}

// ObserveBuild records the outcome of a build.
func (m *BuildMetrics) ObserveBuild(arch string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.builds.WithLabelValues(arch, result).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry.
func (m *BuildMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the collected metrics in the node-exporter textfile format.
func (m *BuildMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
