package core

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcranalyzer/pkg/domain"
)

// Import outcome labels.
const (
	StatusImported = "imported"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Metrics publishes import counters on a Prometheus registry. A nil
// *Metrics records nothing.
type Metrics struct {
	measurements *prometheus.CounterVec
	duration     prometheus.Histogram
	flags        *prometheus.CounterVec
}

// NewMetrics registers the import collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcr_import_measurements_total",
			Help: "Measurements processed by the importer, by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcr_import_duration_seconds",
			Help:    "Wall time spent importing one measurement.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcr_spot_flags_total",
			Help: "Spot results carrying each quality flag.",
		}, []string{"flag"}),
	}
	for _, c := range []prometheus.Collector{m.measurements, m.duration, m.flags} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register import metrics: %w", err)
		}
	}
	for _, status := range []string{StatusImported, StatusSkipped, StatusFailed} {
		m.measurements.WithLabelValues(status)
	}
	for _, flag := range []domain.QualityFlags{domain.FlagSaturated, domain.FlagLowSignal, domain.FlagMissing} {
		m.flags.WithLabelValues(flag.String())
	}
	return m, nil
}

func (m *Metrics) observe(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.measurements.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeFlags(counts map[domain.QualityFlags]int) {
	if m == nil {
		return
	}
	for flag, n := range counts {
		m.flags.WithLabelValues(flag.String()).Add(float64(n))
	}
}
