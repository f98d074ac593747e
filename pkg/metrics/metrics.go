package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HistogramBuckets are upper bounds in milliseconds. Every latency in this
// package is observed in milliseconds, so histograms must never fall back to
// prometheus.DefBuckets, which are in seconds.
var HistogramBuckets = []float64{
	// ledger reads and single-row debits
	1, 2.5, 5, 10,

	// typical request path (10ms - 500ms)
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// slow queries and provider calls (500ms - 15s)
	750, 1000, 1500, 2000, 3000, 5000, 7500, 10000, 15000,

	// webhook retries against a struggling database
	30000, 60000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
	// Buckets overrides HistogramBuckets for histogram types.
	Buckets []float64
}

func (m *Metric) buckets() []float64 {
	if len(m.Buckets) > 0 {
		return m.Buckets
	}
	return HistogramBuckets
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	switch m.Type {
	case "counter_vec":
		return prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case "counter":
		return prometheus.NewCounter(prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description})
	case "gauge_vec":
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case "gauge":
		return prometheus.NewGauge(prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description})
	case "histogram_vec":
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      m.Name,
			Help:      m.Description,
			Buckets:   m.buckets(),
		}, m.Args)
	case "histogram":
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      m.Name,
			Help:      m.Description,
			Buckets:   m.buckets(),
		})
	case "summary_vec":
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case "summary":
		return prometheus.NewSummary(prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description})
	}
	return nil
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "ledger and billing step latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

const (
	RefererKey = "X-Referer"
)
