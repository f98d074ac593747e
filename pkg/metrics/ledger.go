package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var MetricsCreditsConsumed = &Metric{
	ID:          "creditsConsumed",
	Name:        "credits_consumed_total",
	Description: "Credits debited by successful consume calls, partitioned by feature.",
	Type:        "counter_vec",
	Args:        []string{"feature"},
}

var MetricsConsumeRejected = &Metric{
	ID:          "consumeRejected",
	Name:        "consume_rejected_total",
	Description: "Consume calls that did not debit, partitioned by reason.",
	Type:        "counter_vec",
	Args:        []string{"reason"},
}

var MetricsCreditsRefreshed = &Metric{
	ID:          "creditsRefreshed",
	Name:        "credits_refreshed_total",
	Description: "Monthly refreshes applied, partitioned by trigger.",
	Type:        "counter_vec",
	Args:        []string{"trigger"},
}

var MetricsWebhookEvents = &Metric{
	ID:          "webhookEvents",
	Name:        "webhook_events_total",
	Description: "Billing webhook events, partitioned by event type and outcome.",
	Type:        "counter_vec",
	Args:        []string{"type", "status"},
}

// LedgerMetrics are registered by the HTTP server alongside the request metrics.
var LedgerMetrics = []*Metric{
	MetricsBusinessProcess,
	MetricsCreditsConsumed,
	MetricsConsumeRejected,
	MetricsCreditsRefreshed,
	MetricsWebhookEvents,
}

// Inc bumps a counter_vec metric. It is a no-op until the metric is registered.
func Inc(m *Metric, labels ...string) {
	IncBy(m, 1, labels...)
}

func IncBy(m *Metric, v float64, labels ...string) {
	if m == nil {
		return
	}
	if cv, ok := m.MetricCollector.(*prometheus.CounterVec); ok {
		cv.WithLabelValues(labels...).Add(v)
	}
}

// ObserveBusinessProcess records the latency of a named step in bp_dur.
func ObserveBusinessProcess(typ, subtype string, start time.Time) {
	if hv, ok := MetricsBusinessProcess.MetricCollector.(*prometheus.HistogramVec); ok {
		hv.WithLabelValues(typ, subtype).Observe(MillisecondsSince(start))
	}
}
