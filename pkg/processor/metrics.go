package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the processor's Prometheus instruments.
type Metrics struct {
	EventsProcessed     prometheus.Counter
	AlertsGenerated     prometheus.Counter
	CorrelationsMatched prometheus.Counter
	Errors              prometheus.Counter
	ActiveWorkers       prometheus.Gauge
	uptime              prometheus.GaugeFunc
}

// NewMetrics builds and registers the instrument set. A nil registerer
// leaves the instruments unregistered, which tests use to avoid
// duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer, started time.Time) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "events_processed_total",
			Help: "Events consumed from the events stream and fully evaluated.",
		}),
		AlertsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "alerts_generated_total",
			Help: "Alerts persisted and published to the alerts stream.",
		}),
		CorrelationsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "correlations_matched_total",
			Help: "Correlation windows that completed and emitted a match.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "errors_total",
			Help: "Message processing failures, including those sent to the DLQ.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "active_workers",
			Help: "Worker goroutines currently running.",
		}),
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "eleanor", Subsystem: "processor",
			Name: "uptime_seconds",
			Help: "Seconds since the processor started.",
		}, func() float64 { return time.Since(started).Seconds() }),
	}

	if reg != nil {
		reg.MustRegister(m.EventsProcessed, m.AlertsGenerated, m.CorrelationsMatched,
			m.Errors, m.ActiveWorkers, m.uptime)
	}
	return m
}
