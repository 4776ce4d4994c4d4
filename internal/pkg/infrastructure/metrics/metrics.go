package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "module_control_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec

	alarmedModules prometheus.Gauge

	ingestTotal *prometheus.CounterVec

	cutoffActuations *prometheus.CounterVec
	historyEvents    *prometheus.CounterVec
	activityDropped  prometheus.Counter
)

// Init registers the control loop metrics with the default registry. Calling
// it more than once is a no-op.
func Init() {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycles_total",
				Help: "Total control loop cycles by trigger and result",
			},
			[]string{"trigger", "result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_duration_seconds",
				Help:    "Control loop cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		)
		alarmedModules = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "alarmed_modules",
				Help: "Number of modules in emergency state after the last cycle",
			},
		)
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_total",
				Help: "Total ingested readings and heartbeats by kind and result",
			},
			[]string{"kind", "result"},
		)
		cutoffActuations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cutoff_actuations_total",
				Help: "Total cutoff relay state changes by action",
			},
			[]string{"action"},
		)
		historyEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "emergency_history_events_total",
				Help: "Total emergency history entries by event type",
			},
			[]string{"event_type"},
		)
		activityDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "activity_dropped_total",
				Help: "Activity log entries dropped because the queue was full",
			},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			alarmedModules,
			ingestTotal,
			cutoffActuations,
			historyEvents,
			activityDropped,
		)
	})
}

func ObserveCycle(trigger, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(trigger, result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}

func SetAlarmedModules(count int) {
	if alarmedModules != nil {
		alarmedModules.Set(float64(count))
	}
}

func IncIngest(kind, result string) {
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(kind, result).Inc()
	}
}

func IncCutoffActuation(active bool) {
	if cutoffActuations == nil {
		return
	}
	action := "deactivate"
	if active {
		action = "activate"
	}
	cutoffActuations.WithLabelValues(action).Inc()
}

func IncHistoryEvent(eventType string) {
	if historyEvents != nil {
		historyEvents.WithLabelValues(eventType).Inc()
	}
}

func IncActivityDropped() {
	if activityDropped != nil {
		activityDropped.Inc()
	}
}
