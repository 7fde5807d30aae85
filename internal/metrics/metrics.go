package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "asya_progress"

// Observation patterns used as the "pattern" label
const (
	PatternPoll     = "poll"
	PatternWait     = "wait"
	PatternSnapshot = "snapshot"
	PatternQueue    = "queue"
)

var (
	// Registry holds every collector of the service. It is private so that
	// tests and embedders do not fight over prometheus.DefaultRegisterer.
	Registry = prometheus.NewRegistry()

	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Jobs submitted, by delivery mode.",
	}, []string{"mode"})

	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Jobs currently driven by a runner.",
	})

	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached the completed state.",
	})

	Publishes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_publishes_total",
		Help:      "State snapshots published by runners.",
	})

	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_publish_errors_total",
		Help:      "Failed publishes, by target.",
	}, []string{"target"})

	ObserversActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers_active",
		Help:      "Observers currently attached, by pattern.",
	}, []string{"pattern"})

	ObserverEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observer_events_total",
		Help:      "States handed to observers, by pattern.",
	}, []string{"pattern"})

	ObserverResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observer_results_total",
		Help:      "Final state of each observation, by pattern and status.",
	}, []string{"pattern", "status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		JobsSubmitted,
		JobsActive,
		JobsCompleted,
		Publishes,
		PublishErrors,
		ObserversActive,
		ObserverEvents,
		ObserverResults,
	)
}

// Handler exposes the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackObserver marks an observer of the given pattern as attached and
// returns the function that detaches it.
func TrackObserver(pattern string) func() {
	g := ObserversActive.WithLabelValues(pattern)
	g.Inc()
	return g.Dec
}
