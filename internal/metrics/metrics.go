package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dashboard's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	ActiveCalls       prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	ViewersActive     prometheus.Gauge
	ViewerRemovals    *prometheus.CounterVec
	DispositionWrites *prometheus.CounterVec
	ArchiveJobs       *prometheus.CounterVec
	QueueLength       prometheus.Gauge
}

// New registers every collector on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "call_dashboard"
	}
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound voice-agent events by kind and outcome",
		},
		[]string{"kind", "result"},
	)
	activeCalls := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Calls currently in the active set",
	})
	messagesPublished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Messages fanned out to viewers by type",
		},
		[]string{"type"},
	)
	viewersActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "viewers_active",
		Help:      "Subscribed viewer connections",
	})
	viewerRemovals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_removals_total",
			Help:      "Viewer connections removed by reason",
		},
		[]string{"reason"},
	)
	dispositionWrites := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disposition_writes_total",
			Help:      "Disposition updates by disposition and outcome",
		},
		[]string{"disposition", "result"},
	)
	archiveJobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_jobs_total",
			Help:      "Completed-call archive writes by outcome",
		},
		[]string{"result"},
	)
	queueLength := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "archive_queue_length",
		Help:      "Archive jobs waiting for a worker",
	})

	registry.MustRegister(
		eventsTotal,
		activeCalls,
		messagesPublished,
		viewersActive,
		viewerRemovals,
		dispositionWrites,
		archiveJobs,
		queueLength,
	)

	return &Metrics{
		registry:          registry,
		EventsTotal:       eventsTotal,
		ActiveCalls:       activeCalls,
		MessagesPublished: messagesPublished,
		ViewersActive:     viewersActive,
		ViewerRemovals:    viewerRemovals,
		DispositionWrites: dispositionWrites,
		ArchiveJobs:       archiveJobs,
		QueueLength:       queueLength,
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEvent(kind, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) RecordPublish(msgType string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ViewerAdded() {
	if m == nil {
		return
	}
	m.ViewersActive.Inc()
}

// ViewerRemoved decrements the live gauge and counts the reason.
func (m *Metrics) ViewerRemoved(reason string) {
	if m == nil {
		return
	}
	m.ViewersActive.Dec()
	m.ViewerRemovals.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDisposition(disposition string, err error) {
	if m == nil {
		return
	}
	m.DispositionWrites.WithLabelValues(disposition, result(err)).Inc()
}

func (m *Metrics) RecordArchive(err error) {
	if m == nil {
		return
	}
	m.ArchiveJobs.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
