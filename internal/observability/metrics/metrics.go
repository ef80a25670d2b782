package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "cito_"

	resultSuccess  = "success"
	resultError    = "error"
	resultRejected = "rejected"
	resultDropped  = "dropped"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestRejected *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	incidentEventsTotal *prometheus.CounterVec
	dedupConflicts      prometheus.Counter

	queueMessages *prometheus.CounterVec

	notifyTotal *prometheus.CounterVec

	teamIncidents *prometheus.GaugeVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_reports_total",
				Help: "Total event reports by result",
			},
			[]string{"result"},
		)
		ingestRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rejected_total",
				Help: "Total rejected event reports by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Event report processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		incidentEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "incident_events_total",
				Help: "Total incident lifecycle events by type",
			},
			[]string{"event"},
		)
		dedupConflicts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dedup_conflicts_total",
				Help: "Find-or-create attempts retried after a concurrent write",
			},
		)

		queueMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "queue_messages_total",
				Help: "Queue messages consumed by source and result",
			},
			[]string{"source", "result"},
		)

		notifyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Outgoing incident notifications by channel and result",
			},
			[]string{"channel", "result"},
		)

		teamIncidents = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "team_incidents",
				Help: "Incidents per team by status (cleared covers the last 24h)",
			},
			[]string{"team", "status"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestRejected,
			ingestLatency,
			incidentEventsTotal,
			dedupConflicts,
			queueMessages,
			notifyTotal,
			teamIncidents,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records report processing duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestRejected increments the rejected report counter.
func IncIngestRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestRejected != nil {
		ingestRejected.WithLabelValues(reason).Inc()
	}
}

// IncIncidentEvent increments incident lifecycle counters.
func IncIncidentEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if incidentEventsTotal != nil {
		incidentEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncDedupConflict counts a retried find-or-create.
func IncDedupConflict() {
	if dedupConflicts != nil {
		dedupConflicts.Inc()
	}
}

// IncQueueMessage counts a consumed queue message.
func IncQueueMessage(source, result string) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if queueMessages != nil {
		queueMessages.WithLabelValues(source, result).Inc()
	}
}

// IncNotification counts an outgoing notification.
func IncNotification(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notifyTotal != nil {
		notifyTotal.WithLabelValues(channel, result).Inc()
	}
}

// SetTeamIncidents publishes the incident count of a team for one status.
func SetTeamIncidents(team, status string, count int) {
	if team == "" {
		team = "all"
	}
	if count < 0 {
		count = 0
	}
	if teamIncidents != nil {
		teamIncidents.WithLabelValues(team, status).Set(float64(count))
	}
}

// Exported constants for callers.
const (
	IngestResultSuccess  = resultSuccess
	IngestResultError    = resultError
	IngestResultRejected = resultRejected
	ResultSuccess        = resultSuccess
	ResultError          = resultError
	ResultDropped        = resultDropped
)
