package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partyctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "partyctl",
			Subsystem: "matchmaking",
			Name:      "queue_depth",
			Help:      "Clients waiting per party size.",
		},
		[]string{"party_size"},
	)
	groupsFormed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "matchmaking",
			Name:      "groups_formed_total",
			Help:      "Groups released from a queue.",
		},
		[]string{"party_size", "players", "trigger"},
	)
	groupWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partyctl",
			Subsystem: "matchmaking",
			Name:      "wait_seconds",
			Help:      "Time the first entry of a group spent queued.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		},
		[]string{"party_size"},
	)
	sessionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "partyctl",
			Subsystem: "spawner",
			Name:      "sessions_in_flight",
			Help:      "Matches submitted and not yet closed.",
		},
	)
	spawnerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "spawner",
			Name:      "panics_total",
			Help:      "Recovered panics in spawner workers.",
		},
	)
	matchesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "match",
			Name:      "closed_total",
			Help:      "Matches that reached closed, by outcome.",
		},
		[]string{"outcome"},
	)
	matchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "partyctl",
			Subsystem: "match",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to closed.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "match",
			Name:      "turns_total",
			Help:      "Completed turns by how they ended.",
		},
		[]string{"ended_by"},
	)
	callbackCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "callback",
			Name:      "calls_total",
			Help:      "Callbacks into clients by method and result.",
		},
		[]string{"method", "result"},
	)
	callbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partyctl",
			Subsystem: "callback",
			Name:      "duration_seconds",
			Help:      "Callback round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	sessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partyctl",
			Subsystem: "lobby",
			Name:      "session_starts_total",
			Help:      "StartSession calls by transport and status.",
		},
		[]string{"transport", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			queueDepth,
			groupsFormed,
			groupWait,
			sessionsInFlight,
			spawnerPanics,
			matchesClosed,
			matchDuration,
			turnsTotal,
			callbackCalls,
			callbackDuration,
			sessionStarts,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetQueueDepth(partySize, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(strconv.Itoa(partySize)).Set(float64(depth))
}

func RecordGroupFormed(partySize, players int, trigger string, waited time.Duration) {
	RegisterMetrics()
	size := strconv.Itoa(partySize)
	groupsFormed.WithLabelValues(size, strconv.Itoa(players), trigger).Inc()
	groupWait.WithLabelValues(size).Observe(waited.Seconds())
}

func SetSessionsInFlight(n int) {
	RegisterMetrics()
	sessionsInFlight.Set(float64(n))
}

func RecordSpawnerPanic() {
	RegisterMetrics()
	spawnerPanics.Inc()
}

func RecordMatchClosed(outcome string, duration time.Duration) {
	RegisterMetrics()
	matchesClosed.WithLabelValues(outcome).Inc()
	matchDuration.Observe(duration.Seconds())
}

func RecordTurn(endedBy string) {
	RegisterMetrics()
	turnsTotal.WithLabelValues(endedBy).Inc()
}

func RecordCallback(method, result string, duration time.Duration) {
	RegisterMetrics()
	callbackCalls.WithLabelValues(method, result).Inc()
	callbackDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordSessionStart(transport, status string) {
	RegisterMetrics()
	sessionStarts.WithLabelValues(transport, status).Inc()
}
