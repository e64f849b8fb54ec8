package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Match end reasons used as the "reason" label.
const (
	EndReasonReported = "reported"
	EndReasonForfeit  = "forfeit"
)

var (
	registerOnce sync.Once

	connectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockbattle",
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Websocket connections currently open.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockbattle",
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Authenticated connection sessions in the live registry.",
		},
	)
	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockbattle",
			Subsystem: "server",
			Name:      "inbound_messages_total",
			Help:      "Inbound envelopes by type.",
		},
		[]string{"type"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockbattle",
			Subsystem: "matchmaking",
			Name:      "queue_depth",
			Help:      "Sessions waiting for an opponent.",
		},
	)
	matchesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blockbattle",
			Subsystem: "match",
			Name:      "active",
			Help:      "Matches started and not yet ended.",
		},
	)
	matchesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockbattle",
			Subsystem: "match",
			Name:      "started_total",
			Help:      "Matches started.",
		},
	)
	matchesEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockbattle",
			Subsystem: "match",
			Name:      "ended_total",
			Help:      "Matches ended by reason.",
		},
		[]string{"reason"},
	)
	commitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockbattle",
			Subsystem: "match",
			Name:      "result_commit_failures_total",
			Help:      "Finished matches whose result could not be stored.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockbattle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, and status.",
		},
		[]string{"method", "path", "status"},
	)
	matchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "blockbattle",
			Subsystem: "match",
			Name:      "duration_seconds",
			Help:      "Match duration in seconds.",
			Buckets:   []float64{30, 60, 120, 180, 240, 300, 600},
		},
	)
)

// RegisterMetrics registers every collector with the default registry exactly once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsOpen, sessionsActive, inboundMessages, queueDepth,
			matchesActive, matchesStarted, matchesEnded, commitFailures, matchDuration,
			httpRequests,
		)
	})
}

// ConnectionOpened records a newly accepted websocket.
func ConnectionOpened() {
	RegisterMetrics()
	connectionsOpen.Inc()
}

// ConnectionClosed records a websocket teardown.
func ConnectionClosed() {
	RegisterMetrics()
	connectionsOpen.Dec()
}

// SetSessionsActive publishes the size of the live session registry.
func SetSessionsActive(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

// RecordInbound counts one decoded inbound envelope.
func RecordInbound(msgType string) {
	RegisterMetrics()
	inboundMessages.WithLabelValues(msgType).Inc()
}

// SetQueueDepth publishes the matchmaking queue length.
func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}

// RecordMatchStarted counts a room that sent game_start.
func RecordMatchStarted() {
	RegisterMetrics()
	matchesStarted.Inc()
	matchesActive.Inc()
}

// RecordMatchEnded counts a room that reached its terminal state.
func RecordMatchEnded(reason string, durationSeconds int) {
	RegisterMetrics()
	matchesEnded.WithLabelValues(reason).Inc()
	matchesActive.Dec()
	matchDuration.Observe(float64(durationSeconds))
}

// RecordCommitFailure counts a match result that did not reach storage.
func RecordCommitFailure() {
	RegisterMetrics()
	commitFailures.Inc()
}

// RecordHTTPRequest counts one served HTTP request.
func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// PoolStatsFunc reports database pool connection counts.
type PoolStatsFunc func() (total, idle, acquired int32)

var poolOnce sync.Once

// RegisterPoolStats publishes stats as blockbattle_db_connections{state} on
// every scrape. Only the first call registers.
func RegisterPoolStats(stats PoolStatsFunc) {
	poolOnce.Do(func() {
		prometheus.MustRegister(newPoolCollector(stats))
	})
}

type poolCollector struct {
	desc  *prometheus.Desc
	stats PoolStatsFunc
}

func newPoolCollector(stats PoolStatsFunc) *poolCollector {
	return &poolCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName("blockbattle", "db", "connections"),
			"Database pool connections by state.",
			[]string{"state"}, nil,
		),
		stats: stats,
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.stats()
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(total), "total")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(acquired), "acquired")
}
