package redis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scanworker",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, 1},
		},
		[]string{"operation"},
	)

	opErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanworker",
			Subsystem: "redis",
			Name:      "operation_errors_total",
			Help:      "Redis operations that returned an error",
		},
		[]string{"operation"},
	)

	submitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanworker",
			Subsystem: "redis",
			Name:      "ratelimit_decisions_total",
			Help:      "Submit limiter decisions by limiter and outcome",
		},
		[]string{"limiter", "outcome"},
	)

	reconcileMarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scanworker",
			Subsystem: "redis",
			Name:      "reconcile_marks_total",
			Help:      "Reconcile marker attempts by result (marked, duplicate)",
		},
		[]string{"result"},
	)
)

func observe(operation string, start time.Time, err error) {
	opDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		opErrors.WithLabelValues(operation).Inc()
	}
}

func recordDecision(limiter string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	submitDecisions.WithLabelValues(limiter, outcome).Inc()
}

func recordMark(fresh bool) {
	result := "duplicate"
	if fresh {
		result = "marked"
	}
	reconcileMarks.WithLabelValues(result).Inc()
}

// poolCollector exports go-redis pool statistics at scrape time.
type poolCollector struct {
	client *Client

	hits     *prometheus.Desc
	misses   *prometheus.Desc
	timeouts *prometheus.Desc
	total    *prometheus.Desc
	idle     *prometheus.Desc
}

// NewPoolCollector returns a collector for the client's connection pool.
// Register it once per process.
func NewPoolCollector(c *Client) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("scanworker", "redis", name), help, nil, nil)
	}
	return &poolCollector{
		client:   c,
		hits:     desc("pool_hits_total", "Times a free connection was found in the pool"),
		misses:   desc("pool_misses_total", "Times no free connection was found in the pool"),
		timeouts: desc("pool_timeouts_total", "Times a wait for a connection timed out"),
		total:    desc("pool_connections", "Connections in the pool"),
		idle:     desc("pool_idle_connections", "Idle connections in the pool"),
	}
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.hits
	ch <- p.misses
	ch <- p.timeouts
	ch <- p.total
	ch <- p.idle
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.client.client.PoolStats()
	ch <- prometheus.MustNewConstMetric(p.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(p.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(p.timeouts, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(p.total, prometheus.GaugeValue, float64(s.TotalConns))
	ch <- prometheus.MustNewConstMetric(p.idle, prometheus.GaugeValue, float64(s.IdleConns))
}
