// ============================================================================
// framequeue Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: queue counters, gauges and histograms, plus timed lock acquisition
//
// Metric families:
//
//   1. Counters (monotonic):
//      - framequeue_frames_appended_total
//      - framequeue_tasks_dispatched_total
//      - framequeue_results_filed_total
//      - framequeue_results_dud_total
//      - framequeue_tasks_reclaimed_total
//      - framequeue_rows_flushed_total{kind="fit"|"drift"}
//      - framequeue_flushes_total
//      - framequeue_frame_cache_lookups_total{result="hit"|"miss"}  worker-side frame cache
//
//   2. Histograms:
//      - framequeue_flush_seconds           batched result persistence latency
//      - framequeue_lock_wait_seconds{domain} time spent waiting on a storage domain lock
//
//   3. Gauges:
//      - framequeue_tasks_open
//      - framequeue_tasks_in_progress
//      - framequeue_tasks_completed
//
// Lock diagnostics:
//   Storage domains use a plain sync.Mutex. Contention is observed from the outside by
//   LockTimed, which records the wait and logs acquisitions slower than SlowLockThreshold.
//
// ============================================================================

package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = slog.Default()

// SlowLockThreshold is the wait after which a lock acquisition is logged.
const SlowLockThreshold = time.Second

// Collector Prometheus 指標收集器
type Collector struct {
	framesAppended  prometheus.Counter
	tasksDispatched prometheus.Counter
	resultsFiled    prometheus.Counter
	resultsDud      prometheus.Counter
	tasksReclaimed  prometheus.Counter
	rowsFlushed     *prometheus.CounterVec
	flushes         prometheus.Counter
	cacheLookups    *prometheus.CounterVec

	flushLatency prometheus.Histogram
	lockWait     *prometheus.HistogramVec

	tasksOpen       prometheus.Gauge
	tasksInProgress prometheus.Gauge
	tasksCompleted  prometheus.Gauge
}

// NewCollector creates the queue collector and registers it with reg.
// A nil reg leaves the metrics unregistered, which is what tests and embedded queues want.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		framesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_frames_appended_total",
			Help: "Total number of frames appended to the dataset",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_tasks_dispatched_total",
			Help: "Total number of tasks handed to workers",
		}),
		resultsFiled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_results_filed_total",
			Help: "Total number of non-dud results accepted into the result buffer",
		}),
		resultsDud: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_results_dud_total",
			Help: "Total number of dud results dropped",
		}),
		tasksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_tasks_reclaimed_total",
			Help: "Total number of in-progress tasks returned to the open set after their deadline",
		}),
		rowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framequeue_rows_flushed_total",
			Help: "Total number of result rows persisted, by kind",
		}, []string{"kind"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framequeue_flushes_total",
			Help: "Total number of non-empty result buffer flushes",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framequeue_frame_cache_lookups_total",
			Help: "Worker frame cache lookups, by result",
		}, []string{"result"}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framequeue_flush_seconds",
			Help:    "Latency of persisting one batch of buffered results",
			Buckets: prometheus.DefBuckets,
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framequeue_lock_wait_seconds",
			Help:    "Time spent waiting for a storage domain lock",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2.5, 5},
		}, []string{"domain"}),
		tasksOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framequeue_tasks_open",
			Help: "Current number of open (undispatched) tasks",
		}),
		tasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framequeue_tasks_in_progress",
			Help: "Current number of dispatched, unfiled tasks",
		}),
		tasksCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framequeue_tasks_completed",
			Help: "Number of tasks whose results have been flushed",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.framesAppended,
			c.tasksDispatched,
			c.resultsFiled,
			c.resultsDud,
			c.tasksReclaimed,
			c.rowsFlushed,
			c.flushes,
			c.cacheLookups,
			c.flushLatency,
			c.lockWait,
			c.tasksOpen,
			c.tasksInProgress,
			c.tasksCompleted,
		)
	}

	return c
}

// RecordAppend records n frames appended to the dataset.
func (c *Collector) RecordAppend(n int) { c.framesAppended.Add(float64(n)) }

// RecordDispatch records n tasks handed to workers.
func (c *Collector) RecordDispatch(n int) { c.tasksDispatched.Add(float64(n)) }

// RecordFiled records a non-dud result entering the buffer.
func (c *Collector) RecordFiled() { c.resultsFiled.Inc() }

// RecordDud records a dropped dud result.
func (c *Collector) RecordDud() { c.resultsDud.Inc() }

// RecordReclaimed records n tasks returned to the open set by the timeout sweep.
func (c *Collector) RecordReclaimed(n int) { c.tasksReclaimed.Add(float64(n)) }

// RecordFlush records one persisted batch.
func (c *Collector) RecordFlush(fitRows, driftRows int, took time.Duration) {
	c.flushes.Inc()
	c.rowsFlushed.WithLabelValues("fit").Add(float64(fitRows))
	c.rowsFlushed.WithLabelValues("drift").Add(float64(driftRows))
	c.flushLatency.Observe(took.Seconds())
}

// RecordCacheLookup records one worker frame cache lookup.
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(open, inProgress int, completed int64) {
	c.tasksOpen.Set(float64(open))
	c.tasksInProgress.Set(float64(inProgress))
	c.tasksCompleted.Set(float64(completed))
}

// LockTimed acquires l on behalf of the named storage domain, recording how long the
// caller waited. Waits above SlowLockThreshold are logged.
func (c *Collector) LockTimed(l sync.Locker, domain string) {
	start := time.Now()
	l.Lock()
	wait := time.Since(start)
	c.lockWait.WithLabelValues(domain).Observe(wait.Seconds())
	if wait > SlowLockThreshold {
		log.Warn("Slow lock acquisition", "domain", domain, "wait", wait)
	}
}

// Handler returns the Prometheus exposition handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
