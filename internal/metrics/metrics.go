// Package metrics counts job outcomes, cache traffic and lock waits for a
// run and writes them in the node exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"localci/internal/report"
)

// Collector owns a private registry so runs never share state.
type Collector struct {
	Registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	cacheOps    *prometheus.CounterVec
	lockWait    *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		Registry: reg,
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localci_jobs_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"stage", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localci_job_duration_seconds",
			Help:    "Wall time of finished jobs, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localci_job_retries_total",
			Help: "Failed attempts that were retried.",
		}, []string{"job"}),
		cacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localci_cache_operations_total",
			Help: "Cache pulls and pushes by result.",
		}, []string{"op", "result"}),
		lockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localci_lock_wait_seconds",
			Help:    "Time spent waiting for a shared key.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
	}
}

// Emit consumes status events.
func (c *Collector) Emit(e report.Event) {
	if e.Type != report.StatusEvent {
		return
	}
	switch e.Status {
	case "success", "failed", "skipped":
		c.jobs.WithLabelValues(e.Stage, e.Status).Inc()
		if e.Duration > 0 {
			c.jobDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
		}
	case "retry":
		c.retries.WithLabelValues(e.Job).Inc()
	}
}

// ObserveCache matches transfer.Store.Observe.
func (c *Collector) ObserveCache(op, result string) {
	c.cacheOps.WithLabelValues(op, result).Inc()
}

// ObserveLock matches mutex.Manager.OnAcquire. Keys are labelled by their
// kind prefix to keep cardinality low.
func (c *Collector) ObserveLock(key string, waited time.Duration) {
	c.lockWait.WithLabelValues(kindOf(key)).Observe(waited.Seconds())
}

func kindOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return "other"
}

// WriteFile writes every metric to path.
func (c *Collector) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, c.Registry)
}
