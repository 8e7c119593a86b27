// File: internal/metrics/collector.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector gathers engine counters for Prometheus. A nil *Collector is a
// valid no-op, so the engine never guards call sites.
type Collector struct {
	registry *prometheus.Registry

	operationCounter *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	txCommits        prometheus.Counter
	txAborts         prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
}

// NewCollector creates a collector registered on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xfs",
			Name:      "operations_total",
			Help:      "Namespace operations by name",
		}, []string{"op"}),
		errorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xfs",
			Name:      "operation_errors_total",
			Help:      "Failed namespace operations by name",
		}, []string{"op"}),
		txCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Name: "transaction_commits_total",
			Help: "Committed transactions",
		}),
		txAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Name: "transaction_aborts_total",
			Help: "Aborted transactions",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Subsystem: "buffer_cache", Name: "hits_total",
			Help: "Buffer cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Subsystem: "buffer_cache", Name: "misses_total",
			Help: "Buffer cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Subsystem: "buffer_cache", Name: "evictions_total",
			Help: "Buffers evicted from the clean cache",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Name: "device_read_bytes_total",
			Help: "Bytes read from the backing store",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfs", Name: "device_written_bytes_total",
			Help: "Bytes written to the backing store",
		}),
	}
	c.registry.MustRegister(c.operationCounter, c.errorCounter,
		c.txCommits, c.txAborts, c.cacheHits, c.cacheMisses,
		c.cacheEvictions, c.bytesRead, c.bytesWritten)
	return c
}

// Registry exposes the registry for promhttp handlers in the wrapper.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Operation records one namespace operation; failed marks it as errored.
func (c *Collector) Operation(op string, failed bool) {
	if c == nil {
		return
	}
	c.operationCounter.WithLabelValues(op).Inc()
	if failed {
		c.errorCounter.WithLabelValues(op).Inc()
	}
}

// TxCommit records a committed transaction.
func (c *Collector) TxCommit() {
	if c == nil {
		return
	}
	c.txCommits.Inc()
}

// TxAbort records an aborted transaction.
func (c *Collector) TxAbort() {
	if c == nil {
		return
	}
	c.txAborts.Inc()
}

// CacheHit records a buffer-cache hit.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// CacheMiss records a buffer-cache miss.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// CacheEviction records a clean-buffer eviction.
func (c *Collector) CacheEviction() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

// DeviceRead records bytes read from the backing store.
func (c *Collector) DeviceRead(n int) {
	if c == nil {
		return
	}
	c.bytesRead.Add(float64(n))
}

// DeviceWrite records bytes written to the backing store.
func (c *Collector) DeviceWrite(n int) {
	if c == nil {
		return
	}
	c.bytesWritten.Add(float64(n))
}
