package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/types"
)

// StatsSource is anything that can report aggregate cache statistics.
type StatsSource interface {
	Stats() types.AggregateStats
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector exports cache statistics to Prometheus. Counters are read from
// the source on every scrape, so the exported values always match Stats().
type Collector struct {
	mu       sync.Mutex
	config   *Config
	source   StatsSource
	registry *prometheus.Registry
	logger   *zap.Logger

	gets, hits, misses, sets, deletes, clears *prometheus.Desc
	promotions, promotionFailures, preloaded  *prometheus.Desc
	writeFailures, syncs, syncFailures        *prometheus.Desc
	lastSync, hitRatio                        *prometheus.Desc

	tierEntries, tierCapacity, tierBytes      *prometheus.Desc
	tierHits, tierMisses, tierEvictions       *prometheus.Desc
	tierExpirations, tierErrors, tierHitRatio *prometheus.Desc

	operationDuration *prometheus.HistogramVec

	server *http.Server
}

// NewCollector creates a collector over source and registers it, together
// with the Go runtime and process collectors, in a private registry.
func NewCollector(source StatsSource, config *Config, logger *zap.Logger) (*Collector, error) {
	if source == nil {
		return nil, fmt.Errorf("stats source is required")
	}
	if config == nil {
		config = &Config{Enabled: true, Port: 9090, Path: "/metrics"}
	}
	if config.Namespace == "" {
		config.Namespace = "tiercache"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:   config,
		source:   source,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	c.initDescs()

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of cache operations served over HTTP",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16), // 50µs to ~1.6s
		},
		[]string{"operation", "status"},
	)

	for _, m := range []prometheus.Collector{
		c,
		c.operationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) initDescs() {
	ns := c.config.Namespace
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, labels, nil)
	}

	c.gets = desc("gets_total", "Total number of cache reads")
	c.hits = desc("hits_total", "Cache reads answered by a tier", "tier")
	c.misses = desc("misses_total", "Cache reads answered by no tier")
	c.sets = desc("sets_total", "Total number of cache writes")
	c.deletes = desc("deletes_total", "Total number of cache deletes")
	c.clears = desc("clears_total", "Total number of cache clears")
	c.promotions = desc("promotions_total", "Entries copied into a faster tier on read")
	c.promotionFailures = desc("promotion_failures_total", "Promotions a faster tier refused")
	c.preloaded = desc("preloaded_total", "Entries loaded by preloading")
	c.writeFailures = desc("write_failures_total", "Writes a tier below L1 failed to apply", "tier")
	c.syncs = desc("syncs_total", "Warm tier snapshot syncs")
	c.syncFailures = desc("sync_failures_total", "Warm tier snapshot syncs that failed")
	c.lastSync = desc("last_sync_timestamp_seconds", "Unix time of the last sync")
	c.hitRatio = desc("hit_ratio", "Hits over gets across all tiers")

	c.tierEntries = desc("tier_entries", "Live entries in a tier", "tier", "backend")
	c.tierCapacity = desc("tier_capacity", "Maximum entries in a tier", "tier", "backend")
	c.tierBytes = desc("tier_bytes", "Bytes held by a tier on disk or remote storage", "tier", "backend")
	c.tierHits = desc("tier_hits_total", "Lookups a tier answered", "tier", "backend")
	c.tierMisses = desc("tier_misses_total", "Lookups a tier could not answer", "tier", "backend")
	c.tierEvictions = desc("tier_evictions_total", "Entries evicted for capacity", "tier", "backend")
	c.tierExpirations = desc("tier_expirations_total", "Entries dropped after their TTL", "tier", "backend")
	c.tierErrors = desc("tier_errors_total", "Read and decode errors inside a tier", "tier", "backend")
	c.tierHitRatio = desc("tier_hit_ratio", "Hits over lookups for a tier", "tier", "backend")
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.gets, c.hits, c.misses, c.sets, c.deletes, c.clears,
		c.promotions, c.promotionFailures, c.preloaded,
		c.writeFailures, c.syncs, c.syncFailures, c.lastSync, c.hitRatio,
		c.tierEntries, c.tierCapacity, c.tierBytes, c.tierHits, c.tierMisses,
		c.tierEvictions, c.tierExpirations, c.tierErrors, c.tierHitRatio,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.gets, st.Gets)
	counter(c.hits, st.L1Hits, "L1")
	counter(c.hits, st.L2Hits, "L2")
	counter(c.hits, st.L3Hits, "L3")
	counter(c.misses, st.Misses)
	counter(c.sets, st.Sets)
	counter(c.deletes, st.Deletes)
	counter(c.clears, st.Clears)
	counter(c.promotions, st.Promotions)
	counter(c.promotionFailures, st.PromotionFailures)
	counter(c.preloaded, st.Preloaded)
	for _, level := range []string{"L2", "L3"} {
		counter(c.writeFailures, st.WriteFailures[level], level)
	}
	counter(c.syncs, st.Syncs)
	counter(c.syncFailures, st.SyncFailures)
	if !st.LastSync.IsZero() {
		gauge(c.lastSync, float64(st.LastSync.UnixNano())/float64(time.Second))
	}
	gauge(c.hitRatio, st.HitRate)

	for _, ts := range st.Tiers {
		gauge(c.tierEntries, float64(ts.Entries), ts.Level, ts.Name)
		gauge(c.tierCapacity, float64(ts.MaxEntries), ts.Level, ts.Name)
		gauge(c.tierBytes, float64(ts.Bytes), ts.Level, ts.Name)
		counter(c.tierHits, ts.Hits, ts.Level, ts.Name)
		counter(c.tierMisses, ts.Misses, ts.Level, ts.Name)
		counter(c.tierEvictions, ts.Evictions, ts.Level, ts.Name)
		counter(c.tierExpirations, ts.Expirations, ts.Level, ts.Name)
		counter(c.tierErrors, ts.Errors, ts.Level, ts.Name)
		gauge(c.tierHitRatio, ts.HitRate, ts.Level, ts.Name)
	}
}

// RecordOperation observes the duration of one served operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.operationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves Handler on the configured port until Stop is called
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := c.server
	c.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	c.logger.Info("metrics server started",
		zap.Int("port", c.config.Port),
		zap.String("path", c.config.Path))
	return nil
}

// Stop shuts down the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
