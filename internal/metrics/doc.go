/*
Package metrics exports multi-layer cache statistics to Prometheus.

# Overview

Collector implements prometheus.Collector directly over a StatsSource (the
cache). Nothing is counted twice: every scrape calls Stats() and converts the
snapshot into const metrics, so the exported values always agree with what
the admin API reports.

	┌─────────────────┐   Stats()   ┌──────────────┐
	│ MultiLayerCache │ ◄────────── │  Collector   │
	└─────────────────┘             └──────┬───────┘
	                                       │ registry
	                               ┌───────▼───────┐
	                               │ /metrics      │
	                               └───────────────┘

# Exported series

Aggregate counters (namespace "tiercache"): gets_total, hits_total{tier},
misses_total, sets_total, deletes_total, clears_total, promotions_total,
promotion_failures_total, preloaded_total, write_failures_total{tier},
syncs_total, sync_failures_total, plus the hit_ratio and
last_sync_timestamp_seconds gauges.

Per tier, labelled by level and backend: tier_entries, tier_capacity,
tier_bytes, tier_hits_total, tier_misses_total, tier_evictions_total,
tier_expirations_total, tier_errors_total and tier_hit_ratio.

The registry also carries the Go runtime and process collectors and an
operation_duration_seconds histogram fed by the HTTP API.

# Usage

	collector, err := metrics.NewCollector(cache, &metrics.Config{
		Enabled: true,
		Port:    9090,
		Path:    "/metrics",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())
*/
package metrics
