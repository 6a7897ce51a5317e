/*
Package config provides configuration management for tiercache.

Configuration is layered, lowest priority first: compiled-in defaults
(NewDefault), a YAML file (LoadFromFile), an optional .env file loaded into
the process environment (LoadDotEnv), and TIERCACHE_* environment variables
(LoadFromEnv). Validate must be called before the configuration is used.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tiercache/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

A minimal YAML file:

	global:
	  log_level: INFO
	  log_format: json
	cache:
	  l1_max_size: 10000
	  l1_eviction_policy: lru
	  l2_cache_path: /var/lib/tiercache/l2.snapshot
	  l2_max_size: 50000
	  l3_cache_dir: /var/lib/tiercache/l3
	  l3_max_size: 100000
	  l3_compression: true
	  l3_backend: file
	  l3_compaction_schedule: "@every 10m"
	  enable_preloading: true
	  preload_workers: 4
	  sync_interval: 30s

Durations use Go duration syntax ("30s", "5m"). Eviction policies are
lru, lfu, fifo and random. The cold tier backend is file, s3 or redis; the
s3 and redis backends read l3_s3 and l3_redis respectively.
*/
package config
