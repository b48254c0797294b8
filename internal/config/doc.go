/*
Package config loads the tile cache configuration from defaults, a YAML file and the
environment, in that order of increasing precedence.

# Sources

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("tilecache.yaml"); err != nil {
		return err
	}
	_ = config.LoadDotEnv()
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Environment variables carry the TILECACHE_ prefix followed by the section prefix:

	TILECACHE_LOG_LEVEL=DEBUG
	TILECACHE_CACHE_BASE_PATH=tiles/osm
	TILECACHE_CACHE_DIRECTORY_LAYOUT=quadkey
	TILECACHE_CACHE_CONCURRENT_READERS=32
	TILECACHE_STORAGE_BACKEND=s3
	TILECACHE_STORAGE_S3_BUCKET=tile-bucket
	TILECACHE_STORAGE_S3_RETRY_MAX_ATTEMPTS=5
	TILECACHE_STORAGE_REDIS_ADDR=cache:6379
	TILECACHE_STORAGE_BREAKER_ENABLED=true
	TILECACHE_METRICS_ENABLED=true
	TILECACHE_HEALTH_CHECK_INTERVAL=15s

# File format

	global:
	  log_level: INFO
	  log_format: json
	cache:
	  base_path: tiles/osm
	  file_ext: png
	  directory_layout: tms
	  concurrent_writers: 8
	  concurrent_readers: 10
	storage:
	  backend: s3
	  s3:
	    bucket: tile-bucket
	    region: eu-west-1
	    retry:
	      max_attempts: 3
	      initial_delay: 100ms
	  breaker:
	    enabled: true
	    failure_threshold: 5
	    open_timeout: 30s
	monitoring:
	  metrics:
	    enabled: true
	    port: 9090
	  health:
	    enabled: true
	    health_check_interval: 30s
	    path: /healthz

Validate checks every section, including that the layout name, base path and file
extension would produce a usable key scheme.
*/
package config
