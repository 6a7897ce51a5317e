/*
Package s3 provides an S3 backed cold tier for the multi-layer cache.

Each cache key is stored as one object named <prefix><url-escaped key>. The
object body is the same record the file tier writes (key, codec bytes,
timestamps and a checksum, optionally gzip-compressed), so entries can be
moved between backends with plain copy tools.

# Layout

	┌──────────────────────────────┐
	│        MultiLayerCache       │
	└──────────────────────────────┘
	               │ types.Tier
	┌──────────────────────────────┐
	│  Tier (index + eviction)     │
	│  circuit breaker + timeouts  │
	└──────────────────────────────┘
	               │ API
	┌──────────────────────────────┐
	│  *s3.Client / compatible     │
	└──────────────────────────────┘

The index is rebuilt from ListObjectsV2 at startup, oldest object first, so
the eviction order survives restarts for FIFO. Expiry deadlines are only
known for entries written by the running process; others are checked when
read.

Remote failures are wrapped as REMOTE_OPERATION errors. After repeated
failures the circuit breaker opens and calls fail fast with
REMOTE_UNAVAILABLE until the breaker half-opens. Missing objects do not
count as failures.

# Configuration

	cache:
	  l3_backend: s3
	  l3_s3:
	    bucket: my-cache
	    region: us-east-1
	    prefix: tiercache/
	    endpoint: http://localhost:9000   # MinIO, LocalStack
	    use_path_style: true
	    request_timeout: 5s
*/
package s3
