/*
Package s3 is the AWS S3 BlobStore used when tiles live in a bucket.

Each tile key maps to one object. GetProperties is a HeadObject, Download a GetObject
whose body is streamed to the caller, Upload a PutObject (or a CargoShip transfer when
enabled), and Delete a DeleteObject. SDK failures are translated into pkg/errors codes so
the tile cache can tell a cache miss from a misconfigured bucket:

	NoSuchKey, NotFound             OBJECT_NOT_FOUND
	NoSuchBucket                    BUCKET_NOT_FOUND
	AccessDenied, 403               ACCESS_DENIED
	InvalidAccessKeyId, no creds    CREDENTIALS_MISSING
	SlowDown, 5xx                   SERVICE_UNAVAILABLE
	anything else                   NETWORK_ERROR

Transient codes are retried with pkg/retry before they reach the cache.

# Usage

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "tiles"
	cfg.Region = "eu-west-1"

	store, err := s3.New(ctx, cfg, s3.WithLogger(logger))
	if err != nil {
		return err
	}

S3-compatible services such as MinIO work with Endpoint and ForcePathStyle set.
*/
package s3
