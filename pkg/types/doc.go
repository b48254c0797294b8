/*
Package types defines the tile entity and the blob store contract shared by the tile cache
and its storage backends.

# Tiles

A Tile is addressed by a maptile.Tile coordinate (column X, row Y, zoom Z). The tile cache
fills in the remaining fields as it talks to the blob store:

	Timestamp  last modification time, UTC, whole seconds; zero when unknown
	Size       byte length reported by the store
	Source     the encoded image bytes
	Stored     set once this Tile value has been written successfully

A tile with neither a timestamp nor a source is missing. Loading or storing populates it;
nothing in the cache clears these fields again.

# Blob stores

BlobStore is the narrow key/value surface the cache consumes: properties, download, upload
and delete by flat string key. Implementations live under internal/storage (S3, Redis and an
in-memory store) and must:

 1. be safe for concurrent use by many workers
 2. report a missing key with errors.ErrCodeObjectNotFound
 3. treat Delete of a missing key as success
 4. always overwrite on Upload

Transport retries belong to the implementation, not to the cache.
*/
package types
