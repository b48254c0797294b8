/*
Package cache stores map tiles in a blob store.

A Cache turns each tile coordinate into a flat storage key (see internal/layout) and moves
tile payloads to and from a types.BlobStore. It keeps no tiles of its own; every call works
on the Tile values the caller passes in and fills their fields in place.

# Operations

	IsCached / Probe        metadata-only existence check
	LoadTileMetadata        populate timestamp and size if unknown
	LoadTile / Fetch        download a missing tile
	LoadTiles / FetchTiles  bulk download on the reader pool
	StoreTile / StoreTiles  upload, content type image/{ext}, overwrite
	RemoveTile              idempotent delete

# Read path

Reads never fail loudly. IsCached, LoadTile and LoadTiles collapse every store error into
false and leave the tile as it was. Callers that need to tell a miss from an outage use
the tagged variants, which return an Outcome:

	Found           tile populated
	NotFound        key absent (logged at debug)
	TransientError  network or service failure (logged at warn)
	Fatal           access, credential or bucket misconfiguration (logged at error)

# Write path

StoreTile and RemoveTile return store errors to the caller. StoreTile is a no-op once
tile.Stored is set, so storing the same Tile value twice uploads once. StoreTiles attempts
every tile and returns the combined per-tile errors (go.uber.org/multierr).

# Concurrency

Bulk calls run on two reusable executors from internal/batch: reads are bounded by
ConcurrentReaders (default 10), writes by ConcurrentWriters (default 8), and neither runs
more tasks than the batch holds. Each tile is touched by exactly one task. The blob store
is shared by all tasks and must be safe for concurrent use.

Example:

	c, err := cache.New(store, cache.Config{
		BasePath:        "tiles/osm",
		FileExt:         "png",
		DirectoryLayout: "quadkey",
	}, cache.WithLogger(logger))
	if err != nil {
		return err
	}

	tiles := []*types.Tile{types.NewTile(1, 1, 1), types.NewTile(0, 1, 1)}
	if !c.LoadTiles(ctx, tiles) {
		// render the missing ones, then
		err = c.StoreTiles(ctx, rendered)
	}
*/
package cache
