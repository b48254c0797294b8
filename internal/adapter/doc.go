/*
Package adapter wires a tile cache together from a configuration.

An Adapter resolves the storage URI, builds the zap logger and the Prometheus collector,
opens the configured blob store and creates the cache on top of it:

	cfg := config.NewDefault()
	a, err := adapter.New(ctx, "s3://tile-bucket/cache/osm", cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	tile := types.NewTile(1, 2, 3)
	if a.Cache().LoadTile(ctx, tile) {
		// tile.Source holds the cached bytes
	}

Supported URIs are memory://[path], s3://bucket[/path] and redis://host:port[/db]. The URI
path becomes the cache base path unless the configuration already sets one.

With monitoring.health enabled the adapter probes the store in the background and serves
the report at monitoring.health.path on the metrics port. A missing probe tile counts as
healthy; only failures to reach the store degrade it.

Start and Stop are not reentrant: starting twice or stopping an adapter that is not running
returns an error.
*/
package adapter
