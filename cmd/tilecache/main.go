// Command tilecache inspects and edits a tile cache kept in a blob store.
//
//	tilecache -s s3://tile-bucket/osm probe 3/1/2
//	tilecache -s s3://tile-bucket/osm get -o tile.png 3/1/2
//	tilecache -s redis://localhost:6379/0 -l quadkey put 3/1/2 tile.png
//	tilecache -l arcgis key 12/2048/1361
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}
