package main

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/objectfs/tilecache/internal/adapter"
	"github.com/objectfs/tilecache/internal/cache"
	"github.com/objectfs/tilecache/internal/config"
	"github.com/objectfs/tilecache/internal/layout"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/types"
)

const (
	// exitSuccess is the same as EXIT_SUCCESS in C
	exitSuccess = iota

	// exitBadArgs means the command line or configuration is unusable
	exitBadArgs

	// exitNotFound means at least one requested tile is not cached
	exitNotFound

	// exitFatal means the store rejected us: credentials, permissions or a missing bucket
	exitFatal

	// exitUnknown is a transient or unclassified failure
	exitUnknown
)

// exitError carries an exit code up to run. It deliberately does not implement
// cli.ExitCoder, which would make the cli package call os.Exit itself.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func badArgs(format string, args ...interface{}) error {
	return &exitError{code: exitBadArgs, err: fmt.Errorf(format, args...)}
}

func run(args []string, stdout, stderrW io.Writer) int {
	app := newApp(stdout)
	if err := app.Run(args); err != nil {
		fmt.Fprintln(stderrW, "Error:", err)
		return exitCode(err)
	}
	return exitSuccess
}

func exitCode(err error) int {
	var ee *exitError
	if stderr.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.IsNotFound(err):
		return exitNotFound
	case errors.IsConfiguration(err):
		return exitBadArgs
	case errors.IsFatal(err):
		return exitFatal
	default:
		return exitUnknown
	}
}

func newApp(stdout io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "tilecache"
	app.Usage = "Inspect and edit a map tile cache kept in a blob store"
	app.Version = "0.1.0"
	app.Writer = stdout

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config,c",
			Usage:  "YAML configuration file",
			EnvVar: "TILECACHE_CONFIG",
		},
		cli.StringFlag{
			Name:   "storage,s",
			Usage:  "Storage URI: memory://[path], s3://bucket[/path] or redis://host:port[/db]",
			EnvVar: "TILECACHE_STORAGE_URI",
		},
		cli.StringFlag{
			Name:  "layout,l",
			Usage: "Directory layout of the cache",
		},
		cli.StringFlag{
			Name:  "ext,e",
			Usage: "Tile file extension, e.g. png or jpg",
		},
		cli.StringFlag{
			Name:  "base,b",
			Usage: "Base path of the cache inside the store",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "One of DEBUG, INFO, WARN, ERROR",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "key",
			Usage:     "Print the storage key of tiles without touching the store",
			ArgsUsage: "<z/x/y>...",
			Action:    withArgCheck(1, handleKey),
		},
		{
			Name:      "probe",
			Usage:     "Report whether tiles are cached, with timestamp and size",
			ArgsUsage: "<z/x/y>...",
			Action:    withArgCheck(1, withCache(handleProbe)),
		},
		{
			Name:      "get",
			Usage:     "Write a cached tile to stdout or a file",
			ArgsUsage: "<z/x/y>",
			Action:    withArgCheck(1, withCache(handleGet)),
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output,o",
					Usage: "Write the tile to this file instead of stdout",
				},
			},
		},
		{
			Name:      "fetch",
			Usage:     "Load several tiles concurrently and report each outcome",
			ArgsUsage: "<z/x/y>...",
			Action:    withArgCheck(1, withCache(handleFetch)),
		},
		{
			Name:      "put",
			Usage:     "Store a file as a tile, replacing any cached copy",
			ArgsUsage: "<z/x/y> <file>",
			Action:    withArgCheck(2, withCache(handlePut)),
		},
		{
			Name:      "rm",
			Usage:     "Remove tiles from the cache",
			ArgsUsage: "<z/x/y>...",
			Action:    withArgCheck(1, withCache(handleRemove)),
		},
		{
			Name:   "layouts",
			Usage:  "List the supported directory layouts",
			Action: handleLayouts,
		},
	}

	return app
}

func withArgCheck(min int, handler func(*cli.Context) error) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		if ctx.NArg() < min {
			return badArgs("%s needs at least %d argument(s): %s", ctx.Command.Name, min, ctx.Command.ArgsUsage)
		}
		return handler(ctx)
	}
}

// loadConfig layers defaults, the config file, .env, the environment and global flags
func loadConfig(ctx *cli.Context) (*config.Configuration, error) {
	cfg := config.NewDefault()
	cfg.Global.LogLevel = "WARN"
	cfg.Global.LogFormat = "console"

	if path := ctx.GlobalString("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, badArgs("%v", err)
		}
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, badArgs("%v", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, badArgs("%v", err)
	}

	if v := ctx.GlobalString("layout"); v != "" {
		cfg.Cache.DirectoryLayout = v
	}
	if v := ctx.GlobalString("ext"); v != "" {
		cfg.Cache.FileExt = v
	}
	if v := ctx.GlobalString("base"); v != "" {
		cfg.Cache.BasePath = v
	}
	if v := ctx.GlobalString("log-level"); v != "" {
		cfg.Global.LogLevel = v
	}
	return cfg, nil
}

type cacheHandler func(ctx context.Context, c *cli.Context, tc *cache.Cache) error

func withCache(handler cacheHandler) func(*cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := adapter.New(ctx, c.GlobalString("storage"), cfg)
		if err != nil {
			return badArgs("%v", err)
		}
		if err := a.Start(ctx); err != nil {
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout)
		defer cancel()
		defer a.Stop(shutdownCtx)

		return handler(ctx, c, a.Cache())
	}
}

func parseTiles(args []string) ([]*types.Tile, error) {
	tiles := make([]*types.Tile, 0, len(args))
	for _, arg := range args {
		tile, err := types.ParseTile(arg)
		if err != nil {
			return nil, badArgs("%v", err)
		}
		tiles = append(tiles, tile)
	}
	return tiles, nil
}

func handleKey(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if uri := c.GlobalString("storage"); uri != "" {
		basePath, err := cfg.Storage.ApplyURI(uri)
		if err != nil {
			return badArgs("%v", err)
		}
		if cfg.Cache.BasePath == "" {
			cfg.Cache.BasePath = basePath
		}
	}

	scheme, err := layout.New(cfg.Cache.DirectoryLayout, cfg.Cache.BasePath, cfg.Cache.FileExt)
	if err != nil {
		return badArgs("%v", err)
	}

	tiles, err := parseTiles(c.Args())
	if err != nil {
		return err
	}
	for _, tile := range tiles {
		fmt.Fprintln(c.App.Writer, scheme.Key(tile.Coord))
	}
	return nil
}

func handleProbe(ctx context.Context, c *cli.Context, tc *cache.Cache) error {
	tiles, err := parseTiles(c.Args())
	if err != nil {
		return err
	}

	missing := 0
	for _, tile := range tiles {
		outcome, err := tc.Probe(ctx, tile)
		switch outcome {
		case cache.Found:
			fmt.Fprintf(c.App.Writer, "%s\t%s\tfound\t%s\t%d\n",
				tile, tc.TileKey(tile), tile.Timestamp.Format("2006-01-02T15:04:05Z"), tile.Size)
		case cache.NotFound:
			missing++
			fmt.Fprintf(c.App.Writer, "%s\t%s\tmissing\n", tile, tc.TileKey(tile))
		default:
			return err
		}
	}

	if missing > 0 {
		return &exitError{code: exitNotFound, err: fmt.Errorf("%d of %d tiles not cached", missing, len(tiles))}
	}
	return nil
}

func handleGet(ctx context.Context, c *cli.Context, tc *cache.Cache) error {
	tiles, err := parseTiles(c.Args()[:1])
	if err != nil {
		return err
	}
	tile := tiles[0]

	if _, err := tc.Fetch(ctx, tile); err != nil {
		return err
	}

	data, err := types.ReadSource(tile.Source)
	if err != nil {
		return err
	}

	if path := c.String("output"); path != "" {
		return os.WriteFile(path, data, 0644)
	}
	_, err = c.App.Writer.Write(data)
	return err
}

func handleFetch(ctx context.Context, c *cli.Context, tc *cache.Cache) error {
	tiles, err := parseTiles(c.Args())
	if err != nil {
		return err
	}

	outcomes := tc.FetchTiles(ctx, tiles)

	worst := exitSuccess
	for i, tile := range tiles {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\n", tile, outcomes[i], tile.Size)
		switch outcomes[i] {
		case cache.NotFound:
			worst = max(worst, exitNotFound)
		case cache.Fatal:
			worst = max(worst, exitFatal)
		case cache.TransientError:
			worst = max(worst, exitUnknown)
		}
	}

	if worst != exitSuccess {
		return &exitError{code: worst, err: fmt.Errorf("not every tile could be loaded")}
	}
	return nil
}

func handlePut(ctx context.Context, c *cli.Context, tc *cache.Cache) error {
	tiles, err := parseTiles(c.Args()[:1])
	if err != nil {
		return err
	}
	tile := tiles[0]

	path := c.Args().Get(1)
	if _, err := os.Stat(path); err != nil {
		return badArgs("%v", err)
	}
	tile.Source = types.FileSource(path)

	if err := tc.StoreTile(ctx, tile); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\n", tile, tc.TileKey(tile), tile.Size)
	return nil
}

func handleRemove(ctx context.Context, c *cli.Context, tc *cache.Cache) error {
	tiles, err := parseTiles(c.Args())
	if err != nil {
		return err
	}

	for _, tile := range tiles {
		if err := tc.RemoveTile(ctx, tile); err != nil {
			return err
		}
	}
	return nil
}

func handleLayouts(c *cli.Context) error {
	for _, name := range layout.Names() {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}
