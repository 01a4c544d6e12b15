// Package commands implements the streamcache CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/streamcache/internal/cli/output"
	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/config"
	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/logging"
	"github.com/Sternrassler/streamcache/pkg/preload"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// flagKeys maps command flags to configuration keys. Flags a command does
// not define are skipped.
var flagKeys = map[string]string{
	"cache-dir":      "cache.dir",
	"cache-max-size": "cache.max_size",
	"cache-max-age":  "cache.max_age",
	"log-level":      "logging.level",
	"log-pretty":     "logging.pretty",
	"user-agent":     "fetch.user_agent",
	"listen":         "server.listen",
	"read-ahead":     "loader.read_ahead",
	"budget":         "preload.budget",
	"concurrency":    "preload.max_concurrency",
	"redis-addr":     "redis.addr",
}

type rootOptions struct {
	configFile string
	output     string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "streamcache",
		Short: "Byte-range disk cache for streamed media",
		Long: `streamcache keeps the bytes of remote audio and video files on disk as
they are played, so seeking and replays are served locally.

Every option can be set in a YAML file (--config), through environment
variables (STREAMCACHE_<SECTION>_<KEY>, e.g. STREAMCACHE_CACHE_MAX_SIZE=1GiB)
or with flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (YAML)")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format: table, json, yaml")
	pf.String("cache-dir", "", "cache directory (default: user cache dir/streamcache)")
	pf.String("cache-max-size", "", "cache size budget, e.g. 500MiB (0 disables)")
	pf.Duration("cache-max-age", 0, "retention age of untouched entries (0 disables)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("log-pretty", false, "human-readable console logs")

	cmd.AddCommand(
		newServeCmd(opts),
		newPreloadCmd(opts),
		newStatsCmd(opts),
		newEvictCmd(opts),
		newPurgeCmd(opts),
		newInvalidateCmd(opts),
		newVersionCmd(),
	)
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

// load resolves the configuration for cmd and sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}

	cfg, err := config.Load(o.configFile, flags)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)
	return cfg, nil
}

func (o *rootOptions) printer(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(o.output)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format), nil
}

// app holds the components shared by the commands.
type app struct {
	cfg     *config.Config
	store   *cache.Store
	fetcher *fetch.HTTPFetcher
	redis   *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	cacheCfg := cfg.CacheConfig()
	progress := logging.NewLogger(logging.ComponentCache)
	cacheCfg.Observer = func(sourceURL string, totalBytesCached int64) {
		progress.Debug().Str("url", sourceURL).Int64("total_cached", totalBytesCached).Msg("Caching progress")
	}
	store, err := cache.NewStore(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	fetcher, err := fetch.New(cfg.FetchConfig())
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	a := &app{cfg: cfg, store: store, fetcher: fetcher}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}
	return a, nil
}

// preloader creates a preloader, leased through Redis when configured.
func (a *app) preloader() (*preload.Preloader, error) {
	pc := a.cfg.PreloadConfig()
	if a.redis != nil {
		pc.Lease = preload.NewRedisLease(a.redis, logging.NewLogger(logging.ComponentPreload))
	}
	return preload.New(a.store, a.fetcher, pc)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamcache %s (commit: %s)\n", Version, Commit)
		},
	}
}
