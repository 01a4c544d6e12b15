package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/streamcache/internal/proxy"
	"github.com/Sternrassler/streamcache/pkg/config"
	"github.com/Sternrassler/streamcache/pkg/loader"
	"github.com/Sternrassler/streamcache/pkg/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var warm []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local range proxy",
		Long: `Run an HTTP range proxy in front of the disk cache. Players request

  http://<listen>/stream?url=<origin url>

with ordinary Range headers; cached bytes are served from disk and misses are
fetched from the origin one read-ahead window at a time.

Examples:
  streamcache serve --listen 127.0.0.1:8089
  streamcache serve --preload https://cdn.example.com/v/intro.mp4
  STREAMCACHE_REDIS_ADDR=localhost:6379 streamcache serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, warm)
		},
	}

	cmd.Flags().String("listen", "", "listen address (default 127.0.0.1:8089)")
	cmd.Flags().String("read-ahead", "", "bytes served or fetched per data request, e.g. 500KiB")
	cmd.Flags().String("budget", "", "preload budget per resource, e.g. 5MiB")
	cmd.Flags().Int("concurrency", 0, "concurrent preloads")
	cmd.Flags().String("redis-addr", "", "redis address for cross-process preload leases")
	cmd.Flags().StringSliceVar(&warm, "preload", nil, "urls to preload on start")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, warm []string) error {
	logger := logging.NewLogger(logging.ComponentProxy)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if report, err := a.store.EnforceRetention(); err != nil {
		logger.Warn().Err(err).Msg("Startup retention failed")
	} else {
		logger.Info().
			Int("entries", report.Entries).
			Int64("total_bytes", report.TotalAfter).
			Msg("Cache opened")
	}

	registry := loader.NewRegistry(a.store, a.fetcher, a.cfg.LoaderConfig())
	defer registry.Close()

	preloader, err := a.preloader()
	if err != nil {
		return fmt.Errorf("create preloader: %w", err)
	}
	defer preloader.Close()
	preloader.PreloadAll(warm)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}

	srv := &http.Server{
		Handler:           proxy.New(registry, preloader),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("cache_dir", a.store.Dir()).
		Bool("redis_lease", a.redis != nil).
		Msg("Range proxy listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down range proxy")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Range proxy stopped")
	return nil
}
