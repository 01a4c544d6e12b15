package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/streamcache/pkg/config"
	"github.com/Sternrassler/streamcache/pkg/preload"
)

// preloadResult is one row of the preload report.
type preloadResult struct {
	URL    string `json:"url" yaml:"url"`
	State  string `json:"state" yaml:"state"`
	Bytes  int64  `json:"bytes" yaml:"bytes"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type preloadReport struct {
	Results []preloadResult `json:"results" yaml:"results"`
}

func (r preloadReport) Headers() []string {
	return []string{"URL", "State", "Bytes", "Detail"}
}

func (r preloadReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		detail := res.Reason
		if res.Error != "" {
			detail = res.Error
		}
		rows = append(rows, []string{res.URL, res.State, formatBytes(res.Bytes), detail})
	}
	return rows
}

func newPreloadCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "preload URL...",
		Short: "Fetch the leading bytes of resources into the cache",
		Long: `Fetch up to the preload budget of leading bytes for every URL and wait for
all of them. Resources that are fully cached, or whose cached prefix already
covers the budget, are skipped without a request.

Examples:
  streamcache preload https://cdn.example.com/v/intro.mp4 https://cdn.example.com/a/song.mp3
  streamcache preload --budget 10MiB --concurrency 8 $(cat playlist.txt)`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			printer, err := opts.printer(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			report, err := runPreload(ctx, cfg, args)
			if err != nil {
				return err
			}
			if err := printer.Print(report); err != nil {
				return err
			}

			failed := 0
			for _, r := range report.Results {
				if r.State == string(preload.StateFailed) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d preloads failed", failed, len(report.Results))
			}
			return nil
		},
	}

	cmd.Flags().String("budget", "", "leading bytes per resource, e.g. 5MiB")
	cmd.Flags().Int("concurrency", 0, "concurrent preloads")
	cmd.Flags().String("redis-addr", "", "redis address for cross-process preload leases")
	cmd.Flags().String("user-agent", "", "User-Agent sent to the origin")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline (0 waits indefinitely)")
	return cmd
}

// runPreload starts a task per url and waits for all of them. Tasks still
// running when ctx ends are cancelled.
func runPreload(ctx context.Context, cfg *config.Config, urls []string) (preloadReport, error) {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return preloadReport{}, err
	}
	defer a.Close()

	preloader, err := a.preloader()
	if err != nil {
		return preloadReport{}, fmt.Errorf("create preloader: %w", err)
	}

	tasks := preloader.PreloadAll(urls)

	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error {
			if err := t.Wait(ctx); err != nil && ctx.Err() != nil {
				preloader.CancelPreload(t.URL())
			}
			return nil
		})
	}
	_ = g.Wait()
	preloader.Close()

	report := preloadReport{Results: make([]preloadResult, 0, len(tasks))}
	for _, t := range tasks {
		res := preloadResult{
			URL:    t.URL(),
			State:  string(t.State()),
			Bytes:  t.Bytes(),
			Reason: t.Reason(),
		}
		if err := t.Err(); err != nil {
			res.Error = err.Error()
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}
