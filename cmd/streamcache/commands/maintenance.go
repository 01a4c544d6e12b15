package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/streamcache/pkg/cache"
)

type evictReport struct {
	Entries        int   `json:"entries" yaml:"entries"`
	ExpiredRemoved int   `json:"expired_removed" yaml:"expired_removed"`
	SizeRemoved    int   `json:"size_removed" yaml:"size_removed"`
	BytesFreed     int64 `json:"bytes_freed" yaml:"bytes_freed"`
	TotalBefore    int64 `json:"total_before" yaml:"total_before"`
	TotalAfter     int64 `json:"total_after" yaml:"total_after"`
	Failures       int   `json:"failures" yaml:"failures"`
}

func (r evictReport) Headers() []string {
	return []string{"Entries", "Expired", "Over Size", "Freed", "Before", "After", "Failures"}
}

func (r evictReport) Rows() [][]string {
	return [][]string{{
		strconv.Itoa(r.Entries),
		strconv.Itoa(r.ExpiredRemoved),
		strconv.Itoa(r.SizeRemoved),
		formatBytes(r.BytesFreed),
		formatBytes(r.TotalBefore),
		formatBytes(r.TotalAfter),
		strconv.Itoa(r.Failures),
	}}
}

func newEvictCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Apply the retention policy now",
		Long: `Remove entries older than cache.max_age, then the least recently used
entries until the cache fits cache.max_size.

Examples:
  streamcache evict
  streamcache evict --cache-max-size 200MiB --cache-max-age 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			printer, err := opts.printer(cmd)
			if err != nil {
				return err
			}

			store, err := cache.NewStore(cfg.CacheConfig())
			if err != nil {
				return err
			}
			report, err := store.EnforceRetention()
			if err != nil {
				return err
			}
			if err := printer.Print(evictReport(report)); err != nil {
				return err
			}
			if report.Failures > 0 {
				return fmt.Errorf("%d cached files could not be removed", report.Failures)
			}
			return nil
		},
	}
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cached resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes the whole cache directory; pass --yes to confirm")
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := cache.NewStore(cfg.CacheConfig())
			if err != nil {
				return err
			}
			before, err := store.TotalSize()
			if err != nil {
				return err
			}
			if err := store.DeleteAll(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s from %s\n", formatBytes(before), store.Dir())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate URL...",
		Short: "Drop the cached bytes and metadata of resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := cache.NewStore(cfg.CacheConfig())
			if err != nil {
				return err
			}
			for _, rawURL := range args {
				manager, err := store.Manager(rawURL)
				if err != nil {
					return err
				}
				cached := manager.CachedBytes()
				if err := manager.Invalidate(); err != nil {
					return fmt.Errorf("invalidate %s: %w", manager.URL(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s (%s)\n", manager.URL(), formatBytes(cached))
			}
			return nil
		},
	}
}
