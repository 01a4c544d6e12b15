package commands

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/streamcache/internal/cli/output"
	"github.com/Sternrassler/streamcache/pkg/cache"
)

// statsEntry describes one cached resource.
type statsEntry struct {
	Key            string    `json:"key" yaml:"key"`
	URL            string    `json:"url,omitempty" yaml:"url,omitempty"`
	Size           int64     `json:"size" yaml:"size"`
	CachedBytes    int64     `json:"cached_bytes" yaml:"cached_bytes"`
	ExpectedLength int64     `json:"expected_length" yaml:"expected_length"`
	Complete       bool      `json:"complete" yaml:"complete"`
	ModTime        time.Time `json:"mod_time" yaml:"mod_time"`
}

type statsReport struct {
	Dir       string       `json:"dir" yaml:"dir"`
	TotalSize int64        `json:"total_size" yaml:"total_size"`
	MaxSize   int64        `json:"max_size" yaml:"max_size"`
	Entries   []statsEntry `json:"entries" yaml:"entries"`
}

func (r statsReport) Headers() []string {
	return []string{"Key", "URL", "Cached", "Length", "Complete", "Modified"}
}

func (r statsReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		length := "unknown"
		if e.ExpectedLength >= 0 {
			length = formatBytes(e.ExpectedLength)
		}
		rows = append(rows, []string{
			e.Key,
			e.URL,
			formatBytes(e.CachedBytes),
			length,
			strconv.FormatBool(e.Complete),
			e.ModTime.Format(time.RFC3339),
		})
	}
	return rows
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage and cached resources",
		Args:  cobra.NoArgs,
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
			report, err := collectStats(store, int64(cfg.Cache.MaxSize))
			if err != nil {
				return err
			}
			if printer.Format() == output.FormatTable {
				printer.Printf("%s: %s of %s\n\n", report.Dir, formatBytes(report.TotalSize), formatBytes(report.MaxSize))
			}
			return printer.Print(report)
		},
	}
}

func collectStats(store *cache.Store, maxSize int64) (statsReport, error) {
	total, err := store.TotalSize()
	if err != nil {
		return statsReport{}, err
	}
	entries, err := store.Entries()
	if err != nil {
		return statsReport{}, err
	}

	report := statsReport{Dir: store.Dir(), TotalSize: total, MaxSize: maxSize, Entries: make([]statsEntry, 0, len(entries))}
	for _, e := range entries {
		se := statsEntry{Key: e.Key, Size: e.Size, ModTime: e.ModTime, ExpectedLength: cache.UnknownLength}
		if md := e.Metadata; md != nil {
			se.URL = md.SourceURL
			se.CachedBytes = md.CachedRanges.Total()
			se.ExpectedLength = md.ExpectedContentLength
			se.Complete = md.IsComplete()
		}
		report.Entries = append(report.Entries, se)
	}
	return report, nil
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}
