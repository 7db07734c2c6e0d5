package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// cacheStatsView is the JSON shape for cache statistics.
type cacheStatsView struct {
	Entries  int64 `json:"entries"`
	Payloads int64 `json:"payloads"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and evict cached results",
	}
	cmd.AddCommand(newCacheStatsCommand(rootOpts))
	cmd.AddCommand(newCacheEvictCommand(rootOpts))
	return cmd
}

func newCacheStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show cache entry and payload counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.cache.EntryCount(cmd.Context())
			if err != nil {
				return err
			}
			payloads, err := e.cache.PayloadCount(cmd.Context())
			if err != nil {
				return err
			}
			stats := e.cache.Stats()

			view := cacheStatsView{
				Entries:  entries,
				Payloads: payloads,
				Hits:     stats.Hits,
				Misses:   stats.Misses,
			}
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(view, func(w io.Writer) error {
				formatter.Textf("entries: %d\npayloads: %d\n", entries, payloads)
				return nil
			})
		},
	}
}

func newCacheEvictCommand(rootOpts *RootOptions) *cobra.Command {
	var cacheType string

	cmd := &cobra.Command{
		Use:           "evict",
		Short:         "Evict cached entries, optionally by type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			removed, err := e.cache.Evict(cmd.Context(), cacheType)
			if err != nil {
				return err
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(map[string]int64{"removed": removed}, func(w io.Writer) error {
				formatter.Textf("removed %d entries\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cacheType, "type", "", "only evict entries of this cache type")
	return cmd
}
