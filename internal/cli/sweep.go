package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Purge expired cache entries and collect stale entities",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.gate.Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(result, func(w io.Writer) error {
				formatter.Textf("cache entries removed: %d\nentities collected: %d\n",
					result.CacheEntries, result.Entities)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour,
		"collect entities inactive for longer than this")
	return cmd
}
