package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewAnalyticsCommand creates the analytics command.
func NewAnalyticsCommand(rootOpts *RootOptions) *cobra.Command {
	var since, until string

	cmd := &cobra.Command{
		Use:           "analytics",
		Short:         "Aggregate spend by category, service and account",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceT, err := parseBound(since)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			untilT, err := parseBound(until)
			if err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.budget.Analytics(cmd.Context(), sinceT, untilT)
			if err != nil {
				return err
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(report, func(w io.Writer) error {
				return report.FormatText(w)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "range start, RFC 3339 (inclusive)")
	cmd.Flags().StringVar(&until, "until", "", "range end, RFC 3339 (exclusive)")
	return cmd
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
