package cli

import (
	"io"

	"github.com/spf13/cobra"
)

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "state <entity-id>",
		Short:         "Show an entity's step execution state",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			es, err := e.state.EntityState(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(es, func(w io.Writer) error {
				if len(es.Steps) == 0 {
					formatter.Textf("no recorded steps for %s\n", es.EntityID)
					return nil
				}
				for _, exec := range es.Steps {
					formatter.Textf("%-20s %s", exec.Step, exec.Status)
					if exec.ErrorMessage != "" {
						formatter.Textf("  (%s)", exec.ErrorMessage)
					}
					formatter.Textf("\n")
				}
				if len(es.Consumers) > 0 {
					formatter.Textf("consumers: %v\n", es.Consumers)
				}
				return nil
			})
		},
	}
}
