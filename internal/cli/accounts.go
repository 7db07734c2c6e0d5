package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/seaotterie/Grant-Automation-sub007/internal/budget"
)

// accountView is the JSON shape for one budget account.
type accountView struct {
	Name              string             `json:"name"`
	TotalAllocated    float64            `json:"total_allocated"`
	Spent             float64            `json:"spent"`
	Utilization       float64            `json:"utilization"`
	PeriodKind        string             `json:"period_kind"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	WarningThreshold  float64            `json:"warning_threshold"`
	CriticalThreshold float64            `json:"critical_threshold"`
	CategorySpent     map[string]float64 `json:"category_spent,omitempty"`
}

// NewAccountsCommand creates the accounts command.
func NewAccountsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "accounts",
		Short:         "List budget accounts with utilization",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			accounts, err := e.budget.Accounts(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]accountView, 0, len(accounts))
			for _, a := range accounts {
				views = append(views, accountView{
					Name:              a.Name,
					TotalAllocated:    a.TotalAllocated,
					Spent:             a.Spent,
					Utilization:       a.Utilization(),
					PeriodKind:        string(a.PeriodKind),
					PeriodStart:       a.PeriodStart,
					PeriodEnd:         a.PeriodEnd,
					WarningThreshold:  a.WarningThreshold,
					CriticalThreshold: a.CriticalThreshold,
					CategorySpent:     a.CategorySpent,
				})
			}

			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(views, func(w io.Writer) error {
				return printAccountsText(w, accounts)
			})
		},
	}
}

func printAccountsText(w io.Writer, accounts []budget.Account) error {
	if len(accounts) == 0 {
		_, err := io.WriteString(w, "no budget accounts configured\n")
		return err
	}
	for _, a := range accounts {
		marker := ""
		switch {
		case a.OverThreshold(a.CriticalThreshold):
			marker = " [CRITICAL]"
		case a.OverThreshold(a.WarningThreshold):
			marker = " [warning]"
		}
		fmt.Fprintf(w, "%-20s %s  $%.2f / $%.2f (%.1f%%)%s\n",
			a.Name, a.PeriodKind, a.Spent, a.TotalAllocated,
			a.Utilization()*100, marker)
	}
	return nil
}
