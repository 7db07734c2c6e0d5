package budget

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Report aggregates operation-ledger spend over a time range plus
// per-account utilization. Built for dashboards and threshold alerts.
type Report struct {
	Since time.Time
	Until time.Time

	OperationCount int
	SuccessCount   int
	FailureCount   int
	TotalSpent     float64
	TotalEstimated float64

	ByCategory map[string]float64
	ByService  map[string]float64

	Accounts []AccountUtilization
}

// AccountUtilization is one account's spend position in a report.
type AccountUtilization struct {
	Name        string
	Spent       float64
	Allocated   float64
	Utilization float64 // spent/allocated, 0 when unallocated
}

// Analytics aggregates ledger records created in [since, until) and
// snapshots current account utilization. Zero bounds mean unbounded.
func (l *Ledger) Analytics(ctx context.Context, since, until time.Time) (*Report, error) {
	records, err := l.Operations(ctx, OperationFilter{Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	report := &Report{
		Since:      since,
		Until:      until,
		ByCategory: make(map[string]float64),
		ByService:  make(map[string]float64),
	}
	for _, rec := range records {
		report.OperationCount++
		if rec.Success {
			report.SuccessCount++
		} else {
			report.FailureCount++
		}
		report.TotalSpent += rec.ActualCost
		report.TotalEstimated += rec.EstimatedCost
		report.ByCategory[rec.Category] += rec.ActualCost
		report.ByService[rec.Service] += rec.ActualCost
	}

	accounts, err := l.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	for _, a := range accounts {
		report.Accounts = append(report.Accounts, AccountUtilization{
			Name:        a.Name,
			Spent:       a.Spent,
			Allocated:   a.TotalAllocated,
			Utilization: a.Utilization(),
		})
	}
	return report, nil
}

// FormatText renders the report as a plain-text summary. Output is
// deterministic: maps are emitted in sorted key order.
func (r *Report) FormatText(w io.Writer) error {
	p := message.NewPrinter(language.English)

	if _, err := p.Fprintf(w, "Spend report\n"); err != nil {
		return err
	}
	if !r.Since.IsZero() || !r.Until.IsZero() {
		p.Fprintf(w, "  range: %s .. %s\n",
			formatBound(r.Since), formatBound(r.Until))
	}
	p.Fprintf(w, "  operations: %d (%d ok, %d failed)\n",
		r.OperationCount, r.SuccessCount, r.FailureCount)
	p.Fprintf(w, "  spent: $%.4f (estimated $%.4f)\n",
		r.TotalSpent, r.TotalEstimated)

	if len(r.ByCategory) > 0 {
		p.Fprintf(w, "\nBy category\n")
		for _, k := range sortedKeys(r.ByCategory) {
			p.Fprintf(w, "  %-20s $%.4f\n", k, r.ByCategory[k])
		}
	}
	if len(r.ByService) > 0 {
		p.Fprintf(w, "\nBy service\n")
		for _, k := range sortedKeys(r.ByService) {
			p.Fprintf(w, "  %-20s $%.4f\n", k, r.ByService[k])
		}
	}
	if len(r.Accounts) > 0 {
		p.Fprintf(w, "\nAccounts\n")
		for _, a := range r.Accounts {
			p.Fprintf(w, "  %-20s $%.2f / $%.2f (%.1f%%)\n",
				a.Name, a.Spent, a.Allocated, a.Utilization*100)
		}
	}
	return nil
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
