package budget

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
	"github.com/seaotterie/Grant-Automation-sub007/internal/testutil"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *testutil.FakeClock, *store.Store) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock)}, opts...)
	return Open(db, opts...), clock, db
}

// fixedMarch is a fixed account spanning all of March 2026.
func fixedMarch(name string, total, warn, crit float64) AccountSpec {
	return AccountSpec{
		Name:              name,
		TotalAllocated:    total,
		PeriodKind:        PeriodFixed,
		PeriodStart:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:         time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		WarningThreshold:  warn,
		CriticalThreshold: crit,
	}
}

// TestCanSpend_BudgetMath verifies the core allocation arithmetic:
// with total=100 and spent=95, a 4.00 spend fits and a 6.00 spend
// does not; after recording the 4.00, utilization crosses 0.90 but
// not 1.0.
func TestCanSpend_BudgetMath(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 100, 0.75, 1.0)}))
	require.NoError(t, l.RecordSpend(ctx, 95, "api_fetch"))

	ok, _, err := l.CanSpend(ctx, 4.00)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, denied, err := l.CanSpend(ctx, 6.00)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ops", denied)

	require.NoError(t, l.RecordSpend(ctx, 4.00, "api_fetch"))

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 99.00, a.Spent, 1e-9)

	over, err := l.IsOverThreshold(ctx, 0.90)
	require.NoError(t, err)
	assert.True(t, over)

	over, err = l.IsOverThreshold(ctx, 1.0)
	require.NoError(t, err)
	assert.False(t, over)
}

// TestCanSpend_CriticalThresholdFailsClosed verifies an account past
// its critical threshold denies even spends it could still cover.
func TestCanSpend_CriticalThresholdFailsClosed(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 100, 0.75, 0.90)}))
	require.NoError(t, l.RecordSpend(ctx, 95, "api_fetch"))

	ok, denied, err := l.CanSpend(ctx, 1.00)
	require.NoError(t, err)
	assert.False(t, ok, "account past critical threshold must deny")
	assert.Equal(t, "ops", denied)
}

// TestCanSpend_MultiAccountAND verifies every active account must
// permit a spend: a roomy monthly cap cannot override an exhausted
// daily cap.
func TestCanSpend_MultiAccountAND(t *testing.T) {
	l, _, db := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{
		{Name: "monthly-cap", TotalAllocated: 100, PeriodKind: PeriodMonthly, CriticalThreshold: 1.0},
		{Name: "daily-cap", TotalAllocated: 5, PeriodKind: PeriodDaily, CriticalThreshold: 1.0},
	}))
	_, err := db.DB().ExecContext(ctx,
		`UPDATE budget_accounts SET spent = 10 WHERE name = 'monthly-cap'`)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx,
		`UPDATE budget_accounts SET spent = 4.5 WHERE name = 'daily-cap'`)
	require.NoError(t, err)

	ok, denied, err := l.CanSpend(ctx, 1.0)
	require.NoError(t, err)
	assert.False(t, ok, "spend must fail closed when any active account would be exceeded")
	assert.Equal(t, "daily-cap", denied)
}

// TestRecordSpend_UpdatesCategorySubLedger verifies category spends
// always sum to the account total.
func TestRecordSpend_UpdatesCategorySubLedger(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	spec := fixedMarch("ops", 100, 0.75, 0.90)
	spec.Categories = map[string]float64{"ai_classification": 60, "web_scrape": 40}
	require.NoError(t, l.Configure(ctx, []AccountSpec{spec}))

	require.NoError(t, l.RecordSpend(ctx, 2.5, "ai_classification"))
	require.NoError(t, l.RecordSpend(ctx, 1.0, "web_scrape"))
	require.NoError(t, l.RecordSpend(ctx, 0.5, "ai_classification"))

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 4.0, a.Spent, 1e-9)
	assert.InDelta(t, 3.0, a.CategorySpent["ai_classification"], 1e-9)
	assert.InDelta(t, 1.0, a.CategorySpent["web_scrape"], 1e-9)
	assert.InDelta(t, 60, a.CategoryAllocated["ai_classification"], 1e-9)
}

// TestRecordSpend_UnplannedCategory verifies a spend in a category
// with no configured bucket still lands in a sub-ledger row.
func TestRecordSpend_UnplannedCategory(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 100, 0.75, 0.90)}))
	require.NoError(t, l.RecordSpend(ctx, 1.25, "tax_verification"))

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 1.25, a.CategorySpent["tax_verification"], 1e-9)
	assert.InDelta(t, 0, a.CategoryAllocated["tax_verification"], 1e-9)
}

// TestRollover_DailyResetsSpend verifies a daily account starts each
// day with zero spend and a fresh window.
func TestRollover_DailyResetsSpend(t *testing.T) {
	l, clock, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{
		{Name: "daily-cap", TotalAllocated: 5, PeriodKind: PeriodDaily},
	}))
	require.NoError(t, l.RecordSpend(ctx, 4.5, "api_fetch"))

	ok, _, err := l.CanSpend(ctx, 1.0)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(24 * time.Hour) // past midnight

	ok, _, err = l.CanSpend(ctx, 1.0)
	require.NoError(t, err)
	assert.True(t, ok, "daily cap must reset after rollover")

	a, err := l.Account(ctx, "daily-cap")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Zero(t, a.Spent)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), a.PeriodStart)
	assert.Zero(t, a.CategorySpent["api_fetch"])
}

// TestRollover_FixedAccountExpires verifies a fixed account outside
// its window stops constraining spends but keeps its history.
func TestRollover_FixedAccountExpires(t *testing.T) {
	l, clock, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 1, 0.75, 0.90)}))
	require.NoError(t, l.RecordSpend(ctx, 1, "api_fetch"))

	ok, _, err := l.CanSpend(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(32 * 24 * time.Hour) // into April

	ok, _, err = l.CanSpend(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ok, "expired fixed account must no longer constrain")

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a, "expired account history must stay queryable")
	assert.InDelta(t, 1, a.Spent, 1e-9)
}

// TestConfigure_PreservesSpendOnReconfigure verifies re-declaring an
// account updates allocation and thresholds without touching spend.
func TestConfigure_PreservesSpendOnReconfigure(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 100, 0.75, 0.90)}))
	require.NoError(t, l.RecordSpend(ctx, 42, "api_fetch"))

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 200, 0.50, 0.80)}))

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 42, a.Spent, 1e-9)
	assert.InDelta(t, 200, a.TotalAllocated, 1e-9)
	assert.InDelta(t, 0.80, a.CriticalThreshold, 1e-9)
}

// TestAppendOperation_IdempotentByID verifies re-appending a record
// with the same ID is a no-op, so RecordOutcome retries converge.
func TestAppendOperation_IdempotentByID(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	rec := OperationRecord{
		ID:         "op-1",
		EntityID:   "org-42",
		Step:       "ai_classification",
		Service:    "openai",
		Category:   "ai_classification",
		ActualCost: 0.0021,
		Success:    true,
	}
	id, err := l.AppendOperation(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)

	rec.ActualCost = 999 // the retry must not overwrite the original
	_, err = l.AppendOperation(ctx, rec)
	require.NoError(t, err)

	records, err := l.Operations(ctx, OperationFilter{EntityID: "org-42"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.0021, records[0].ActualCost, 1e-9)
}

// TestAppendOperation_GeneratesID verifies a record without an ID gets
// one from the generator.
func TestAppendOperation_GeneratesID(t *testing.T) {
	l, _, _ := newTestLedger(t, WithIDGenerator(NewFixedGenerator("gen-1", "gen-2")))
	ctx := context.Background()

	id, err := l.AppendOperation(ctx, OperationRecord{EntityID: "org-1", Step: "api_fetch"})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", id)

	id, err = l.AppendOperation(ctx, OperationRecord{EntityID: "org-2", Step: "api_fetch"})
	require.NoError(t, err)
	assert.Equal(t, "gen-2", id)
}

// TestRecordOperation_ReplayDoesNotDoubleSpend verifies the combined
// record-plus-spend write is idempotent by record ID.
func TestRecordOperation_ReplayDoesNotDoubleSpend(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ops", 100, 0.75, 0.90)}))

	rec := OperationRecord{
		ID:         "op-1",
		EntityID:   "org-42",
		Step:       "ai_classification",
		Service:    "openai",
		Category:   "ai_classification",
		ActualCost: 0.5,
		Success:    true,
	}
	inserted, err := l.RecordOperation(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = l.RecordOperation(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "a replayed record must report as duplicate")

	records, err := l.Operations(ctx, OperationFilter{EntityID: "org-42"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	a, err := l.Account(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 0.5, a.Spent, 1e-9, "spend must be applied exactly once")
	assert.InDelta(t, 0.5, a.CategorySpent["ai_classification"], 1e-9)
}

// TestOperations_EmptyResultIsNotNil verifies reads return an empty
// slice, never nil.
func TestOperations_EmptyResultIsNotNil(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	records, err := l.Operations(ctx, OperationFilter{EntityID: "org-missing"})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

// TestOperations_FilterByRange verifies time-range filtering of the
// ledger.
func TestOperations_FilterByRange(t *testing.T) {
	l, clock, _ := newTestLedger(t, WithIDGenerator(NewFixedGenerator("a", "b", "c")))
	ctx := context.Background()

	_, err := l.AppendOperation(ctx, OperationRecord{EntityID: "org-1", Step: "api_fetch"})
	require.NoError(t, err)
	cutoff := clock.Now().Add(time.Hour)
	clock.Advance(2 * time.Hour)
	_, err = l.AppendOperation(ctx, OperationRecord{EntityID: "org-2", Step: "api_fetch"})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = l.AppendOperation(ctx, OperationRecord{EntityID: "org-3", Step: "api_fetch"})
	require.NoError(t, err)

	records, err := l.Operations(ctx, OperationFilter{Since: cutoff, Until: cutoff.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "org-2", records[0].EntityID)
}

// TestAnalytics_GoldenReport pins the rendered spend report.
func TestAnalytics_GoldenReport(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Configure(ctx, []AccountSpec{fixedMarch("ai-monthly", 5, 0.75, 0.90)}))

	_, err := l.AppendOperation(ctx, OperationRecord{
		ID: "op-1", EntityID: "org-42", Step: "ai_classification",
		Service: "openai", Category: "ai_classification",
		ActualCost: 0.0021, EstimatedCost: 0.0020, Success: true,
	})
	require.NoError(t, err)
	_, err = l.AppendOperation(ctx, OperationRecord{
		ID: "op-2", EntityID: "org-7", Step: "web_scrape",
		Service: "firecrawl", Category: "web_scrape",
		ActualCost: 0.0100, EstimatedCost: 0.0150, Success: false,
		ErrorMessage: "timeout fetching page",
	})
	require.NoError(t, err)
	require.NoError(t, l.RecordSpend(ctx, 0.0021, "ai_classification"))
	require.NoError(t, l.RecordSpend(ctx, 0.0100, "web_scrape"))

	report, err := l.Analytics(ctx,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.FormatText(&buf))

	g := goldie.New(t)
	g.Assert(t, "analytics_report", buf.Bytes())
}
