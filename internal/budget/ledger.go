package budget

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
)

// Default alert thresholds as fractions of the allocation.
const (
	DefaultWarningThreshold  = 0.75
	DefaultCriticalThreshold = 0.90
)

// AccountSpec describes one account to configure. Allocation, period
// kind and thresholds are declarative; spent totals are never touched
// by configuration.
type AccountSpec struct {
	Name              string
	TotalAllocated    float64
	PeriodKind        PeriodKind
	PeriodStart       time.Time // fixed kind only
	PeriodEnd         time.Time // fixed kind only
	WarningThreshold  float64
	CriticalThreshold float64
	Categories        map[string]float64 // category -> planned allocation
}

// OperationRecord is one append-only row in the operation ledger.
// Records are written once per completed (non-cached) operation and
// never mutated.
type OperationRecord struct {
	ID            string
	EntityID      string
	Step          string
	Service       string
	Category      string
	Units         int64
	ActualCost    float64
	EstimatedCost float64
	Success       bool
	ErrorMessage  string
	CreatedAt     time.Time
}

// OperationFilter narrows an Operations query. Zero values mean
// "no constraint".
type OperationFilter struct {
	EntityID string
	Category string
	Since    time.Time
	Until    time.Time
}

// Ledger enforces named spending caps and keeps the append-only
// operation record.
//
// CanSpend is a pure read-only check with no reservation: two
// concurrent checks may both pass before either records, causing a
// small bounded overshoot. That soft-limit behavior is intentional.
//
// Thread-safety: safe for concurrent use. All writes run in SQLite
// transactions on the store's single-writer connection.
type Ledger struct {
	db    *store.Store
	clock store.Clock
	ids   IDGenerator
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock. Used by tests.
func WithClock(c store.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithIDGenerator overrides the operation-record ID generator.
// Used by tests for deterministic IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) { l.ids = g }
}

// Open creates a Ledger backed by db.
func Open(db *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		db:    db,
		clock: store.SystemClock{},
		ids:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure declares the set of budget accounts. New accounts are
// created with zero spend; existing accounts keep their spend and
// period but pick up new allocations and thresholds. Accounts absent
// from specs are left untouched (their history stays queryable).
func (l *Ledger) Configure(ctx context.Context, specs []AccountSpec) error {
	now := l.clock.Now()

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("configure accounts: begin: %w", err)
	}
	defer tx.Rollback()

	for _, spec := range specs {
		if !spec.PeriodKind.Valid() {
			return fmt.Errorf("configure account %q: unknown period kind %q", spec.Name, spec.PeriodKind)
		}
		start, end := spec.PeriodStart, spec.PeriodEnd
		if spec.PeriodKind != PeriodFixed {
			start, end = periodBounds(spec.PeriodKind, now)
		}
		warn, crit := spec.WarningThreshold, spec.CriticalThreshold
		if warn <= 0 {
			warn = DefaultWarningThreshold
		}
		if crit <= 0 {
			crit = DefaultCriticalThreshold
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO budget_accounts
				(name, total_allocated, spent, period_kind, period_start, period_end,
				 warning_threshold, critical_threshold)
			VALUES (?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				total_allocated    = excluded.total_allocated,
				period_kind        = excluded.period_kind,
				warning_threshold  = excluded.warning_threshold,
				critical_threshold = excluded.critical_threshold
		`, spec.Name, spec.TotalAllocated, string(spec.PeriodKind),
			start.UnixNano(), end.UnixNano(), warn, crit)
		if err != nil {
			return fmt.Errorf("configure account %q: %w", spec.Name, err)
		}

		for category, allocated := range spec.Categories {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO budget_categories (account, category, allocated, spent)
				VALUES (?, ?, ?, 0)
				ON CONFLICT(account, category) DO UPDATE SET
					allocated = excluded.allocated
			`, spec.Name, category, allocated)
			if err != nil {
				return fmt.Errorf("configure account %q category %q: %w", spec.Name, category, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("configure accounts: commit: %w", err)
	}
	return nil
}

// CanSpend reports whether every currently active account can absorb
// amount without exceeding its allocation or being already past its
// critical threshold. The check fails closed: the first account that
// would deny is returned by name.
//
// Read-only, no reservation (soft limit).
func (l *Ledger) CanSpend(ctx context.Context, amount float64) (bool, string, error) {
	accounts, err := l.activeAccounts(ctx)
	if err != nil {
		return false, "", fmt.Errorf("can spend: %w", err)
	}
	for _, a := range accounts {
		if a.OverThreshold(a.CriticalThreshold) {
			return false, a.Name, nil
		}
		if !a.CanCover(amount) {
			return false, a.Name, nil
		}
	}
	return true, "", nil
}

// RecordSpend adds amount to every currently active account and to its
// category sub-ledger. Called after the fact with actual cost; never
// denies.
func (l *Ledger) RecordSpend(ctx context.Context, amount float64, category string) error {
	accounts, err := l.activeAccounts(ctx)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record spend: begin: %w", err)
	}
	defer tx.Rollback()

	if err := l.applySpendTx(ctx, tx, accounts, amount, category); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record spend: commit: %w", err)
	}
	return nil
}

// RecordOperation appends rec to the operation ledger and, when the
// record is new, applies its actual cost to every active account in
// the same transaction. Replaying a record with the same ID is a
// no-op for both the ledger row and the spend, so a retried outcome
// converges instead of double-counting. Returns whether the record
// was newly inserted.
func (l *Ledger) RecordOperation(ctx context.Context, rec OperationRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = l.ids.Generate()
	}
	accounts, err := l.activeAccounts(ctx)
	if err != nil {
		return false, fmt.Errorf("record operation: %w", err)
	}

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record operation: begin: %w", err)
	}
	defer tx.Rollback()

	inserted, err := l.insertOperationTx(ctx, tx, rec)
	if err != nil {
		return false, fmt.Errorf("record operation: %w", err)
	}
	if inserted && rec.ActualCost > 0 {
		if err := l.applySpendTx(ctx, tx, accounts, rec.ActualCost, rec.Category); err != nil {
			return false, fmt.Errorf("record operation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record operation: commit: %w", err)
	}
	return inserted, nil
}

// applySpendTx adds amount to each account's running total and its
// category sub-ledger inside tx, logging threshold crossings.
func (l *Ledger) applySpendTx(ctx context.Context, tx *sql.Tx, accounts []Account, amount float64, category string) error {
	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budget_accounts SET spent = spent + ? WHERE name = ?`,
			amount, a.Name); err != nil {
			return fmt.Errorf("spend on %q: %w", a.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_categories (account, category, allocated, spent)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(account, category) DO UPDATE SET
				spent = spent + excluded.spent
		`, a.Name, category, amount); err != nil {
			return fmt.Errorf("spend on %q category %q: %w", a.Name, category, err)
		}

		updated := a.Spent + amount
		if a.TotalAllocated > 0 {
			util := updated / a.TotalAllocated
			switch {
			case util >= a.CriticalThreshold:
				slog.Warn("budget critical threshold reached",
					"event", "budget_threshold",
					"account", a.Name,
					"spent", updated,
					"allocated", a.TotalAllocated)
			case util >= a.WarningThreshold:
				slog.Info("budget warning threshold reached",
					"event", "budget_threshold",
					"account", a.Name,
					"spent", updated,
					"allocated", a.TotalAllocated)
			}
		}
	}
	return nil
}

// IsOverThreshold reports whether any currently active account has
// utilization at or above level (e.g. 0.90 critical).
func (l *Ledger) IsOverThreshold(ctx context.Context, level float64) (bool, error) {
	accounts, err := l.activeAccounts(ctx)
	if err != nil {
		return false, fmt.Errorf("over threshold: %w", err)
	}
	for _, a := range accounts {
		if a.OverThreshold(level) {
			return true, nil
		}
	}
	return false, nil
}

// Accounts returns every configured account with its category
// sub-ledgers, after period rollover.
func (l *Ledger) Accounts(ctx context.Context) ([]Account, error) {
	if err := l.rollover(ctx); err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	return l.loadAccounts(ctx, false)
}

// AppendOperation writes one record to the operation ledger without
// touching account spend. A record without an ID gets a generated
// UUIDv7; a record re-appended with the same ID is ignored (idempotent
// retry). Returns the record ID.
func (l *Ledger) AppendOperation(ctx context.Context, rec OperationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = l.ids.Generate()
	}

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("append operation: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := l.insertOperationTx(ctx, tx, rec); err != nil {
		return "", fmt.Errorf("append operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("append operation: commit: %w", err)
	}
	return rec.ID, nil
}

// insertOperationTx writes one ledger row inside tx. Reports whether
// the row was newly inserted; a conflicting ID leaves the original
// untouched.
func (l *Ledger) insertOperationTx(ctx context.Context, tx *sql.Tx, rec OperationRecord) (bool, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.clock.Now()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations
			(id, entity_id, step, service, category, units,
			 actual_cost, estimated_cost, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.EntityID, rec.Step, rec.Service, rec.Category, rec.Units,
		rec.ActualCost, rec.EstimatedCost, boolToInt(rec.Success),
		rec.ErrorMessage, createdAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Operations returns ledger records matching filter, oldest first.
func (l *Ledger) Operations(ctx context.Context, filter OperationFilter) ([]OperationRecord, error) {
	query := `
		SELECT id, entity_id, step, service, category, units,
		       actual_cost, estimated_cost, success, error_message, created_at
		FROM operations
	`
	var conds []string
	var args []any
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.Until.UnixNano())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := l.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	records := []OperationRecord{}
	for rows.Next() {
		var rec OperationRecord
		var success int
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Step, &rec.Service,
			&rec.Category, &rec.Units, &rec.ActualCost, &rec.EstimatedCost,
			&success, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Success = success != 0
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return records, nil
}

// activeAccounts rolls periods forward, then returns the accounts
// whose period contains now.
func (l *Ledger) activeAccounts(ctx context.Context) ([]Account, error) {
	if err := l.rollover(ctx); err != nil {
		return nil, err
	}
	return l.loadAccounts(ctx, true)
}

// rollover advances daily and monthly accounts whose period has ended:
// spend resets to zero and the window moves to the period containing
// now. Fixed accounts never roll; once their window passes they simply
// stop being active.
func (l *Ledger) rollover(ctx context.Context) error {
	now := l.clock.Now()

	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollover: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT name, period_kind FROM budget_accounts
		WHERE period_kind IN (?, ?) AND period_end <= ?
	`, string(PeriodDaily), string(PeriodMonthly), now.UnixNano())
	if err != nil {
		return fmt.Errorf("rollover: query: %w", err)
	}
	type due struct {
		name string
		kind PeriodKind
	}
	var dues []due
	for rows.Next() {
		var d due
		var kind string
		if err := rows.Scan(&d.name, &kind); err != nil {
			rows.Close()
			return fmt.Errorf("rollover: scan: %w", err)
		}
		d.kind = PeriodKind(kind)
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rollover: iterate: %w", err)
	}
	if len(dues) == 0 {
		return tx.Commit()
	}

	for _, d := range dues {
		start, end := periodBounds(d.kind, now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_accounts
			SET spent = 0, period_start = ?, period_end = ?
			WHERE name = ?
		`, start.UnixNano(), end.UnixNano(), d.name); err != nil {
			return fmt.Errorf("rollover account %q: %w", d.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE budget_categories SET spent = 0 WHERE account = ?`,
			d.name); err != nil {
			return fmt.Errorf("rollover account %q categories: %w", d.name, err)
		}
		slog.Info("budget period rolled over",
			"event", "budget_rollover",
			"account", d.name,
			"kind", string(d.kind),
			"period_start", start,
			"period_end", end)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollover: commit: %w", err)
	}
	return nil
}

// loadAccounts reads accounts with their category sub-ledgers.
// With activeOnly, only accounts whose period contains now are
// returned.
func (l *Ledger) loadAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	query := `
		SELECT name, total_allocated, spent, period_kind, period_start, period_end,
		       warning_threshold, critical_threshold
		FROM budget_accounts
	`
	var args []any
	if activeOnly {
		now := l.clock.Now().UnixNano()
		query += ` WHERE period_start <= ? AND period_end > ?`
		args = append(args, now, now)
	}
	query += ` ORDER BY name ASC`

	rows, err := l.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var a Account
		var kind string
		var start, end int64
		if err := rows.Scan(&a.Name, &a.TotalAllocated, &a.Spent, &kind,
			&start, &end, &a.WarningThreshold, &a.CriticalThreshold); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.PeriodKind = PeriodKind(kind)
		if !a.PeriodKind.Valid() {
			// Corrupt row: drop it rather than fail the whole read.
			slog.Warn("dropping budget account with unknown period kind",
				"account", a.Name, "period_kind", kind)
			continue
		}
		a.PeriodStart = time.Unix(0, start).UTC()
		a.PeriodEnd = time.Unix(0, end).UTC()
		a.CategoryAllocated = make(map[string]float64)
		a.CategorySpent = make(map[string]float64)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	for i := range accounts {
		if err := l.loadCategories(ctx, &accounts[i]); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (l *Ledger) loadCategories(ctx context.Context, a *Account) error {
	rows, err := l.db.DB().QueryContext(ctx,
		`SELECT category, allocated, spent FROM budget_categories WHERE account = ?`,
		a.Name)
	if err != nil {
		return fmt.Errorf("query categories for %q: %w", a.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var allocated, spent float64
		if err := rows.Scan(&category, &allocated, &spent); err != nil {
			return fmt.Errorf("scan category for %q: %w", a.Name, err)
		}
		a.CategoryAllocated[category] = allocated
		a.CategorySpent[category] = spent
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate categories for %q: %w", a.Name, err)
	}
	return nil
}

// Account returns one account by name, or nil if unknown.
func (l *Ledger) Account(ctx context.Context, name string) (*Account, error) {
	accounts, err := l.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Name == name {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
