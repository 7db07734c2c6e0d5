package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
)

// Default recovery windows. Both are deliberately conservative: an hour
// is long enough for any single AI call, API fetch or scrape, and short
// enough that an abandoned step does not block a nightly pipeline run.
const (
	// DefaultStaleAfter is how long an InProgress step may sit before
	// it is presumed abandoned and becomes eligible to restart.
	DefaultStaleAfter = time.Hour

	// DefaultRetryAfter is the cool-down a Failed step must wait out
	// before ShouldRun allows another attempt.
	DefaultRetryAfter = time.Hour
)

// StepExecution is the persisted snapshot of one (entity, step) run.
type StepExecution struct {
	EntityID     string
	Step         string
	Status       Status
	StartedAt    time.Time // zero when the step never started
	CompletedAt  time.Time // zero until a terminal transition
	ErrorMessage string
	Metadata     map[string]string
}

// EntityState aggregates every step execution for one entity plus the
// consumers currently referencing it.
type EntityState struct {
	EntityID  string
	Steps     []StepExecution
	Consumers []string
}

// Tracker is the per-(entity, step) completion state machine.
//
// Every transition is durably written before the call returns, so a
// crash mid-operation leaves the step recorded as InProgress and
// therefore eligible for staleness-based recovery, never silently lost.
type Tracker struct {
	db    *store.Store
	clock store.Clock

	staleAfter time.Duration
	retryAfter time.Duration

	// Count of stuck-job recoveries observed by ShouldRun. Exposed for
	// monitoring and tests; the authoritative record is the log stream.
	recoveries atomic.Int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the wall clock. Used by tests.
func WithClock(c store.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithStaleAfter overrides the staleness window for InProgress steps.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		t.staleAfter = d
	}
}

// WithRetryAfter overrides the cool-down for Failed steps.
func WithRetryAfter(d time.Duration) Option {
	return func(t *Tracker) {
		t.retryAfter = d
	}
}

// Open creates a tracker on top of the shared database.
func Open(db *store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		db:         db,
		clock:      store.SystemClock{},
		staleAfter: DefaultStaleAfter,
		retryAfter: DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ShouldRun reports whether the step should execute now.
//
// Returns true iff: forceRefresh is set, OR no prior state exists, OR
// the state is Failed and the cool-down has elapsed, OR the state is
// Expired, OR the state is InProgress and stale. A stale InProgress
// step is a stuck-job recovery: it is logged as a distinct event so
// operators can audit zombie-job restarts.
//
// The returned execution is the current snapshot (nil when none exists)
// so callers can build a denial reason from the status.
func (t *Tracker) ShouldRun(ctx context.Context, entityID, step string, forceRefresh bool) (bool, *StepExecution, error) {
	exec, err := t.Execution(ctx, entityID, step)
	if err != nil {
		return false, nil, err
	}

	if forceRefresh {
		return true, exec, nil
	}
	if exec == nil {
		return true, nil, nil
	}

	now := t.clock.Now()
	switch exec.Status {
	case StatusCompleted, StatusSkipped:
		return false, exec, nil

	case StatusFailed:
		if !exec.CompletedAt.IsZero() && now.Sub(exec.CompletedAt) >= t.retryAfter {
			return true, exec, nil
		}
		return false, exec, nil

	case StatusExpired, StatusNotStarted:
		return true, exec, nil

	case StatusInProgress:
		if !exec.StartedAt.IsZero() && now.Sub(exec.StartedAt) >= t.staleAfter {
			// Stuck-job recovery: not a failure, but operators need an
			// audit trail of force-restarted steps.
			t.recoveries.Add(1)
			slog.Warn("stale in-progress step eligible for restart",
				"event", "stuck_operation_recovered",
				"entity_id", entityID,
				"step", step,
				"started_at", exec.StartedAt,
				"stale_after", t.staleAfter,
			)
			return true, exec, nil
		}
		return false, exec, nil

	default:
		// Unreachable: Execution drops invalid statuses.
		return true, nil, nil
	}
}

// StartStep transitions the step to InProgress and returns the new
// snapshot. Calling StartStep on a step that is already freshly
// InProgress is idempotent and returns the existing snapshot, so the
// gatekeeper's claim and a caller's explicit StartStep compose.
func (t *Tracker) StartStep(ctx context.Context, entityID, step string) (*StepExecution, error) {
	existing, err := t.Execution(ctx, entityID, step)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	if existing != nil && existing.Status == StatusInProgress &&
		!existing.StartedAt.IsZero() && now.Sub(existing.StartedAt) < t.staleAfter {
		return existing, nil
	}

	exec := &StepExecution{
		EntityID:  entityID,
		Step:      step,
		Status:    StatusInProgress,
		StartedAt: now,
		Metadata:  map[string]string{},
	}
	if err := t.writeExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("start step: %w", err)
	}

	slog.Debug("step started", "entity_id", entityID, "step", step)
	return exec, nil
}

// CompleteStep transitions the step to Completed with an optional
// summary recorded in the metadata.
func (t *Tracker) CompleteStep(ctx context.Context, entityID, step, summary string) error {
	now := t.clock.Now()
	exec, err := t.Execution(ctx, entityID, step)
	if err != nil {
		return err
	}
	if exec == nil {
		// A crash between the external work and this call can lose the
		// InProgress row to GC; recreate rather than reject so the
		// idempotent retry path converges.
		exec = &StepExecution{EntityID: entityID, Step: step, StartedAt: now, Metadata: map[string]string{}}
	}

	exec.Status = StatusCompleted
	exec.CompletedAt = now
	exec.ErrorMessage = ""
	if summary != "" {
		if exec.Metadata == nil {
			exec.Metadata = map[string]string{}
		}
		exec.Metadata["summary"] = summary
	}

	if err := t.writeExecution(ctx, exec); err != nil {
		return fmt.Errorf("complete step: %w", err)
	}

	slog.Info("step completed", "entity_id", entityID, "step", step)
	return nil
}

// FailStep transitions the step to Failed. The cool-down window is
// measured from this transition.
func (t *Tracker) FailStep(ctx context.Context, entityID, step string, stepErr error) error {
	now := t.clock.Now()
	exec, err := t.Execution(ctx, entityID, step)
	if err != nil {
		return err
	}
	if exec == nil {
		exec = &StepExecution{EntityID: entityID, Step: step, StartedAt: now, Metadata: map[string]string{}}
	}

	exec.Status = StatusFailed
	exec.CompletedAt = now
	if stepErr != nil {
		exec.ErrorMessage = stepErr.Error()
	}

	if err := t.writeExecution(ctx, exec); err != nil {
		return fmt.Errorf("fail step: %w", err)
	}

	slog.Info("step failed",
		"entity_id", entityID,
		"step", step,
		"error", exec.ErrorMessage,
	)
	return nil
}

// SkipStep records that the step was deliberately not executed for this
// entity (for example, an opportunity type the step does not apply to).
// Skipped is terminal for ShouldRun, like Completed.
func (t *Tracker) SkipStep(ctx context.Context, entityID, step, reason string) error {
	now := t.clock.Now()
	exec := &StepExecution{
		EntityID:    entityID,
		Step:        step,
		Status:      StatusSkipped,
		CompletedAt: now,
		Metadata:    map[string]string{},
	}
	if reason != "" {
		exec.Metadata["reason"] = reason
	}

	if err := t.writeExecution(ctx, exec); err != nil {
		return fmt.Errorf("skip step: %w", err)
	}
	return nil
}

// Execution returns the current snapshot for (entityID, step), or nil
// when no prior state exists. A row that fails to deserialize or holds
// an unknown status is dropped and treated as never seen.
func (t *Tracker) Execution(ctx context.Context, entityID, step string) (*StepExecution, error) {
	var (
		status               string
		startedAt, completed sql.NullInt64
		errMsg, metaJSON     string
	)
	err := t.db.DB().QueryRowContext(ctx, `
		SELECT status, started_at, completed_at, error_message, metadata
		FROM step_executions
		WHERE entity_id = ? AND step = ?
	`, entityID, step).Scan(&status, &startedAt, &completed, &errMsg, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}

	if !Status(status).Valid() {
		slog.Warn("dropping step execution with unknown status",
			"entity_id", entityID,
			"step", step,
			"status", status,
		)
		if _, derr := t.db.DB().ExecContext(ctx, `
			DELETE FROM step_executions WHERE entity_id = ? AND step = ?
		`, entityID, step); derr != nil {
			return nil, fmt.Errorf("drop corrupt execution: %w", derr)
		}
		return nil, nil
	}

	exec := &StepExecution{
		EntityID:     entityID,
		Step:         step,
		Status:       Status(status),
		ErrorMessage: errMsg,
	}
	if startedAt.Valid {
		exec.StartedAt = time.Unix(0, startedAt.Int64).UTC()
	}
	if completed.Valid {
		exec.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}

	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &exec.Metadata); err != nil {
			// Corrupt metadata loses only the annotations, never the
			// state machine position.
			slog.Warn("dropping unreadable step metadata",
				"entity_id", entityID,
				"step", step,
				"error", err,
			)
			exec.Metadata = map[string]string{}
		}
	}
	if exec.Metadata == nil {
		exec.Metadata = map[string]string{}
	}

	return exec, nil
}

// EntityState returns every step execution and consumer for one entity.
func (t *Tracker) EntityState(ctx context.Context, entityID string) (*EntityState, error) {
	rows, err := t.db.Query(ctx, `
		SELECT step FROM step_executions
		WHERE entity_id = ?
		ORDER BY step ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("read entity state: %w", err)
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("scan step name: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	es := &EntityState{EntityID: entityID, Steps: []StepExecution{}, Consumers: []string{}}
	for _, step := range steps {
		exec, err := t.Execution(ctx, entityID, step)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			es.Steps = append(es.Steps, *exec)
		}
	}

	consumers, err := t.consumers(ctx, entityID)
	if err != nil {
		return nil, err
	}
	es.Consumers = consumers

	return es, nil
}

// AddConsumer registers a consumer as referencing the entity. This is
// bookkeeping for garbage collection only; it never affects ShouldRun
// or transition semantics.
func (t *Tracker) AddConsumer(ctx context.Context, entityID, consumer string) error {
	_, err := t.db.DB().ExecContext(ctx, `
		INSERT INTO entity_consumers (entity_id, consumer, registered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id, consumer) DO NOTHING
	`, entityID, consumer, t.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("add consumer: %w", err)
	}
	return nil
}

// RemoveConsumer drops a consumer reference.
func (t *Tracker) RemoveConsumer(ctx context.Context, entityID, consumer string) error {
	_, err := t.db.DB().ExecContext(ctx, `
		DELETE FROM entity_consumers WHERE entity_id = ? AND consumer = ?
	`, entityID, consumer)
	if err != nil {
		return fmt.Errorf("remove consumer: %w", err)
	}
	return nil
}

// CollectGarbage removes the state of entities that are unreferenced
// and whose most recent activity is older than olderThan. Returns the
// number of entities collected.
func (t *Tracker) CollectGarbage(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := t.clock.Now().Add(-olderThan).UnixNano()

	tx, err := t.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("collect garbage: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT entity_id
		FROM step_executions
		WHERE entity_id NOT IN (SELECT entity_id FROM entity_consumers)
		GROUP BY entity_id
		HAVING MAX(COALESCE(completed_at, started_at, 0)) < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("collect garbage: find candidates: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("collect garbage: scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("collect garbage: iterate candidates: %w", err)
	}
	rows.Close()

	for _, id := range candidates {
		if _, err := tx.ExecContext(ctx, `DELETE FROM step_executions WHERE entity_id = ?`, id); err != nil {
			return 0, fmt.Errorf("collect garbage: delete %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("collect garbage: commit: %w", err)
	}

	if len(candidates) > 0 {
		slog.Info("collected stale entity state", "count", len(candidates))
	}
	return int64(len(candidates)), nil
}

// StuckRecoveries returns how many stuck-job recoveries this process
// has observed. Diagnostic only.
func (t *Tracker) StuckRecoveries() int64 {
	return t.recoveries.Load()
}

// writeExecution durably upserts one snapshot row. Single-row atomic
// write; the transition is visible to every reader once this returns.
func (t *Tracker) writeExecution(ctx context.Context, exec *StepExecution) error {
	metaJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var startedAt, completedAt sql.NullInt64
	if !exec.StartedAt.IsZero() {
		startedAt = sql.NullInt64{Int64: exec.StartedAt.UnixNano(), Valid: true}
	}
	if !exec.CompletedAt.IsZero() {
		completedAt = sql.NullInt64{Int64: exec.CompletedAt.UnixNano(), Valid: true}
	}

	_, err = t.db.DB().ExecContext(ctx, `
		INSERT INTO step_executions
		(entity_id, step, status, started_at, completed_at, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, step) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			metadata = excluded.metadata
	`,
		exec.EntityID,
		exec.Step,
		string(exec.Status),
		startedAt,
		completedAt,
		exec.ErrorMessage,
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}
	return nil
}

// consumers returns the distinct consumers referencing an entity.
func (t *Tracker) consumers(ctx context.Context, entityID string) ([]string, error) {
	rows, err := t.db.Query(ctx, `
		SELECT consumer FROM entity_consumers
		WHERE entity_id = ?
		ORDER BY consumer ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("read consumers: %w", err)
	}
	defer rows.Close()

	consumers := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan consumer: %w", err)
		}
		consumers = append(consumers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consumers: %w", err)
	}
	return consumers, nil
}
