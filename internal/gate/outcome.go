package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"

	"github.com/seaotterie/Grant-Automation-sub007/internal/budget"
)

// Domain prefix for derived operation-record IDs.
const operationIDDomain = "grantgate/operation/v1"

// Outcome reports one finished execution back to the gate.
type Outcome struct {
	EntityID      string
	Step          string
	OperationID   string // optional ledger idempotency key; derived when empty
	Payload       []byte // result to cache on success; nil caches nothing
	EstimatedCost float64
	ActualCost    float64
	Units         int64 // e.g. tokens or pages, for the operation ledger
	Success       bool
	Err           error // the execution error on failure
}

// RecordOutcome applies an outcome across all three stores: appends
// the operation record with its spend, caches the result payload, and
// advances the state machine.
//
// Every sub-step is idempotent, keyed on an operation ID derived from
// the claim (or supplied in the outcome), so a caller that receives an
// error can retry the whole outcome and converge: the ledger row and
// its spend are applied at most once, and the cache and state writes
// are plain upserts. Sub-step failures are individually logged and do
// not roll back already-applied sub-steps; all of them are joined into
// the return value.
func (g *Gatekeeper) RecordOutcome(ctx context.Context, o Outcome) error {
	profile := g.profileFor(o.Step)
	var errs []error

	opID := o.OperationID
	if opID == "" {
		derived, err := g.operationID(ctx, o.EntityID, o.Step)
		if err != nil {
			slog.Error("record outcome: derive operation id failed",
				"entity_id", o.EntityID, "step", o.Step, "error", err)
			errs = append(errs, storageError("derive operation id", err))
		} else {
			opID = derived
		}
	}

	errMsg := ""
	if o.Err != nil {
		errMsg = o.Err.Error()
	}
	if opID != "" {
		inserted, err := g.budget.RecordOperation(ctx, budget.OperationRecord{
			ID:            opID,
			EntityID:      o.EntityID,
			Step:          o.Step,
			Service:       profile.Service,
			Category:      profile.Category,
			Units:         o.Units,
			ActualCost:    o.ActualCost,
			EstimatedCost: o.EstimatedCost,
			Success:       o.Success,
			ErrorMessage:  errMsg,
		})
		if err != nil {
			slog.Error("record outcome: ledger write failed",
				"entity_id", o.EntityID, "step", o.Step, "error", err)
			errs = append(errs, storageError("record operation", err))
		} else if !inserted {
			slog.Debug("operation already recorded",
				"entity_id", o.EntityID, "step", o.Step, "operation_id", opID)
		}
	}

	if o.Success && len(o.Payload) > 0 {
		if _, err := g.cache.Put(ctx, o.EntityID, o.Step, o.Payload, profile.CacheTTL); err != nil {
			slog.Error("record outcome: cache write failed",
				"entity_id", o.EntityID, "step", o.Step, "error", err)
			errs = append(errs, storageError("cache put", err))
		}
	}

	if o.Success {
		if err := g.state.CompleteStep(ctx, o.EntityID, o.Step, ""); err != nil {
			slog.Error("record outcome: complete step failed",
				"entity_id", o.EntityID, "step", o.Step, "error", err)
			errs = append(errs, storageError("complete step", err))
		}
	} else {
		stepErr := o.Err
		if stepErr == nil {
			stepErr = errors.New("execution failed")
		}
		if err := g.state.FailStep(ctx, o.EntityID, o.Step, stepErr); err != nil {
			slog.Error("record outcome: fail step failed",
				"entity_id", o.EntityID, "step", o.Step, "error", err)
			errs = append(errs, storageError("fail step", err))
		}
	}

	return errors.Join(errs...)
}

// operationID derives a stable ledger ID for the current claim from
// the step's start time. A retried RecordOutcome derives the same ID
// as long as the claim's execution row survives (completion preserves
// the start time), which is what makes the retry path converge.
func (g *Gatekeeper) operationID(ctx context.Context, entityID, step string) (string, error) {
	exec, err := g.state.Execution(ctx, entityID, step)
	if err != nil {
		return "", err
	}
	var startedAt int64
	if exec != nil {
		startedAt = exec.StartedAt.UnixNano()
	}

	h := sha256.New()
	h.Write([]byte(operationIDDomain))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(step))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(startedAt, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
