package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seaotterie/Grant-Automation-sub007/internal/budget"
	"github.com/seaotterie/Grant-Automation-sub007/internal/cache"
	"github.com/seaotterie/Grant-Automation-sub007/internal/state"
)

// Decision reasons. Denials are ordinary values, never errors.
const (
	ReasonOK        = "OK to proceed"
	ReasonCompleted = "already completed"
	ReasonInFlight  = "in progress"
	ReasonCoolDown  = "retry cool-down active"
	ReasonSkipped   = "step was skipped"
	ReasonCached    = "cached result available"
)

// Request asks whether one (entity, step) execution may proceed.
type Request struct {
	EntityID      string
	Step          string
	EstimatedCost float64
	ForceRefresh  bool
}

// Decision is the gate's answer. When the denial reason is
// ReasonCached, Cached holds the stored payload so the caller can use
// it without a second lookup.
type Decision struct {
	Allowed bool
	Reason  string
	Cached  []byte
}

// Gatekeeper composes the cache store, state tracker and budget ledger
// into a single pre-execution gate.
//
// ShouldExecute both decides and claims: an allowed request has
// already transitioned its step to InProgress before the call returns,
// under a per-(entity, step) mutex, so at most one concurrent caller
// can be told to proceed for the same key. The expensive external work
// then happens entirely outside the gate, and the caller reports back
// via RecordOutcome.
type Gatekeeper struct {
	cache    *cache.Store
	state    *state.Tracker
	budget   *budget.Ledger
	profiles map[string]StepProfile

	// Per-key serialization for the check-then-claim sequence. Key
	// mutexes are created on demand and never freed: the key space is
	// bounded by the entity/step pairs a deployment actually touches,
	// and a few hundred idle mutexes are cheaper than the bookkeeping
	// to reap them safely.
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithProfiles replaces the default step profiles.
func WithProfiles(profiles map[string]StepProfile) Option {
	return func(g *Gatekeeper) { g.profiles = profiles }
}

// New wires a Gatekeeper from its three stores. The stores are
// constructed explicitly at process start and injected; the Gatekeeper
// owns no lifecycle of its own.
func New(cacheStore *cache.Store, tracker *state.Tracker, ledger *budget.Ledger, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		cache:    cacheStore,
		state:    tracker,
		budget:   ledger,
		profiles: DefaultProfiles(),
		keys:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// keyLock returns the mutex serializing one (entity, step) key.
func (g *Gatekeeper) keyLock(entityID, step string) *sync.Mutex {
	key := entityID + "\x00" + step
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.keys[key]
	if !ok {
		m = &sync.Mutex{}
		g.keys[key] = m
	}
	return m
}

// ShouldExecute runs the full gate for one (entity, step): completion
// state first, then cache, then budget. An allowed request is claimed
// (step transitioned to InProgress) before returning, so concurrent
// callers for the same key see "in progress".
//
// Denials are normal Decision values. An error means storage itself
// failed; by contract the caller should treat that as a denial rather
// than proceed with uncontrolled spend.
func (g *Gatekeeper) ShouldExecute(ctx context.Context, req Request) (Decision, error) {
	lock := g.keyLock(req.EntityID, req.Step)
	lock.Lock()
	defer lock.Unlock()

	op := fmt.Sprintf("gate %s/%s", req.EntityID, req.Step)

	run, exec, err := g.state.ShouldRun(ctx, req.EntityID, req.Step, req.ForceRefresh)
	if err != nil {
		return Decision{}, storageError(op, err)
	}
	if !run {
		return Decision{Reason: denialReason(exec)}, nil
	}

	if !req.ForceRefresh {
		payload, hit, err := g.cache.Get(ctx, req.EntityID, req.Step)
		if err != nil {
			return Decision{}, storageError(op, err)
		}
		if hit {
			return Decision{Reason: ReasonCached, Cached: payload}, nil
		}
	}

	ok, account, err := g.budget.CanSpend(ctx, req.EstimatedCost)
	if err != nil {
		return Decision{}, storageError(op, err)
	}
	if !ok {
		return Decision{Reason: fmt.Sprintf("budget exceeded on account %q", account)}, nil
	}

	if _, err := g.state.StartStep(ctx, req.EntityID, req.Step); err != nil {
		return Decision{}, storageError(op+": claim", err)
	}

	slog.Debug("execution allowed",
		"entity_id", req.EntityID,
		"step", req.Step,
		"estimated_cost", req.EstimatedCost)
	return Decision{Allowed: true, Reason: ReasonOK}, nil
}

// StartStep re-marks a step as InProgress. ShouldExecute already
// claims allowed steps, and StartStep is idempotent while the claim is
// fresh, so callers following a check-then-start convention work
// unchanged.
func (g *Gatekeeper) StartStep(ctx context.Context, entityID, step string) error {
	lock := g.keyLock(entityID, step)
	lock.Lock()
	defer lock.Unlock()

	if _, err := g.state.StartStep(ctx, entityID, step); err != nil {
		return storageError(fmt.Sprintf("gate %s/%s: claim", entityID, step), err)
	}
	return nil
}

// denialReason maps a blocking state snapshot to a human-readable
// reason string.
func denialReason(exec *state.StepExecution) string {
	if exec == nil {
		return ReasonInFlight
	}
	switch exec.Status {
	case state.StatusCompleted:
		return ReasonCompleted
	case state.StatusInProgress:
		return ReasonInFlight
	case state.StatusFailed:
		return ReasonCoolDown
	case state.StatusSkipped:
		return ReasonSkipped
	default:
		return ReasonInFlight
	}
}
