// Package budget implements the hierarchical spending ledger of the
// execution gatekeeper: named accounts with category sub-ledgers and
// alert thresholds, plus the append-only operation record.
//
// The ledger is a soft limit. CanSpend is a read-only check with no
// reservation, so two concurrent checks may both pass before either
// spend is recorded. The overshoot is bounded by the cost of one
// operation per racing caller.
package budget
