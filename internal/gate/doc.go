// Package gate composes the cache store, completion state tracker and
// budget ledger into the execution gatekeeper that sits in front of
// every expensive pipeline operation.
//
// A caller asks ShouldExecute before doing work and reports back with
// RecordOutcome after. In between, the gate guarantees at most one
// in-flight execution per (entity, step): ShouldExecute claims the
// step under a per-key mutex before answering "allowed".
//
// The budget check deliberately stays a soft limit (see package
// budget); only the state claim carries the strict at-most-one
// guarantee.
package gate
