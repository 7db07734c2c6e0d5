// Package state implements the per-(entity, step) completion state
// machine of the execution gatekeeper.
//
// The machine per (entity, step) is:
//
//	NotStarted → (Start) → InProgress → (Success) → Completed
//	InProgress → (Error) → Failed → (cool-down elapses) → retryable
//	InProgress older than the staleness window → presumed abandoned,
//	retryable, logged as a stuck-job recovery event
//
// Completed and Skipped are terminal unless a forced refresh is
// requested. Every transition is durably persisted before the call
// returns.
package state
