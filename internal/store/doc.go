// Package store provides the shared SQLite persistence layer for the
// execution gatekeeper.
//
// One database file holds three logically independent stores: cache
// metadata with deduplicated payload blobs, per-(entity, step)
// execution snapshots, and the append-only budget/operation ledger.
// The typed packages (cache, state, budget) own their tables; this
// package owns connection setup, pragmas and schema migration.
package store
