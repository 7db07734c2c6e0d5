// Package cache implements the content-addressed result cache of the
// execution gatekeeper.
//
// Metadata rows (one per cache key) and physical payload blobs live in
// separate tables so that identical payloads written under different
// keys share one physical copy. Expiry is lazy: a Get past expires_at
// removes the entry and reports a miss, never an error. A sweep
// removes expired entries proactively.
package cache
