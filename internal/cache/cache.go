package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
)

// DefaultTTL is the expiry applied when a Put does not specify one and
// no per-type override is configured.
const DefaultTTL = 24 * time.Hour

// NoExpiry marks an entry that never expires (expires_at stays NULL).
// Pass it as the ttl argument to Put.
const NoExpiry = time.Duration(-1)

// Store is the content-addressed, TTL-based result cache.
//
// Thread-safety: all methods are safe for concurrent use. Mutations run
// inside SQLite transactions; in particular the reference check that
// precedes a physical payload delete happens in the same transaction as
// the delete itself, so a concurrent Put can never re-reference a
// payload halfway through its removal.
type Store struct {
	db    *store.Store
	clock store.Clock

	defaultTTL time.Duration
	typeTTLs   map[string]time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports cache effectiveness counters for the current process.
type Stats struct {
	Hits   int64
	Misses int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock substitutes the wall clock. Used by tests to control expiry.
func WithClock(c store.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithDefaultTTL overrides the fallback TTL for entries stored with ttl=0.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		s.defaultTTL = d
	}
}

// WithTypeTTL sets the default TTL for one cache type. Long-lived
// categories such as AI analysis results typically get several days.
func WithTypeTTL(cacheType string, d time.Duration) Option {
	return func(s *Store) {
		s.typeTTLs[cacheType] = d
	}
}

// Open creates a cache store on top of the shared database.
func Open(db *store.Store, opts ...Option) *Store {
	s := &Store{
		db:         db,
		clock:      store.SystemClock{},
		defaultTTL: DefaultTTL,
		typeTTLs:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTLFor returns the default TTL used for the given cache type when a
// Put passes ttl=0.
func (s *Store) TTLFor(cacheType string) time.Duration {
	if d, ok := s.typeTTLs[cacheType]; ok {
		return d
	}
	return s.defaultTTL
}

// Get retrieves the payload cached under (identifier, cacheType).
//
// Returns (payload, true, nil) on a hit. An absent or expired entry is a
// miss, never an error; the first Get past expires_at removes the entry
// (and its payload, if unshared) from the index. A metadata row whose
// payload blob is missing is treated as corrupt: the row is dropped and
// the call reports a miss.
func (s *Store) Get(ctx context.Context, identifier, cacheType string) ([]byte, bool, error) {
	key := Key(identifier, cacheType)
	now := s.clock.Now()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var contentHash string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT content_hash, expires_at
		FROM cache_entries
		WHERE cache_key = ?
	`, key).Scan(&contentHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	// Lazy expiry: delete and report a miss.
	if expiresAt.Valid && now.UnixNano() >= expiresAt.Int64 {
		if err := removeEntryTx(ctx, tx, key, contentHash); err != nil {
			return nil, false, fmt.Errorf("cache get: expire entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("cache get: commit expiry: %w", err)
		}
		s.misses.Add(1)
		return nil, false, nil
	}

	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM cache_payloads WHERE content_hash = ?
	`, contentHash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		// Corrupt index: metadata points at a payload that no longer
		// exists. Drop the row and report a miss.
		slog.Warn("cache entry references missing payload, dropping",
			"cache_key", key,
			"cache_type", cacheType,
			"content_hash", contentHash,
		)
		if _, derr := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); derr != nil {
			return nil, false, fmt.Errorf("cache get: drop corrupt entry: %w", derr)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("cache get: commit corrupt drop: %w", err)
		}
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: read payload: %w", err)
	}

	// Access bookkeeping.
	_, err = tx.ExecContext(ctx, `
		UPDATE cache_entries
		SET last_accessed_at = ?, access_count = access_count + 1
		WHERE cache_key = ?
	`, now.UnixNano(), key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: update access stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("cache get: commit: %w", err)
	}

	s.hits.Add(1)
	return payload, true, nil
}

// Put stores a payload under (identifier, cacheType) and returns the
// cache key.
//
// TTL semantics: ttl=0 uses the configured default for the cache type;
// NoExpiry stores an entry that never expires; any positive ttl sets
// expiresAt = now + ttl.
//
// Deduplication: if an existing payload has the same content hash, only
// a metadata row is written and the physical payload is shared. The
// whole write runs in one transaction, so a failed Put leaves no
// partially written payload behind.
func (s *Store) Put(ctx context.Context, identifier, cacheType string, payload []byte, ttl time.Duration) (string, error) {
	key := Key(identifier, cacheType)
	contentHash := ContentHash(payload)
	now := s.clock.Now()

	var expiresAt sql.NullInt64
	switch {
	case ttl == NoExpiry:
		// expires_at stays NULL
	case ttl == 0:
		expiresAt = sql.NullInt64{Int64: now.Add(s.TTLFor(cacheType)).UnixNano(), Valid: true}
	case ttl > 0:
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	default:
		return "", fmt.Errorf("cache put: invalid ttl %v", ttl)
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("cache put: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Physical payload first. ON CONFLICT DO NOTHING makes repeated
	// writes of identical content cost one metadata row after the
	// first physical write.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_payloads (content_hash, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, contentHash, payload, now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("cache put: write payload: %w", err)
	}

	// Remember the hash the key pointed at before, if any, so we can
	// garbage-collect a payload this upsert orphans.
	var previousHash string
	err = tx.QueryRowContext(ctx, `
		SELECT content_hash FROM cache_entries WHERE cache_key = ?
	`, key).Scan(&previousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cache put: read previous hash: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries
		(cache_key, cache_type, content_hash, created_at, last_accessed_at, expires_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(cache_key) DO UPDATE SET
			content_hash = excluded.content_hash,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at,
			access_count = 0
	`, key, cacheType, contentHash, now.UnixNano(), now.UnixNano(), expiresAt)
	if err != nil {
		return "", fmt.Errorf("cache put: write entry: %w", err)
	}

	if previousHash != "" && previousHash != contentHash {
		if err := deletePayloadIfUnreferencedTx(ctx, tx, previousHash); err != nil {
			return "", fmt.Errorf("cache put: collect orphaned payload: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("cache put: commit: %w", err)
	}

	return key, nil
}

// Evict removes entries of the given cache type, or every entry when
// cacheType is empty. Returns the number of metadata rows removed.
// Payloads left unreferenced by the eviction are removed as well.
func (s *Store) Evict(ctx context.Context, cacheType string) (int64, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache evict: begin tx: %w", err)
	}
	defer tx.Rollback()

	var result sql.Result
	if cacheType == "" {
		result, err = tx.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		result, err = tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_type = ?`, cacheType)
	}
	if err != nil {
		return 0, fmt.Errorf("cache evict: delete entries: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache evict: rows affected: %w", err)
	}

	if err := deleteUnreferencedPayloadsTx(ctx, tx); err != nil {
		return 0, fmt.Errorf("cache evict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache evict: commit: %w", err)
	}

	return count, nil
}

// Sweep proactively removes every expired entry and any payloads left
// unreferenced. Returns the number of entries removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: delete expired: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache sweep: rows affected: %w", err)
	}

	if err := deleteUnreferencedPayloadsTx(ctx, tx); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache sweep: commit: %w", err)
	}

	if count > 0 {
		slog.Info("cache sweep removed expired entries", "count", count)
	}
	return count, nil
}

// EntryCount returns the number of metadata rows in the index.
func (s *Store) EntryCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache entry count: %w", err)
	}
	return count, nil
}

// PayloadCount returns the number of physical payloads stored.
// Distinct from EntryCount when deduplication has shared payloads.
func (s *Store) PayloadCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_payloads`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache payload count: %w", err)
	}
	return count, nil
}

// Stats returns process-local hit/miss counters.
func (s *Store) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// removeEntryTx deletes one metadata row and, when no other row still
// references the same payload, the payload itself. Both steps run in
// the caller's transaction so the reference check cannot race a
// concurrent Put.
func removeEntryTx(ctx context.Context, tx *sql.Tx, key, contentHash string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return deletePayloadIfUnreferencedTx(ctx, tx, contentHash)
}

// deletePayloadIfUnreferencedTx physically removes a payload only after
// verifying no metadata row still points at it.
func deletePayloadIfUnreferencedTx(ctx context.Context, tx *sql.Tx, contentHash string) error {
	var refs int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries WHERE content_hash = ?
	`, contentHash).Scan(&refs)
	if err != nil {
		return fmt.Errorf("count payload references: %w", err)
	}
	if refs > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_payloads WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

// deleteUnreferencedPayloadsTx removes every payload no metadata row
// references. Used after bulk deletes (evict, sweep).
func deleteUnreferencedPayloadsTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM cache_payloads
		WHERE content_hash NOT IN (SELECT content_hash FROM cache_entries)
	`)
	if err != nil {
		return fmt.Errorf("delete unreferenced payloads: %w", err)
	}
	return nil
}
