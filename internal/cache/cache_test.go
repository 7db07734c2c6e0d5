package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
	"github.com/seaotterie/Grant-Automation-sub007/internal/testutil"
)

func newTestCache(t *testing.T, opts ...Option) (*Store, *testutil.FakeClock) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock)}, opts...)
	return Open(db, opts...), clock
}

// TestPutGet_RoundTrip verifies a stored payload is retrievable byte-identical.
func TestPutGet_RoundTrip(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	payload := []byte(`{"score": 0.92}`)
	key, err := s.Put(ctx, "org-42", "ai_classification", payload, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	got, hit, err := s.Get(ctx, "org-42", "ai_classification")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, payload, got)
}

// TestGet_MissOnUnknownKey verifies an absent entry is a miss, not an error.
func TestGet_MissOnUnknownKey(t *testing.T) {
	s, _ := newTestCache(t)

	_, hit, err := s.Get(context.Background(), "org-404", "ai_classification")
	require.NoError(t, err)
	assert.False(t, hit)
}

// TestPut_DeduplicatesIdenticalPayloads verifies two keys with the same
// content share one physical payload.
func TestPut_DeduplicatesIdenticalPayloads(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	payload := []byte("identical analysis result")

	_, err := s.Put(ctx, "org-1", "ai_classification", payload, 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-2", "ai_classification", payload, 0)
	require.NoError(t, err)

	entries, err := s.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entries, "each key gets its own metadata row")

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), payloads, "identical content is stored once")

	// Dedup is deliberately global: the same content under a
	// different cache type still shares the one physical payload.
	_, err = s.Put(ctx, "org-3", "web_scrape", payload, 0)
	require.NoError(t, err)
	payloads, err = s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), payloads, "payload sharing crosses cache types")

	// Both keys read back byte-identical content.
	a, hit, err := s.Get(ctx, "org-1", "ai_classification")
	require.NoError(t, err)
	require.True(t, hit)
	b, hit, err := s.Get(ctx, "org-2", "ai_classification")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, a, b)
}

// TestGet_ExpiresLazily verifies TTL boundary behavior: retrievable strictly
// before now+T, a miss at/after, and removed from the index on the first
// post-expiry read.
func TestGet_ExpiresLazily(t *testing.T) {
	s, clock := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-42", "api_fetch", []byte("fresh"), time.Hour)
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, hit, err := s.Get(ctx, "org-42", "api_fetch")
	require.NoError(t, err)
	assert.True(t, hit, "entry must be retrievable before expiry")

	clock.Advance(time.Minute) // exactly now+T
	_, hit, err = s.Get(ctx, "org-42", "api_fetch")
	require.NoError(t, err)
	assert.False(t, hit, "entry must be a miss at expiry")

	entries, err := s.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entries, "first post-expiry read removes the entry")

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), payloads, "unshared payload is removed with its entry")
}

// TestGet_ExpiryKeepsSharedPayload verifies expiring one alias of a
// deduplicated payload does not delete the physical copy another key
// still references.
func TestGet_ExpiryKeepsSharedPayload(t *testing.T) {
	s, clock := newTestCache(t)
	ctx := context.Background()

	payload := []byte("shared")
	_, err := s.Put(ctx, "org-1", "api_fetch", payload, time.Hour)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-2", "api_fetch", payload, 48*time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour) // expires org-1 only

	_, hit, err := s.Get(ctx, "org-1", "api_fetch")
	require.NoError(t, err)
	require.False(t, hit)

	got, hit, err := s.Get(ctx, "org-2", "api_fetch")
	require.NoError(t, err)
	require.True(t, hit, "surviving alias must still resolve")
	assert.Equal(t, payload, got)

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), payloads)
}

// TestPut_NoExpiry verifies NoExpiry entries survive arbitrary clock advances.
func TestPut_NoExpiry(t *testing.T) {
	s, clock := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-42", "tax_verification", []byte("990 filed"), NoExpiry)
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)

	_, hit, err := s.Get(ctx, "org-42", "tax_verification")
	require.NoError(t, err)
	assert.True(t, hit)
}

// TestPut_TypeTTLDefault verifies per-type TTL overrides apply when ttl=0.
func TestPut_TypeTTLDefault(t *testing.T) {
	s, clock := newTestCache(t, WithTypeTTL("ai_classification", 7*24*time.Hour))
	ctx := context.Background()

	_, err := s.Put(ctx, "org-42", "ai_classification", []byte("analysis"), 0)
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)
	_, hit, err := s.Get(ctx, "org-42", "ai_classification")
	require.NoError(t, err)
	assert.True(t, hit, "long-lived type must outlast the 24h default")

	clock.Advance(2 * 24 * time.Hour)
	_, hit, err = s.Get(ctx, "org-42", "ai_classification")
	require.NoError(t, err)
	assert.False(t, hit)
}

// TestPut_OverwriteCollectsOrphanedPayload verifies rewriting a key with new
// content garbage-collects the old payload once nothing references it.
func TestPut_OverwriteCollectsOrphanedPayload(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-42", "api_fetch", []byte("v1"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-42", "api_fetch", []byte("v2"), 0)
	require.NoError(t, err)

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), payloads, "orphaned v1 payload must be collected")

	got, hit, err := s.Get(ctx, "org-42", "api_fetch")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("v2"), got)
}

// TestEvict_ByType verifies type-scoped eviction leaves other types alone.
func TestEvict_ByType(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-1", "api_fetch", []byte("a"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-2", "api_fetch", []byte("b"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-1", "ai_classification", []byte("c"), 0)
	require.NoError(t, err)

	count, err := s.Evict(ctx, "api_fetch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, hit, err := s.Get(ctx, "org-1", "ai_classification")
	require.NoError(t, err)
	assert.True(t, hit, "other cache types must survive a scoped evict")
}

// TestEvict_All verifies an empty cacheType clears everything.
func TestEvict_All(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-1", "api_fetch", []byte("a"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-2", "ai_classification", []byte("b"), 0)
	require.NoError(t, err)

	count, err := s.Evict(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), payloads)
}

// TestSweep_RemovesOnlyExpired verifies the proactive sweep.
func TestSweep_RemovesOnlyExpired(t *testing.T) {
	s, clock := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-1", "api_fetch", []byte("short"), time.Hour)
	require.NoError(t, err)
	_, err = s.Put(ctx, "org-2", "api_fetch", []byte("long"), 72*time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries)
}

// TestGet_CorruptEntryTreatedAsMiss verifies an entry whose payload blob
// is gone behaves as never-seen rather than failing the caller.
func TestGet_CorruptEntryTreatedAsMiss(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := Open(db, WithClock(testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	_, err = s.Put(ctx, "org-42", "api_fetch", []byte("data"), 0)
	require.NoError(t, err)

	// Simulate corruption: the payload blob disappears out from under
	// the metadata row.
	_, err = db.DB().ExecContext(ctx, `DELETE FROM cache_payloads`)
	require.NoError(t, err)

	_, hit, err := s.Get(ctx, "org-42", "api_fetch")
	require.NoError(t, err, "corruption must not surface as an error")
	assert.False(t, hit)

	entries, err := s.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entries, "corrupt row must be dropped")
}

// TestStats_CountsHitsAndMisses verifies the process-local counters.
func TestStats_CountsHitsAndMisses(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "org-42", "api_fetch", []byte("x"), 0)
	require.NoError(t, err)

	_, _, err = s.Get(ctx, "org-42", "api_fetch")
	require.NoError(t, err)
	_, _, err = s.Get(ctx, "org-404", "api_fetch")
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

// TestKey_NormalizesIdentifiers verifies NFC-equivalent identifiers map to
// the same cache key.
func TestKey_NormalizesIdentifiers(t *testing.T) {
	// "é" as a single code point vs "e" + combining acute accent.
	composed := "café"
	decomposed := "café"

	assert.Equal(t, Key(composed, "api_fetch"), Key(decomposed, "api_fetch"))
	assert.NotEqual(t, Key(composed, "api_fetch"), Key(composed, "ai_classification"),
		"cache type must separate keys")
}

// TestConcurrentPutGet exercises the store under many concurrent callers.
func TestConcurrentPutGet(t *testing.T) {
	s, _ := newTestCache(t)
	ctx := context.Background()

	done := make(chan error, 16)
	payload := []byte("concurrent payload")
	for i := 0; i < 16; i++ {
		go func(n int) {
			id := "org-shared"
			if n%2 == 0 {
				_, err := s.Put(ctx, id, "api_fetch", payload, 0)
				done <- err
				return
			}
			_, _, err := s.Get(ctx, id, "api_fetch")
			done <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}

	payloads, err := s.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), payloads)
}
