package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	domainKey     = "grantgate/cache-key/v1"
	domainPayload = "grantgate/payload/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key derives the cache key for an (identifier, cacheType) pair.
//
// Identifiers are NFC normalized before hashing so that visually
// identical Unicode strings map to the same key regardless of which
// upstream API produced them.
func Key(identifier, cacheType string) string {
	return hashWithDomain(domainKey,
		[]byte(norm.NFC.String(cacheType)),
		[]byte(norm.NFC.String(identifier)),
	)
}

// ContentHash computes the deduplication digest of a serialized payload.
// Two payloads share physical storage iff their ContentHash matches.
func ContentHash(payload []byte) string {
	return hashWithDomain(domainPayload, payload)
}
