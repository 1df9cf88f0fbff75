package content

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ContentHash returns the SHA-256 of the normalized text as 64 lowercase hex
// characters. Byte-equal inputs produce byte-equal outputs.
func ContentHash(normalizedText string) string {
	sum := sha256.Sum256([]byte(normalizedText))
	return hex.EncodeToString(sum[:])
}

// StructuralHash hashes the sorted tag-path multiset joined by newlines.
// It encodes the page skeleton without content: stable against text-only
// changes, sensitive to structural collapse or replacement.
func StructuralHash(tagPaths []string) string {
	sorted := append([]string(nil), tagPaths...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// URLKey returns the SHA-256 hex of a canonical URL, used as the render
// cache key and the snapshot index key.
func URLKey(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}
