// Package cache stores fingerprinted question→query results so repeated
// questions skip planning and diagnosis.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the cache key for a question: hex SHA-256 of the
// trimmed, lower-cased text.
func Fingerprint(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question))))
	return hex.EncodeToString(sum[:])
}
