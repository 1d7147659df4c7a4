package rating

import "github.com/cespare/xxhash/v2"

// A task's version fingerprint is a 64-bit hash over its free-text fields.
// It is the sole invalidation signal: any stored rating stamped with a
// different fingerprint is stale. Values in {-1, 0, 1} (and SQL NULL) are
// reserved as invalid markers.

// Fingerprint hashes the task's main text concatenated with the context
// text (branches, geo or client).
func Fingerprint(main, sub string) int64 {
	return int64(xxhash.Sum64String(main + sub))
}

// ValidHash reports whether a stored hash is a real fingerprint rather
// than one of the invalid markers.
func ValidHash(h int64) bool {
	return h != -1 && h != 0 && h != 1
}
