package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash hashes the given parts with a unit separator between them,
// so ("ab", "c") and ("a", "bc") differ.
func ContentHash(parts ...string) string {
	hasher := sha256.New()
	hasher.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hasher.Sum(nil))
}

func ShortHash(parts ...string) string {
	return ContentHash(parts...)[:16]
}
