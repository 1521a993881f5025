package thunk

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// hashSizeDigits is the width of the hex-encoded length suffix carried at the
// end of every content hash.
const hashSizeDigits = 8

// ComputeHash returns the content hash of data: the base64url SHA-256 digest
// followed by the blob length as eight hex digits.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s%08x",
		base64.RawURLEncoding.EncodeToString(sum[:]), uint32(len(data)))
}

// HashSize extracts the blob length embedded in a content hash.
func HashSize(hash string) (uint32, error) {
	if len(hash) <= hashSizeDigits {
		return 0, fmt.Errorf("malformed hash: %q", hash)
	}
	size, err := strconv.ParseUint(hash[len(hash)-hashSizeDigits:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed hash size suffix in %q: %w", hash, err)
	}
	return uint32(size), nil
}

// ForOutput derives the cache key that maps a (thunk, output tag) pair to the
// output's content hash.
func ForOutput(thunkHash, tag string) string {
	return thunkHash + "#" + tag
}
