package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// fingerprintLen is the number of hash characters embedded in a visitor id.
const fingerprintLen = 12

// Hasher turns a sensitive value into an opaque digest.
type Hasher interface {
	Hash(s string) (string, error)
}

// SHA256Hasher returns the lowercase hex SHA-256 digest.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(s string) (string, error) {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// DJB2 is the non-cryptographic string hash used for fingerprints and as
// the fallback when no Hasher is available, rendered in base 36.
func DJB2(s string) string {
	h := uint32(5381)
	for _, r := range s {
		h = h<<5 + h + uint32(r)
	}
	return strconv.FormatUint(uint64(h), 36)
}

// HashOrFallback hashes s with h, falling back to DJB2 when h is nil or fails.
func HashOrFallback(h Hasher, s string) string {
	if h != nil {
		if sum, err := h.Hash(s); err == nil && sum != "" {
			return sum
		}
	}
	return DJB2(s)
}

// Fingerprint derives the low-entropy environment hash. Identical signal sets
// always yield the same value.
func Fingerprint(env Environment) string {
	fp := DJB2(strings.Join(env.Signals(), "|"))
	if len(fp) > fingerprintLen {
		fp = fp[:fingerprintLen]
	}
	return fp
}
