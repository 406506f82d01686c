// Package sha256 provides the SHA-256 content hasher used for highlight identity.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements dedup.Hasher using SHA-256.
type Hasher struct {
	// Length truncates the hex digest when positive.
	Length int
}

// New returns a SHA-256 hasher that keeps the first length hex characters;
// zero keeps the full digest.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h != nil && h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
