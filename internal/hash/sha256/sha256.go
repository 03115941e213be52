// Package sha256 fingerprints suggested policies so runs can be compared.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Policy fingerprints a serialized policy. The empty policy has no
// fingerprint.
func (h *Hasher) Policy(header string) string {
	if header == "" {
		return ""
	}
	return h.Hash([]byte(header))
}
