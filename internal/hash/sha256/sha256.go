// Package sha256 derives stable digests for URL dedup keys.
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

// Key hashes the parts joined by NUL bytes, so ("ab","c") and ("a","bc")
// never collide.
func (h *Hasher) Key(parts ...string) string {
	d := sha256.New()
	for i, p := range parts {
		if i > 0 {
			d.Write([]byte{0})
		}
		d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}
