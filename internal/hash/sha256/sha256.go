// Package sha256 fingerprints run exports. The digest of runs/<run_id>.json
// travels as export_sha256 on the run-completed notification.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher implements ads.Hasher for run export checksums.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the lowercase hex digest of an encoded run export.
func (h *Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether a downloaded export matches its notified digest.
func (h *Hasher) Verify(data []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Sum(data)), []byte(digest)) == 1
}
