// Package checksum provides content digests used for book change detection
// and cache fingerprinting.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumJSON returns the hex-encoded SHA-256 digest of the canonical JSON
// encoding of v. encoding/json sorts map keys, so structurally identical
// values produce identical digests.
func SumJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}
