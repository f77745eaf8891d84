package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IntegritySHA256 hashes the canonical JSON encoding of a row snapshot.
// Stored next to the row so tampering is detectable offline.
func IntegritySHA256(snapshot any) (string, error) {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal integrity snapshot: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
