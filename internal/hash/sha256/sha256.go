// Package sha256 digests persisted records with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Hasher implements harvest.Hasher using SHA-256. Digests of persisted
// records let a resume prove untouched results stayed byte-identical.
type Hasher struct{}

var _ harvest.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON digests the JSON encoding of v.
func (h *Hasher) HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	return h.Hash(data)
}
