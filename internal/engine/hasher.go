package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cardforge/cardfed/internal/catalog"
)

// HashContent computes SHA256 hash of content bytes
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashString computes SHA256 hash of a string
func HashString(content string) string {
	return HashContent([]byte(content))
}

// HashCard fingerprints a card's content. encoding/json sorts map keys,
// so the same card always encodes to the same bytes.
func HashCard(card catalog.Card) (string, error) {
	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return HashContent(data), nil
}
