package goverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// shortHashLen is the number of hash characters written to logs.
const shortHashLen = 12

// TokenHasher turns raw purchase tokens into keyed, one-way identifiers.
// Rotating the pepper invalidates every previously computed hash.
type TokenHasher struct {
	pepper []byte
}

// NewTokenHasher creates a hasher keyed with pepper.
func NewTokenHasher(pepper string) (*TokenHasher, error) {
	if pepper == "" {
		return nil, ErrEmptyPepper
	}
	return &TokenHasher{pepper: []byte(pepper)}, nil
}

// Hash returns the lowercase hex HMAC-SHA256 of token.
func (h *TokenHasher) Hash(token string) string {
	return HashToken(token, h.pepper)
}

// HashToken returns the lowercase hex HMAC-SHA256 of token keyed with pepper.
func HashToken(token string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ShortHash returns the log-safe prefix of a token hash.
func ShortHash(hash string) string {
	if len(hash) <= shortHashLen {
		return hash
	}
	return hash[:shortHashLen]
}
