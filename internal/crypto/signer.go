// Package crypto provides request signing for authenticated exchange API
// calls.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// RequestSigner signs request query strings with HMAC-SHA256, the scheme
// Binance uses for its signed REST endpoints.
type RequestSigner struct {
	secret []byte
}

// NewRequestSigner creates a signer from the API secret key.
func NewRequestSigner(secret string) *RequestSigner {
	return &RequestSigner{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonical query string.
func (s *RequestSigner) Sign(query string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the query. Comparison is constant
// time.
func Verify(secret, query, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hmac.Equal(sig, mac.Sum(nil))
}
