package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the webhook signature for body: an HMAC-SHA256 keyed by
// the endpoint secret, rendered as "sha256=" plus lowercase hex. The
// body is the exact payload bytes as posted; receivers must verify
// against the raw request body, not a re-serialization.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. It is
// what a receiving endpoint runs before trusting a request.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
