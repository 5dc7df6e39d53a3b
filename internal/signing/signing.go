package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
)

// Header is the HTTP header carrying the payload signature.
const Header = "X-Signature"

// Sign returns the hex-encoded HMAC-SHA1 of payload keyed with secret.
// ok is false when secret is empty, in which case no header should be sent.
func Sign(secret string, payload []byte) (signature string, ok bool) {
	if secret == "" {
		return "", false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), true
}

// Verify reports whether signature matches the payload for secret.
func Verify(secret string, payload []byte, signature string) bool {
	want, ok := Sign(secret, payload)
	if !ok || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(want))
}
