package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// checkSecret reports whether header matches secret via constant-time compare.
func checkSecret(secret, header string) bool {
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(header)) == 1
}

// checkSignature reports whether header (format "sha256=<hex>") is the HMAC-SHA256
// of body keyed by secret, compared in constant time.
func checkSignature(secret string, body, header []byte) bool {
	h := string(header)
	const prefix = "sha256="
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(h, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}
