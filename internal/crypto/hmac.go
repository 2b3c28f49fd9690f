package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes HMAC-SHA256 over payload and returns it as lowercase hex.
func Sign(payload, key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
// Malformed hex input is a verification failure, not an error.
func Verify(payload []byte, sigHex string, key []byte) bool {
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, key)
	m.Write(payload)
	return hmac.Equal(got, m.Sum(nil))
}
