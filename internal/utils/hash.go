package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

func HashString(s string) string {
	hasher := sha256.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Fingerprint identifies a secret in logs and admin listings without
// revealing it: the first 12 hex characters of its SHA-256.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return HashString(secret)[:12]
}
