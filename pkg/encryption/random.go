package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString generates length random bytes from the CSPRNG, encoded
// to unpadded URL-safe base64 so the result can travel in query strings.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// MaskSecret keeps the head and tail of a secret so it can be recognised in
// logs without being disclosed.
func MaskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:6] + "..." + s[len(s)-4:]
}
