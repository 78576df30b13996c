package rand

import (
	crand "crypto/rand"

	"github.com/google/uuid"
)

// GenerateUuid returns a fresh random identifier for connections and calls.
func GenerateUuid() string {
	return uuid.New().String()
}

// Bytes returns n cryptographically random bytes (nonces, cookies, certificates).
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		// crypto/rand never fails on the supported platforms; a broken
		// entropy source is not something we can recover from here.
		panic(err)
	}
	return b
}
