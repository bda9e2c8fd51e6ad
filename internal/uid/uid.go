// Package uid generates random identifiers for temp file names and request
// IDs.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// random returns 2*n hex characters read from crypto/rand.
func random(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%0*x", 2*n, time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// New generates a 32-character hex string suitable for temp file names.
func New() string {
	return random(16)
}

// Short generates a 16-character uppercase hex string used as a request ID.
func Short() string {
	return strings.ToUpper(random(8))
}
