package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-character random hex identifier.
func NewID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
