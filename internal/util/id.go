package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewID returns a 24 character hex id for stored records.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IsID reports whether s has the shape produced by NewID.
func IsID(s string) bool {
	return idPattern.MatchString(s)
}

// NewRequestID returns a random UUID for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}
