// Package id provides UUIDv7 identifiers for engine entities. Time-ordered
// ids keep sync runs, snapshots, and DLQ messages naturally sorted by
// creation without a separate timestamp index.
package id

import (
	"github.com/google/uuid"
)

// ID aliases uuid.UUID so call sites stay free of the library import.
type ID = uuid.UUID

// New returns a UUIDv7 (RFC 9562). The leading 48 bits carry a Unix
// timestamp, which also gives good B-tree locality in PostgreSQL.
func New() ID {
	v7, err := uuid.NewV7()
	if err != nil {
		// NewV7 fails only when the entropy source does; fall back to v4.
		return uuid.New()
	}
	return v7
}

// Parse converts a string to an ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// MustParse converts a string to an ID, panicking on error.
// Use only for constants and tests.
func MustParse(s string) ID {
	return uuid.MustParse(s)
}

// Nil returns the zero-value UUID.
func Nil() ID {
	return uuid.Nil
}

// IsNil reports whether id is the zero value.
func IsNil(id ID) bool {
	return id == uuid.Nil
}
