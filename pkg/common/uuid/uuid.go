// Package uuid provides a thin wrapper around github.com/google/uuid so the
// rest of the codebase depends on a single identifier type.
package uuid

import "github.com/google/uuid"

// UUID is a 128 bit (16 byte) Universal Unique IDentifier as defined in
// RFC 4122.
type UUID = uuid.UUID

// Nil is the zero value UUID.
var Nil = uuid.Nil

// New returns a random (version 4) UUID.
func New() UUID { return uuid.New() }

// Parse decodes s into a UUID or returns an error.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse decodes s into a UUID or panics. Intended for tests and
// compile-time constants only.
func MustParse(s string) UUID { return uuid.MustParse(s) }
