// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. Item ids sort by creation time, which
// keeps the FIFO tie-break on id stable across backends.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Tokens issues opaque lease tokens. They are random rather than time
// ordered so one token never hints at the next.
type Tokens struct{}

// NewID returns a UUIDv4 string.
func (Tokens) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return id.String(), nil
}
