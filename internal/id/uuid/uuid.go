// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/bonanza/internal/model"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewToken returns a fresh correlation token for one outbound fetch.
func (Generator) NewToken() (model.Token, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Token{}, fmt.Errorf("generate token: %w", err)
	}
	return model.Token(id), nil
}
