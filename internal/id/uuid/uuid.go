// Package uuid generates run and log identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator mints run and search-log ids as UUID v7, so run listings and
// export object names sort by start time.
type Generator struct{}

// New returns the generator wired into the run manager and history stores.
func New() *Generator {
	return &Generator{}
}

// NewID returns a run id in its canonical string form.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRawID returns a run id for progress events and map keys.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Parse validates an externally supplied run identifier.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", s, err)
	}
	return id, nil
}
