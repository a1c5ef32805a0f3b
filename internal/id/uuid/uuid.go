// Package uuid generates the run and message IDs the tracker hands out.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Generator creates time-ordered UUID v7 strings, so run IDs sort in the
// order the runs started.
type Generator struct{}

var _ tracker.IDGenerator = Generator{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
