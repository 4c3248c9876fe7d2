// Package uuid provides ID generation for tasks, connections and requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator producing bare UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewPrefixed creates a Generator whose IDs read "<prefix>_<uuid7>".
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUIDv7 string. Task IDs sort by creation time in logs and diagnostics.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil || g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "_" + id.String(), nil
}
