// Package ai provides text-generation clients for reply drafting.
package ai

import (
	"errors"
	"fmt"

	"github.com/ashureev/wabridge/internal/ai/aierr"
)

// Generation failure classes, shared with aierr.
var (
	ErrAuth      = aierr.ErrAuth
	ErrRateLimit = aierr.ErrRateLimit
	ErrNetwork   = aierr.ErrNetwork
	ErrUnknown   = aierr.ErrUnknown
)

// Classify returns the failure class sentinel for err, or nil for a nil error.
func Classify(err error) error {
	return aierr.Classify(err)
}

// wrap tags err with its failure class.
func wrap(op string, err error) error {
	class := Classify(err)
	if errors.Is(err, class) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, class, err)
}
