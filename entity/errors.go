package entity

import "github.com/pkg/errors"

// Sentinel errors: package-level vars wrapping a short, lower-case message,
// never a type hierarchy.
var (
	// ErrStopped is returned by Run when the entity stops itself (due to
	// replay or persist failure).
	ErrStopped = errors.New("entity has stopped")
)
