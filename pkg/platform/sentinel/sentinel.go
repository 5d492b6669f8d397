// Package sentinel holds the storage-level facts that stores report and
// services translate into domain errors. Input validation never uses these;
// it goes through pkg/domain-errors directly.
package sentinel

import "errors"

var (
	// ErrNotFound: no row, object or session under the key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyUsed: a unique key such as a namespace or session id is taken.
	ErrAlreadyUsed = errors.New("already used")
	// ErrExhausted: a tier quota has no remaining capacity.
	ErrExhausted = errors.New("exhausted")
	// ErrStaleVersion: the optimistic version did not match.
	ErrStaleVersion = errors.New("stale version")
	// ErrInvalidState: the entity cannot take the requested change.
	ErrInvalidState = errors.New("invalid state")
)
