package catalog

import "errors"

var (
	// ErrNotFound indicates a missing catalog record.
	ErrNotFound = errors.New("catalog: not found")
	// ErrInvalidDefinition indicates a malformed catalog entry.
	ErrInvalidDefinition = errors.New("catalog: invalid definition")
)
