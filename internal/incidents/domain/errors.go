package incidents

import "errors"

var (
	// ErrNotFound indicates a missing incident record.
	ErrNotFound = errors.New("incidents: not found")
	// ErrConflict indicates a concurrent writer created or changed the same incident.
	ErrConflict = errors.New("incidents: conflict")
	// ErrInvalidStatus indicates an unknown lifecycle status.
	ErrInvalidStatus = errors.New("incidents: invalid status")
)
