package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrNotTeamMember indicates the subject does not belong to the owning team.
	ErrNotTeamMember = errors.New("auth: not a team member")
)
