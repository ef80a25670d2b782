package auth

import (
	"context"
	"errors"
)

// TeamChecker authorizes operator actions against the team owning a resource.
type TeamChecker interface {
	EnsureTeamMember(ctx context.Context, subject string, role Role, teamID int64) error
}

// MembershipReader answers team membership queries.
type MembershipReader interface {
	IsTeamMember(ctx context.Context, teamID int64, subject string) (bool, error)
}

// MembershipChecker checks team membership through the catalog. Admins bypass the check.
type MembershipChecker struct {
	members MembershipReader
}

// NewMembershipChecker constructs a MembershipChecker.
func NewMembershipChecker(members MembershipReader) (*MembershipChecker, error) {
	if members == nil {
		return nil, errors.New("auth: nil membership reader")
	}
	return &MembershipChecker{members: members}, nil
}

// EnsureTeamMember verifies subject belongs to the team.
func (c *MembershipChecker) EnsureTeamMember(ctx context.Context, subject string, role Role, teamID int64) error {
	if role == RoleAdmin {
		return nil
	}
	if subject == "" {
		return ErrUnauthorized
	}
	ok, err := c.members.IsTeamMember(ctx, teamID, subject)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotTeamMember
	}
	return nil
}
