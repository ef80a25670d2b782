package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Team owns a set of event definitions and the incidents raised from them.
type Team struct {
	ID          int64     `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Members     []string  `json:"members,omitempty" yaml:"members"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Category groups event definitions by fault type.
type Category struct {
	ID   int64  `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
}

// EventDefinition is a known class of fault a monitor can report.
type EventDefinition struct {
	ID          int64     `json:"id" yaml:"id"`
	TeamID      int64     `json:"team_id" yaml:"team_id"`
	CategoryID  int64     `json:"category_id" yaml:"category_id"`
	Summary     string    `json:"summary" yaml:"summary"`
	Description string    `json:"description" yaml:"description"`
	Severity    string    `json:"severity" yaml:"severity"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// HasMember reports whether subject belongs to the team.
func (t Team) HasMember(subject string) bool {
	if subject == "" {
		return false
	}
	for _, member := range t.Members {
		if member == subject {
			return true
		}
	}
	return false
}

// Validate checks team invariants.
func (t Team) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("%w: team id must be positive", ErrInvalidDefinition)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: team %d has empty name", ErrInvalidDefinition, t.ID)
	}
	return nil
}

// Validate checks category invariants.
func (c Category) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: category id must be positive", ErrInvalidDefinition)
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("%w: category %d has empty type", ErrInvalidDefinition, c.ID)
	}
	return nil
}

// Validate checks event definition invariants.
func (e EventDefinition) Validate() error {
	if e.ID <= 0 {
		return fmt.Errorf("%w: event id must be positive", ErrInvalidDefinition)
	}
	if e.TeamID <= 0 {
		return fmt.Errorf("%w: event %d has no team", ErrInvalidDefinition, e.ID)
	}
	if e.CategoryID <= 0 {
		return fmt.Errorf("%w: event %d has no category", ErrInvalidDefinition, e.ID)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("%w: event %d has empty summary", ErrInvalidDefinition, e.ID)
	}
	return nil
}

// Repository manages catalog persistence.
type Repository interface {
	GetEvent(ctx context.Context, id int64) (*EventDefinition, error)
	ListEvents(ctx context.Context, teamID int64) ([]EventDefinition, error)
	GetTeam(ctx context.Context, id int64) (*Team, error)
	ListTeams(ctx context.Context) ([]Team, error)
	SaveTeam(ctx context.Context, team *Team) error
	SaveCategory(ctx context.Context, category *Category) error
	SaveEvent(ctx context.Context, event *EventDefinition) error
}
