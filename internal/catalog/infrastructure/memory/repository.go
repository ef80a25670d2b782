package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	catalog "cito-engine/internal/catalog/domain"
)

// Repository is an in-memory event catalog for demo/testing.
type Repository struct {
	mu         sync.RWMutex
	teams      map[int64]catalog.Team
	categories map[int64]catalog.Category
	events     map[int64]catalog.EventDefinition
}

// NewRepository constructs an empty catalog.
func NewRepository() *Repository {
	return &Repository{
		teams:      make(map[int64]catalog.Team),
		categories: make(map[int64]catalog.Category),
		events:     make(map[int64]catalog.EventDefinition),
	}
}

// GetEvent loads an event definition by id.
func (r *Repository) GetEvent(_ context.Context, id int64) (*catalog.EventDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &event, nil
}

// ListEvents lists event definitions, optionally for one team.
func (r *Repository) ListEvents(_ context.Context, teamID int64) ([]catalog.EventDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []catalog.EventDefinition
	for _, event := range r.events {
		if teamID == 0 || event.TeamID == teamID {
			result = append(result, event)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetTeam loads a team.
func (r *Repository) GetTeam(_ context.Context, id int64) (*catalog.Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	team, ok := r.teams[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	team.Members = append([]string(nil), team.Members...)
	return &team, nil
}

// ListTeams lists all teams.
func (r *Repository) ListTeams(_ context.Context) ([]catalog.Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]catalog.Team, 0, len(r.teams))
	for _, team := range r.teams {
		team.Members = append([]string(nil), team.Members...)
		result = append(result, team)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// IsTeamMember reports whether subject belongs to the team.
func (r *Repository) IsTeamMember(_ context.Context, teamID int64, subject string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	team, ok := r.teams[teamID]
	if !ok {
		return false, nil
	}
	return team.HasMember(subject), nil
}

// SaveTeam upserts a team.
func (r *Repository) SaveTeam(_ context.Context, team *catalog.Team) error {
	if team == nil {
		return errors.New("catalog repo: nil team")
	}
	if err := team.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	stored := *team
	stored.Members = append([]string(nil), team.Members...)
	if existing, ok := r.teams[team.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.teams[team.ID] = stored
	return nil
}

// SaveCategory upserts a category.
func (r *Repository) SaveCategory(_ context.Context, category *catalog.Category) error {
	if category == nil {
		return errors.New("catalog repo: nil category")
	}
	if err := category.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories[category.ID] = *category
	return nil
}

// SaveEvent upserts an event definition.
func (r *Repository) SaveEvent(_ context.Context, event *catalog.EventDefinition) error {
	if event == nil {
		return errors.New("catalog repo: nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	stored := *event
	if existing, ok := r.events[event.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.events[event.ID] = stored
	return nil
}
