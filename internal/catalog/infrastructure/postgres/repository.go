package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	catalog "cito-engine/internal/catalog/domain"
)

// Repository is a Postgres implementation of the event catalog.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetEvent loads an event definition by id.
func (r *Repository) GetEvent(ctx context.Context, id int64) (*catalog.EventDefinition, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("catalog repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, team_id, category_id, summary, description, severity, created_at, updated_at
FROM events
WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	return event, err
}

// ListEvents lists event definitions, optionally for one team.
func (r *Repository) ListEvents(ctx context.Context, teamID int64) ([]catalog.EventDefinition, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("catalog repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, team_id, category_id, summary, description, severity, created_at, updated_at
FROM events
WHERE $1::bigint = 0 OR team_id = $1
ORDER BY id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []catalog.EventDefinition
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *event)
	}
	return result, rows.Err()
}

// GetTeam loads a team and its members.
func (r *Repository) GetTeam(ctx context.Context, id int64) (*catalog.Team, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("catalog repo: nil db")
	}
	var team catalog.Team
	if err := r.db.QueryRowContext(ctx, `
SELECT id, name, description, created_at, updated_at
FROM teams
WHERE id = $1`, id).Scan(&team.ID, &team.Name, &team.Description, &team.CreatedAt, &team.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, err
	}
	members, err := r.members(ctx, id)
	if err != nil {
		return nil, err
	}
	team.Members = members
	team.CreatedAt = team.CreatedAt.UTC()
	team.UpdatedAt = team.UpdatedAt.UTC()
	return &team, nil
}

// ListTeams lists all teams with their members.
func (r *Repository) ListTeams(ctx context.Context) ([]catalog.Team, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("catalog repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, created_at, updated_at FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var teams []catalog.Team
	for rows.Next() {
		var team catalog.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.Description, &team.CreatedAt, &team.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		team.CreatedAt = team.CreatedAt.UTC()
		team.UpdatedAt = team.UpdatedAt.UTC()
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range teams {
		members, err := r.members(ctx, teams[i].ID)
		if err != nil {
			return nil, err
		}
		teams[i].Members = members
	}
	return teams, nil
}

// IsTeamMember reports whether subject belongs to the team.
func (r *Repository) IsTeamMember(ctx context.Context, teamID int64, subject string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("catalog repo: nil db")
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND subject = $2)`, teamID, subject).Scan(&exists)
	return exists, err
}

// SaveTeam upserts a team and replaces its member list.
func (r *Repository) SaveTeam(ctx context.Context, team *catalog.Team) (err error) {
	if r == nil || r.db == nil {
		return errors.New("catalog repo: nil db")
	}
	if team == nil {
		return errors.New("catalog repo: nil team")
	}
	if err := team.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO teams (id, name, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	updated_at = EXCLUDED.updated_at`, team.ID, team.Name, team.Description, now); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = $1`, team.ID); err != nil {
		return err
	}
	for _, member := range team.Members {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO team_members (team_id, subject) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, team.ID, member); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveCategory upserts a category.
func (r *Repository) SaveCategory(ctx context.Context, category *catalog.Category) error {
	if r == nil || r.db == nil {
		return errors.New("catalog repo: nil db")
	}
	if category == nil {
		return errors.New("catalog repo: nil category")
	}
	if err := category.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO categories (id, type) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type`, category.ID, category.Type)
	return err
}

// SaveEvent upserts an event definition.
func (r *Repository) SaveEvent(ctx context.Context, event *catalog.EventDefinition) error {
	if r == nil || r.db == nil {
		return errors.New("catalog repo: nil db")
	}
	if event == nil {
		return errors.New("catalog repo: nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO events (id, team_id, category_id, summary, description, severity, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (id) DO UPDATE SET
	team_id = EXCLUDED.team_id,
	category_id = EXCLUDED.category_id,
	summary = EXCLUDED.summary,
	description = EXCLUDED.description,
	severity = EXCLUDED.severity,
	updated_at = EXCLUDED.updated_at`,
		event.ID,
		event.TeamID,
		event.CategoryID,
		event.Summary,
		event.Description,
		event.Severity,
		now,
	)
	return err
}

func (r *Repository) members(ctx context.Context, teamID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT subject FROM team_members WHERE team_id = $1 ORDER BY subject`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, err
		}
		members = append(members, subject)
	}
	return members, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*catalog.EventDefinition, error) {
	var event catalog.EventDefinition
	if err := row.Scan(
		&event.ID,
		&event.TeamID,
		&event.CategoryID,
		&event.Summary,
		&event.Description,
		&event.Severity,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return &event, nil
}
