package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	catalog "cito-engine/internal/catalog/domain"
)

// Seed is the YAML document describing teams, categories and event definitions.
type Seed struct {
	Teams      []catalog.Team            `yaml:"teams"`
	Categories []catalog.Category        `yaml:"categories"`
	Events     []catalog.EventDefinition `yaml:"events"`
}

// LoadSeedFile reads a seed document from path.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read seed: %w", err)
	}
	return LoadSeed(bytes.NewReader(data))
}

// LoadSeed decodes and validates a seed document. Unknown keys are rejected.
func LoadSeed(r io.Reader) (*Seed, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var seed Seed
	if err := decoder.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("catalog: decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks every entry and the references between them.
func (s Seed) Validate() error {
	teams := make(map[int64]struct{}, len(s.Teams))
	for _, team := range s.Teams {
		if err := team.Validate(); err != nil {
			return err
		}
		if _, dup := teams[team.ID]; dup {
			return fmt.Errorf("%w: duplicate team %d", catalog.ErrInvalidDefinition, team.ID)
		}
		teams[team.ID] = struct{}{}
	}
	categories := make(map[int64]struct{}, len(s.Categories))
	for _, category := range s.Categories {
		if err := category.Validate(); err != nil {
			return err
		}
		if _, dup := categories[category.ID]; dup {
			return fmt.Errorf("%w: duplicate category %d", catalog.ErrInvalidDefinition, category.ID)
		}
		categories[category.ID] = struct{}{}
	}
	events := make(map[int64]struct{}, len(s.Events))
	for _, event := range s.Events {
		if err := event.Validate(); err != nil {
			return err
		}
		if _, dup := events[event.ID]; dup {
			return fmt.Errorf("%w: duplicate event %d", catalog.ErrInvalidDefinition, event.ID)
		}
		if _, ok := teams[event.TeamID]; !ok {
			return fmt.Errorf("%w: event %d references unknown team %d", catalog.ErrInvalidDefinition, event.ID, event.TeamID)
		}
		if _, ok := categories[event.CategoryID]; !ok {
			return fmt.Errorf("%w: event %d references unknown category %d", catalog.ErrInvalidDefinition, event.ID, event.CategoryID)
		}
		events[event.ID] = struct{}{}
	}
	return nil
}

// SyncResult counts upserted records.
type SyncResult struct {
	Teams      int
	Categories int
	Events     int
}

// SyncService writes seed documents into the catalog.
type SyncService struct {
	repo   catalog.Repository
	logger *zap.Logger
}

// NewSyncService constructs a sync service.
func NewSyncService(repo catalog.Repository, logger *zap.Logger) (*SyncService, error) {
	if repo == nil {
		return nil, errors.New("catalog: nil repository")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{repo: repo, logger: logger}, nil
}

// Sync upserts teams, then categories, then events. Existing records absent from the seed are kept.
func (s *SyncService) Sync(ctx context.Context, seed *Seed) (SyncResult, error) {
	if s == nil {
		return SyncResult{}, errors.New("catalog: nil sync service")
	}
	if seed == nil {
		return SyncResult{}, errors.New("catalog: nil seed")
	}
	if err := seed.Validate(); err != nil {
		return SyncResult{}, err
	}
	var result SyncResult
	for i := range seed.Teams {
		if err := s.repo.SaveTeam(ctx, &seed.Teams[i]); err != nil {
			return result, fmt.Errorf("catalog: save team %d: %w", seed.Teams[i].ID, err)
		}
		result.Teams++
	}
	for i := range seed.Categories {
		if err := s.repo.SaveCategory(ctx, &seed.Categories[i]); err != nil {
			return result, fmt.Errorf("catalog: save category %d: %w", seed.Categories[i].ID, err)
		}
		result.Categories++
	}
	for i := range seed.Events {
		if err := s.repo.SaveEvent(ctx, &seed.Events[i]); err != nil {
			return result, fmt.Errorf("catalog: save event %d: %w", seed.Events[i].ID, err)
		}
		result.Events++
	}
	s.logger.Info("catalog synced",
		zap.Int("teams", result.Teams),
		zap.Int("categories", result.Categories),
		zap.Int("events", result.Events))
	return result, nil
}
