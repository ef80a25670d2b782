package application

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	catalog "cito-engine/internal/catalog/domain"
	"cito-engine/internal/catalog/infrastructure/memory"
)

const seedYAML = `
teams:
  - id: 1
    name: Infra
    description: platform on-call
    members: [alice, bob]
categories:
  - id: 10
    type: availability
events:
  - id: 5
    team_id: 1
    category_id: 10
    summary: host is down
    severity: critical
`

func TestLoadSeed(t *testing.T) {
	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Teams, 1)
	assert.Equal(t, []string{"alice", "bob"}, seed.Teams[0].Members)
	require.Len(t, seed.Events, 1)
	assert.Equal(t, "critical", seed.Events[0].Severity)
}

func TestLoadSeedRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "teams:\n  - id: 1\n    name: a\n    owner: x\n",
		"unknown team":     "categories:\n  - id: 1\n    type: x\nevents:\n  - id: 1\n    team_id: 9\n    category_id: 1\n    summary: s\n",
		"unknown category": "teams:\n  - id: 1\n    name: a\nevents:\n  - id: 1\n    team_id: 1\n    category_id: 9\n    summary: s\n",
		"duplicate team":   "teams:\n  - id: 1\n    name: a\n  - id: 1\n    name: b\n",
		"empty summary":    "teams:\n  - id: 1\n    name: a\ncategories:\n  - id: 1\n    type: x\nevents:\n  - id: 1\n    team_id: 1\n    category_id: 1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSeed(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadSeedEmptyDocument(t *testing.T) {
	seed, err := LoadSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Events)
}

func TestSyncUpsertsCatalog(t *testing.T) {
	repo := memory.NewRepository()
	service, err := NewSyncService(repo, zaptest.NewLogger(t))
	require.NoError(t, err)

	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	ctx := context.Background()
	result, err := service.Sync(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Teams: 1, Categories: 1, Events: 1}, result)

	event, err := repo.GetEvent(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), event.TeamID)

	member, err := repo.IsTeamMember(ctx, 1, "bob")
	require.NoError(t, err)
	assert.True(t, member)

	seed.Events[0].Summary = "host unreachable"
	_, err = service.Sync(ctx, seed)
	require.NoError(t, err)
	event, err = repo.GetEvent(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "host unreachable", event.Summary)

	_, err = repo.GetEvent(ctx, 6)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
