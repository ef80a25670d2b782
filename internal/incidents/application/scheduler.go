package application

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	catalog "cito-engine/internal/catalog/domain"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/observability/metrics"
)

// DefaultStatsSpec refreshes the per-team gauges every minute.
const DefaultStatsSpec = "@every 1m"

// TeamLister lists the teams to publish stats for.
type TeamLister interface {
	ListTeams(ctx context.Context) ([]catalog.Team, error)
}

// StatsSource computes incident stats.
type StatsSource interface {
	Stats(ctx context.Context, teamID int64, now time.Time) (incidents.Stats, error)
}

// StatsScheduler periodically publishes per-team incident counts as metrics.
type StatsScheduler struct {
	teams  TeamLister
	stats  StatsSource
	spec   string
	logger *zap.Logger
	clock  Clock
}

// NewStatsScheduler constructs a scheduler. An empty spec uses DefaultStatsSpec.
func NewStatsScheduler(teams TeamLister, stats StatsSource, spec string, logger *zap.Logger) (*StatsScheduler, error) {
	if teams == nil {
		return nil, errors.New("stats scheduler: nil team lister")
	}
	if stats == nil {
		return nil, errors.New("stats scheduler: nil stats source")
	}
	if spec == "" {
		spec = DefaultStatsSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsScheduler{teams: teams, stats: stats, spec: spec, logger: logger, clock: systemClock{}}, nil
}

// Start runs the schedule until ctx is cancelled. It refreshes once immediately.
func (s *StatsScheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.RunOnce(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce publishes stats for all teams and the global totals.
func (s *StatsScheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.clock.Now()
	teams, err := s.teams.ListTeams(ctx)
	if err != nil {
		s.logger.Warn("stats schedule: list teams failed", zap.Error(err))
		return
	}
	s.publish(ctx, "", 0, now)
	for _, team := range teams {
		s.publish(ctx, strconv.FormatInt(team.ID, 10), team.ID, now)
	}
}

func (s *StatsScheduler) publish(ctx context.Context, label string, teamID int64, now time.Time) {
	stats, err := s.stats.Stats(ctx, teamID, now)
	if err != nil {
		s.logger.Warn("stats schedule: compute failed", zap.Int64("team_id", teamID), zap.Error(err))
		return
	}
	metrics.SetTeamIncidents(label, string(incidents.StatusActive), stats.Active)
	metrics.SetTeamIncidents(label, string(incidents.StatusAcknowledged), stats.Acknowledged)
	metrics.SetTeamIncidents(label, string(incidents.StatusCleared), stats.Cleared)
}
