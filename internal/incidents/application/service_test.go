package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	catalog "cito-engine/internal/catalog/domain"
	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/incidents/infrastructure/memory"
)

type stubCatalog map[int64]*catalog.EventDefinition

func (s stubCatalog) GetEvent(_ context.Context, id int64) (*catalog.EventDefinition, error) {
	event, ok := s[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return event, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingNotifier struct {
	mu     sync.Mutex
	events []application.IncidentEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event application.IncidentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, event := range n.events {
		out = append(out, event.Type)
	}
	return out
}

func newService(t *testing.T, opts ...application.ServiceOption) (*application.Service, *memory.IncidentRepository) {
	t.Helper()
	events := stubCatalog{
		5: {ID: 5, TeamID: 1, Summary: "host down", Severity: "critical"},
		6: {ID: 6, TeamID: 2, Summary: "disk full", Severity: "warning"},
	}
	repo := memory.NewIncidentRepository(events)
	opts = append([]application.ServiceOption{
		application.WithLogger(zaptest.NewLogger(t)),
		application.WithClock(fixedClock{now: time.Unix(5000, 0).UTC()}),
	}, opts...)
	service, err := application.NewService(events, repo, opts...)
	require.NoError(t, err)
	return service, repo
}

var hostDown = application.RawReport{EventID: "5", Element: "host.cito.com", Message: "host is down"}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := application.NewService(nil, memory.NewIncidentRepository(nil))
	require.Error(t, err)
	_, err = application.NewService(stubCatalog{}, nil)
	require.Error(t, err)
}

func TestAddIncidentDedupLifecycle(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	first, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, incidents.StatusActive, first.Status)
	assert.Equal(t, 1, first.TotalIncidents)
	assert.Equal(t, time.Unix(1000, 0).UTC(), first.FirstEventTime)
	assert.Equal(t, first.FirstEventTime, first.LastEventTime)

	folded, err := service.AddIncident(ctx, hostDown, "1010")
	require.NoError(t, err)
	assert.Equal(t, first.ID, folded.ID)
	assert.Equal(t, 2, folded.TotalIncidents)
	assert.Equal(t, time.Unix(1000, 0).UTC(), folded.FirstEventTime)
	assert.Equal(t, time.Unix(1010, 0).UTC(), folded.LastEventTime)

	cleared, err := service.ToggleStatus(ctx, first.ID, incidents.StatusCleared, "alice", time.Unix(1015, 0))
	require.NoError(t, err)
	assert.Equal(t, incidents.StatusCleared, cleared.Status)

	second, err := service.AddIncident(ctx, hostDown, "1020")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, 1, second.TotalIncidents)
	assert.Equal(t, incidents.StatusActive, second.Status)

	old, err := service.GetIncident(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, incidents.StatusCleared, old.Status)
	assert.Equal(t, 2, old.TotalIncidents)
}

func TestAddIncidentFoldsIntoAcknowledged(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	first, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	_, err = service.ToggleStatus(ctx, first.ID, incidents.StatusAcknowledged, "bob", time.Time{})
	require.NoError(t, err)

	report := hostDown
	report.Message = "host still down"
	folded, err := service.AddIncident(ctx, report, "1005")
	require.NoError(t, err)
	assert.Equal(t, first.ID, folded.ID)
	assert.Equal(t, incidents.StatusAcknowledged, folded.Status)
	assert.Equal(t, "host still down", folded.Message)
	assert.Equal(t, 2, folded.TotalIncidents)
}

func TestAddIncidentLatestCallWinsLastEventTime(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	_, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	folded, err := service.AddIncident(ctx, hostDown, "900")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(900, 0).UTC(), folded.LastEventTime)
	assert.Equal(t, time.Unix(1000, 0).UTC(), folded.FirstEventTime)
}

func TestAddIncidentSeparatesElementsAndEvents(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	a, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	other := hostDown
	other.Element = "db.cito.com"
	b, err := service.AddIncident(ctx, other, "1000")
	require.NoError(t, err)
	otherEvent := hostDown
	otherEvent.EventID = "6"
	c, err := service.AddIncident(ctx, otherEvent, "1000")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, b.ID, c.ID)
}

func TestAddIncidentSilentlyIgnoresInvalidReports(t *testing.T) {
	ctx := context.Background()
	service, repo := newService(t)

	cases := []struct {
		report    application.RawReport
		timestamp string
	}{
		{report: application.RawReport{EventID: "abc", Element: "e", Message: "m"}, timestamp: "1000"},
		{report: application.RawReport{Element: "e", Message: "m"}, timestamp: "1000"},
		{report: application.RawReport{EventID: "5", Message: "m"}, timestamp: "1000"},
		{report: application.RawReport{EventID: "5", Element: "e"}, timestamp: "1000"},
		{report: hostDown, timestamp: ""},
		{report: hostDown, timestamp: "soon"},
		{report: hostDown, timestamp: "NaN"},
		{report: application.RawReport{EventID: "999", Element: "e", Message: "m"}, timestamp: "1000"},
	}
	for _, tc := range cases {
		inc, err := service.AddIncident(ctx, tc.report, tc.timestamp)
		require.NoError(t, err)
		assert.Nil(t, inc)
	}

	list, err := repo.ListIncidents(ctx, incidents.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAddIncidentWritesLogsAndNotifies(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	service, _ := newService(t, application.WithNotifier(notifier))

	inc, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	_, err = service.AddIncident(ctx, hostDown, "1001")
	require.NoError(t, err)
	_, err = service.ToggleStatus(ctx, inc.ID, incidents.StatusAcknowledged, "carol", time.Unix(1002, 0))
	require.NoError(t, err)

	logs, err := service.ListLogs(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, incidents.LogKindCreated, logs[0].Kind)
	assert.Equal(t, incidents.LogKindFolded, logs[1].Kind)
	assert.Equal(t, incidents.LogKindStatus, logs[2].Kind)
	assert.Equal(t, "carol changed status from Active to Acknowledged", logs[2].Msg)
	assert.Equal(t, "carol", logs[2].Actor)

	assert.Equal(t, []string{incidents.LogKindCreated, incidents.LogKindFolded, incidents.LogKindStatus}, notifier.types())
	require.NotNil(t, notifier.events[0].Event)
	assert.Equal(t, int64(1), notifier.events[0].Event.TeamID)
}

func TestToggleStatusTransitions(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	inc, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)

	steps := []incidents.Status{
		incidents.StatusAcknowledged,
		incidents.StatusActive,
		incidents.StatusCleared,
		incidents.StatusActive,
		incidents.StatusActive,
	}
	for i, status := range steps {
		updated, err := service.ToggleStatus(ctx, inc.ID, status, "", time.Unix(int64(2000+i), 0))
		require.NoError(t, err)
		assert.Equal(t, status, updated.Status)
	}

	logs, err := service.ListLogs(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1+len(steps))
	last := logs[len(logs)-1]
	assert.Equal(t, incidents.StatusActive, last.PreviousStatus)
	assert.Equal(t, incidents.StatusActive, last.NewStatus)
	assert.Equal(t, "system changed status from Active to Active", last.Msg)
}

func TestToggleStatusErrors(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	inc, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)

	_, err = service.ToggleStatus(ctx, inc.ID, incidents.Status("Resolved"), "a", time.Time{})
	require.ErrorIs(t, err, incidents.ErrInvalidStatus)

	_, err = service.ToggleStatus(ctx, 999, incidents.StatusCleared, "a", time.Time{})
	require.ErrorIs(t, err, incidents.ErrNotFound)

	updated, err := service.ToggleStatus(ctx, inc.ID, incidents.Status("cleared"), "a", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, incidents.StatusCleared, updated.Status)
	assert.Equal(t, time.Unix(5000, 0).UTC(), updated.CloseTime)
}

func TestToggleStatusReopenConflict(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	first, err := service.AddIncident(ctx, hostDown, "1000")
	require.NoError(t, err)
	_, err = service.ToggleStatus(ctx, first.ID, incidents.StatusCleared, "a", time.Time{})
	require.NoError(t, err)
	_, err = service.AddIncident(ctx, hostDown, "1100")
	require.NoError(t, err)

	_, err = service.ToggleStatus(ctx, first.ID, incidents.StatusActive, "a", time.Time{})
	require.ErrorIs(t, err, incidents.ErrConflict)

	logs, err := service.ListLogs(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestAddIncidentConcurrentReportsFoldIntoOne(t *testing.T) {
	ctx := context.Background()
	service, repo := newService(t)

	const reporters = 50
	var wg sync.WaitGroup
	errs := make(chan error, reporters)
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.AddIncident(ctx, hostDown, "1000"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := repo.ListIncidents(ctx, incidents.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, reporters, list[0].TotalIncidents)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	now := time.Unix(100_000, 0).UTC()

	a, err := service.AddIncident(ctx, hostDown, "99000")
	require.NoError(t, err)
	other := hostDown
	other.Element = "db.cito.com"
	b, err := service.AddIncident(ctx, other, "99000")
	require.NoError(t, err)
	disk := application.RawReport{EventID: "6", Element: "db.cito.com", Message: "disk full"}
	c, err := service.AddIncident(ctx, disk, "1000")
	require.NoError(t, err)

	_, err = service.ToggleStatus(ctx, a.ID, incidents.StatusAcknowledged, "a", now)
	require.NoError(t, err)
	_, err = service.ToggleStatus(ctx, b.ID, incidents.StatusCleared, "a", now)
	require.NoError(t, err)
	_, err = service.ToggleStatus(ctx, c.ID, incidents.StatusCleared, "a", now)
	require.NoError(t, err)

	stats, err := service.Stats(ctx, 0, now)
	require.NoError(t, err)
	assert.Equal(t, incidents.Stats{Active: 0, Acknowledged: 1, Cleared: 1}, stats)

	stats, err = service.Stats(ctx, 2, now)
	require.NoError(t, err)
	assert.Equal(t, incidents.Stats{}, stats)
}

func TestListIncidentsNormalizesFilter(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	for _, element := range []string{"a", "b", "c"} {
		report := hostDown
		report.Element = element
		_, err := service.AddIncident(ctx, report, "1000")
		require.NoError(t, err)
	}

	list, err := service.ListIncidents(ctx, incidents.ListFilter{Status: "active", OrderBy: "bogus"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = service.ListIncidents(ctx, incidents.ListFilter{Status: "open"})
	require.ErrorIs(t, err, incidents.ErrInvalidStatus)
}

func TestSearchElementSkipsClearedIncidents(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	var ids []int64
	for _, element := range []string{"Web-1", "web-2", "db-1"} {
		report := hostDown
		report.Element = element
		inc, err := service.AddIncident(ctx, report, "1000")
		require.NoError(t, err)
		ids = append(ids, inc.ID)
	}
	_, err := service.ToggleStatus(ctx, ids[1], incidents.StatusCleared, "alice", time.Time{})
	require.NoError(t, err)

	found, err := service.SearchElement(ctx, " WEB ", incidents.ListFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ids[0], found[0].ID)

	found, err = service.SearchElement(ctx, "", incidents.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

// flakyRepo wraps a repository and fails the first CreateIncident calls with ErrConflict.
type flakyRepo struct {
	*memory.IncidentRepository
	mu        sync.Mutex
	conflicts int
	createErr error
}

func (r *flakyRepo) RunInTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	return r.IncidentRepository.RunInTx(ctx, func(ctx context.Context, tx application.Tx) error {
		return fn(ctx, &flakyTx{Tx: tx, repo: r})
	})
}

type flakyTx struct {
	application.Tx
	repo *flakyRepo
}

func (t *flakyTx) CreateIncident(ctx context.Context, inc *incidents.Incident) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.repo.createErr != nil {
		return t.repo.createErr
	}
	if t.repo.conflicts > 0 {
		t.repo.conflicts--
		return incidents.ErrConflict
	}
	return t.Tx.CreateIncident(ctx, inc)
}

func newFlakyService(t *testing.T, repo *flakyRepo, retries int) *application.Service {
	t.Helper()
	events := stubCatalog{5: {ID: 5, TeamID: 1}}
	service, err := application.NewService(events, repo,
		application.WithLogger(zaptest.NewLogger(t)),
		application.WithConflictRetries(retries, time.Millisecond))
	require.NoError(t, err)
	return service
}

func TestAddIncidentRetriesConflicts(t *testing.T) {
	repo := &flakyRepo{IncidentRepository: memory.NewIncidentRepository(nil), conflicts: 2}
	service := newFlakyService(t, repo, 3)

	inc, err := service.AddIncident(context.Background(), hostDown, "1000")
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, 1, inc.TotalIncidents)
}

func TestAddIncidentSurfacesExhaustedConflict(t *testing.T) {
	repo := &flakyRepo{IncidentRepository: memory.NewIncidentRepository(nil), conflicts: 10}
	service := newFlakyService(t, repo, 2)

	inc, err := service.AddIncident(context.Background(), hostDown, "1000")
	require.ErrorIs(t, err, incidents.ErrConflict)
	assert.Nil(t, inc)
}

func TestAddIncidentPropagatesStoreFailure(t *testing.T) {
	storeErr := errors.New("connection reset")
	repo := &flakyRepo{IncidentRepository: memory.NewIncidentRepository(nil), createErr: storeErr}
	service := newFlakyService(t, repo, 3)

	inc, err := service.AddIncident(context.Background(), hostDown, "1000")
	require.ErrorIs(t, err, storeErr)
	assert.Nil(t, inc)
}

type failingCatalog struct{}

func (failingCatalog) GetEvent(context.Context, int64) (*catalog.EventDefinition, error) {
	return nil, errors.New("catalog unavailable")
}

func TestAddIncidentPropagatesCatalogFailure(t *testing.T) {
	service, err := application.NewService(failingCatalog{}, memory.NewIncidentRepository(nil))
	require.NoError(t, err)

	inc, err := service.AddIncident(context.Background(), hostDown, "1000")
	require.Error(t, err)
	assert.Nil(t, inc)
}
