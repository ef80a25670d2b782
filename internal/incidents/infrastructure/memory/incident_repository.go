package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	catalog "cito-engine/internal/catalog/domain"
	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
)

// EventLookup resolves the team owning an event definition.
type EventLookup interface {
	GetEvent(ctx context.Context, id int64) (*catalog.EventDefinition, error)
}

// IncidentRepository is an in-memory incident store for demo/testing.
// Transactions are serialized; writes are staged and applied on commit.
type IncidentRepository struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	incidents map[int64]incidents.Incident
	logs      map[int64][]incidents.IncidentLog
	nextID    int64
	nextLogID int64

	events EventLookup
}

// NewIncidentRepository constructs a repository. events is used for team filters and may be nil.
func NewIncidentRepository(events EventLookup) *IncidentRepository {
	return &IncidentRepository{
		incidents: make(map[int64]incidents.Incident),
		logs:      make(map[int64][]incidents.IncidentLog),
		events:    events,
	}
}

// RunInTx runs fn in a serialized transaction.
func (r *IncidentRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	if r == nil {
		return errors.New("incident repo: nil repository")
	}
	if fn == nil {
		return errors.New("incident repo: nil tx func")
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memoryTx{repo: r, staged: make(map[int64]incidents.Incident)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inc := range tx.staged {
		r.incidents[id] = inc
	}
	for _, entry := range tx.logs {
		r.logs[entry.IncidentID] = append(r.logs[entry.IncidentID], entry)
	}
	return nil
}

// GetIncident returns an incident by id or nil.
func (r *IncidentRepository) GetIncident(_ context.Context, id int64) (*incidents.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

// ListIncidents returns incidents matching filter.
func (r *IncidentRepository) ListIncidents(ctx context.Context, filter incidents.ListFilter) ([]incidents.Incident, error) {
	r.mu.RLock()
	all := make([]incidents.Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		all = append(all, inc)
	}
	r.mu.RUnlock()

	var result []incidents.Incident
	for _, inc := range all {
		ok, err := r.matches(ctx, inc, filter.TeamID, filter.Status, filter.Since)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if filter.EventID != 0 && inc.EventID != filter.EventID {
			continue
		}
		if filter.Element != "" && inc.Element != filter.Element {
			continue
		}
		if filter.ElementContains != "" && !strings.Contains(strings.ToLower(inc.Element), strings.ToLower(filter.ElementContains)) {
			continue
		}
		if filter.OpenOnly && !inc.IsOpen() {
			continue
		}
		result = append(result, inc)
	}
	sortIncidents(result, filter.OrderBy)

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListLogs returns the logs of an incident, oldest first.
func (r *IncidentRepository) ListLogs(_ context.Context, incidentID int64) ([]incidents.IncidentLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logs := r.logs[incidentID]
	out := make([]incidents.IncidentLog, len(logs))
	copy(out, logs)
	return out, nil
}

// CountByStatus counts incidents of a status, optionally per team and first seen since.
func (r *IncidentRepository) CountByStatus(ctx context.Context, teamID int64, status incidents.Status, since time.Time) (int, error) {
	r.mu.RLock()
	all := make([]incidents.Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		all = append(all, inc)
	}
	r.mu.RUnlock()

	count := 0
	for _, inc := range all {
		ok, err := r.matches(ctx, inc, teamID, status, since)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (r *IncidentRepository) matches(ctx context.Context, inc incidents.Incident, teamID int64, status incidents.Status, since time.Time) (bool, error) {
	if status != "" && !strings.EqualFold(string(inc.Status), string(status)) {
		return false, nil
	}
	if !since.IsZero() && inc.FirstEventTime.Before(since) {
		return false, nil
	}
	if teamID == 0 {
		return true, nil
	}
	if r.events == nil {
		return false, nil
	}
	event, err := r.events.GetEvent(ctx, inc.EventID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return false, err
	}
	return event != nil && event.TeamID == teamID, nil
}

func sortIncidents(list []incidents.Incident, order string) {
	less := func(i, j int) bool { return list[i].ID > list[j].ID }
	switch order {
	case incidents.OrderFirstEventAsc:
		less = func(i, j int) bool { return list[i].FirstEventTime.Before(list[j].FirstEventTime) }
	case incidents.OrderFirstEventDesc:
		less = func(i, j int) bool { return list[i].FirstEventTime.After(list[j].FirstEventTime) }
	case incidents.OrderLastEventAsc:
		less = func(i, j int) bool { return list[i].LastEventTime.Before(list[j].LastEventTime) }
	case incidents.OrderLastEventDesc:
		less = func(i, j int) bool { return list[i].LastEventTime.After(list[j].LastEventTime) }
	case incidents.OrderCountAsc:
		less = func(i, j int) bool { return list[i].TotalIncidents < list[j].TotalIncidents }
	case incidents.OrderCountDesc:
		less = func(i, j int) bool { return list[i].TotalIncidents > list[j].TotalIncidents }
	}
	sort.SliceStable(list, less)
}

type memoryTx struct {
	repo   *IncidentRepository
	staged map[int64]incidents.Incident
	logs   []incidents.IncidentLog
}

// LockDedupKey is a no-op: RunInTx already serializes all transactions.
func (t *memoryTx) LockDedupKey(context.Context, incidents.DedupKey) error {
	return nil
}

func (t *memoryTx) FindOpenIncident(_ context.Context, key incidents.DedupKey) (*incidents.Incident, error) {
	var found *incidents.Incident
	for _, inc := range t.snapshot() {
		if !inc.IsOpen() || inc.Key() != key {
			continue
		}
		if found == nil || inc.ID > found.ID {
			candidate := inc
			found = &candidate
		}
	}
	return found, nil
}

func (t *memoryTx) CreateIncident(_ context.Context, inc *incidents.Incident) error {
	if inc == nil {
		return errors.New("incident repo: nil incident")
	}
	if inc.EventID <= 0 || inc.Element == "" {
		return errors.New("incident repo: missing fields")
	}
	if inc.IsOpen() && t.openConflict(inc.Key(), 0) {
		return incidents.ErrConflict
	}
	t.repo.mu.Lock()
	t.repo.nextID++
	inc.ID = t.repo.nextID
	t.repo.mu.Unlock()
	t.staged[inc.ID] = *inc
	return nil
}

func (t *memoryTx) GetIncidentForUpdate(_ context.Context, id int64) (*incidents.Incident, error) {
	if inc, ok := t.staged[id]; ok {
		return &inc, nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	inc, ok := t.repo.incidents[id]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

func (t *memoryTx) SaveIncident(_ context.Context, inc *incidents.Incident) error {
	if inc == nil || inc.ID == 0 {
		return errors.New("incident repo: save requires id")
	}
	if inc.IsOpen() && t.openConflict(inc.Key(), inc.ID) {
		return incidents.ErrConflict
	}
	t.staged[inc.ID] = *inc
	return nil
}

func (t *memoryTx) AppendLog(_ context.Context, entry *incidents.IncidentLog) error {
	if entry == nil || entry.IncidentID == 0 {
		return errors.New("incident repo: log requires incident id")
	}
	t.repo.mu.Lock()
	t.repo.nextLogID++
	entry.ID = t.repo.nextLogID
	t.repo.mu.Unlock()
	t.logs = append(t.logs, *entry)
	return nil
}

func (t *memoryTx) openConflict(key incidents.DedupKey, selfID int64) bool {
	for _, inc := range t.snapshot() {
		if inc.ID != selfID && inc.IsOpen() && inc.Key() == key {
			return true
		}
	}
	return false
}

func (t *memoryTx) snapshot() map[int64]incidents.Incident {
	t.repo.mu.RLock()
	merged := make(map[int64]incidents.Incident, len(t.repo.incidents)+len(t.staged))
	for id, inc := range t.repo.incidents {
		merged[id] = inc
	}
	t.repo.mu.RUnlock()
	for id, inc := range t.staged {
		merged[id] = inc
	}
	return merged
}
