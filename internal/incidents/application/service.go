package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	catalog "cito-engine/internal/catalog/domain"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/observability/metrics"
)

const (
	defaultConflictRetries = 3
	defaultConflictDelay   = 10 * time.Millisecond
	defaultListLimit       = 25
	maxListLimit           = 500
	clearedStatsWindow     = 24 * time.Hour
	reasonUnknownEvent     = "unknown_event"
)

// EventReader resolves event definitions from the catalog.
type EventReader interface {
	GetEvent(ctx context.Context, id int64) (*catalog.EventDefinition, error)
}

// IncidentNotifier publishes incident lifecycle events.
type IncidentNotifier interface {
	Notify(ctx context.Context, event IncidentEvent)
}

// IncidentEvent represents a committed change to an incident.
type IncidentEvent struct {
	Type     string                   `json:"type"`
	Incident incidents.Incident       `json:"incident"`
	Event    *catalog.EventDefinition `json:"event,omitempty"`
	Log      incidents.IncidentLog    `json:"log"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service is the dedup engine and lifecycle manager for incidents.
type Service struct {
	events        EventReader
	repo          Repository
	notifier      IncidentNotifier
	clock         Clock
	logger        *zap.Logger
	tracer        trace.Tracer
	maxRetries    uint64
	retryInterval time.Duration
}

// ServiceOption customizes the incident service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier IncidentNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConflictRetries bounds how often a conflicting find-or-create is retried.
func WithConflictRetries(retries int, interval time.Duration) ServiceOption {
	return func(s *Service) {
		if retries >= 0 {
			s.maxRetries = uint64(retries)
		}
		if interval > 0 {
			s.retryInterval = interval
		}
	}
}

// NewService constructs an incident service.
func NewService(events EventReader, repo Repository, opts ...ServiceOption) (*Service, error) {
	if events == nil {
		return nil, errors.New("incidents: nil event reader")
	}
	if repo == nil {
		return nil, errors.New("incidents: nil repository")
	}
	service := &Service{
		events:        events,
		repo:          repo,
		clock:         systemClock{},
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("cito-engine/incidents"),
		maxRetries:    defaultConflictRetries,
		retryInterval: defaultConflictDelay,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// AddIncident folds a report into the open incident for its (event, element) pair or opens
// a new one. Malformed reports and unknown events yield (nil, nil); store failures are returned.
func (s *Service) AddIncident(ctx context.Context, report RawReport, timestamp string) (*incidents.Incident, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "incidents.add_incident")
	defer span.End()

	valid, reason := Validate(report, timestamp)
	if reason != "" {
		s.reject(reason, report, start)
		span.SetAttributes(attribute.String("incident.rejected", reason))
		return nil, nil
	}
	span.SetAttributes(
		attribute.Int64("incident.event_id", valid.EventID),
		attribute.String("incident.element", valid.Element),
	)

	event, err := s.events.GetEvent(ctx, valid.EventID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		s.fail(span, start, err)
		return nil, fmt.Errorf("incidents: resolve event %d: %w", valid.EventID, err)
	}
	if event == nil {
		s.reject(reasonUnknownEvent, report, start)
		span.SetAttributes(attribute.String("incident.rejected", reasonUnknownEvent))
		return nil, nil
	}

	var (
		result *incidents.Incident
		entry  incidents.IncidentLog
	)
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewConstant(s.retryInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		inc, logEntry, err := s.foldOrCreate(ctx, valid)
		if err != nil {
			if errors.Is(err, incidents.ErrConflict) {
				metrics.IncDedupConflict()
				s.logger.Debug("dedup conflict, retrying",
					zap.Int64("event_id", valid.EventID),
					zap.String("element", valid.Element))
				return retry.RetryableError(err)
			}
			return err
		}
		result, entry = inc, logEntry
		return nil
	})
	if err != nil {
		s.fail(span, start, err)
		return nil, fmt.Errorf("incidents: add incident: %w", err)
	}

	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(start))
	s.logger.Info("incident "+entry.Kind,
		zap.Int64("incident_id", result.ID),
		zap.Int64("event_id", result.EventID),
		zap.String("element", result.Element),
		zap.Int("total_incidents", result.TotalIncidents))
	s.notify(ctx, entry.Kind, *result, event, entry)
	return result, nil
}

func (s *Service) foldOrCreate(ctx context.Context, report ValidReport) (*incidents.Incident, incidents.IncidentLog, error) {
	key := incidents.DedupKey{EventID: report.EventID, Element: report.Element}
	var (
		result *incidents.Incident
		entry  incidents.IncidentLog
	)
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockDedupKey(ctx, key); err != nil {
			return err
		}
		open, err := tx.FindOpenIncident(ctx, key)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if open != nil {
			open.LastEventTime = report.Timestamp
			open.TotalIncidents++
			open.Message = report.Message
			open.UpdatedAt = now
			if err := tx.SaveIncident(ctx, open); err != nil {
				return err
			}
			entry = incidents.IncidentLog{
				IncidentID: open.ID,
				Kind:       incidents.LogKindFolded,
				Msg:        report.Message,
				Timestamp:  report.Timestamp,
			}
			if err := tx.AppendLog(ctx, &entry); err != nil {
				return err
			}
			result = open
			return nil
		}

		created := &incidents.Incident{
			EventID:        report.EventID,
			Element:        report.Element,
			Message:        report.Message,
			Status:         incidents.StatusActive,
			FirstEventTime: report.Timestamp,
			LastEventTime:  report.Timestamp,
			TotalIncidents: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateIncident(ctx, created); err != nil {
			return err
		}
		entry = incidents.IncidentLog{
			IncidentID: created.ID,
			Kind:       incidents.LogKindCreated,
			Msg:        report.Message,
			Timestamp:  report.Timestamp,
		}
		if err := tx.AppendLog(ctx, &entry); err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return nil, incidents.IncidentLog{}, err
	}
	return result, entry, nil
}

// ToggleStatus moves an incident to status on behalf of actor and records the transition.
// Callers are expected to have authorized actor against the incident's owning team.
func (s *Service) ToggleStatus(ctx context.Context, incidentID int64, status incidents.Status, actor string, at time.Time) (*incidents.Incident, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	target, ok := incidents.ParseStatus(string(status))
	if !ok {
		return nil, incidents.ErrInvalidStatus
	}
	if incidentID <= 0 {
		return nil, incidents.ErrNotFound
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	ctx, span := s.tracer.Start(ctx, "incidents.toggle_status", trace.WithAttributes(
		attribute.Int64("incident.id", incidentID),
		attribute.String("incident.status", string(target)),
	))
	defer span.End()

	var (
		result *incidents.Incident
		entry  incidents.IncidentLog
	)
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inc, err := tx.GetIncidentForUpdate(ctx, incidentID)
		if err != nil {
			return err
		}
		if inc == nil {
			return incidents.ErrNotFound
		}
		previous := inc.Status
		inc.ApplyStatus(target, at)
		if err := tx.SaveIncident(ctx, inc); err != nil {
			return err
		}
		entry = incidents.IncidentLog{
			IncidentID:     inc.ID,
			Kind:           incidents.LogKindStatus,
			Msg:            fmt.Sprintf("%s changed status from %s to %s", actorName(actor), previous, target),
			Actor:          actor,
			PreviousStatus: previous,
			NewStatus:      target,
			Timestamp:      at,
		}
		if err := tx.AppendLog(ctx, &entry); err != nil {
			return err
		}
		result = inc
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, incidents.ErrNotFound) || errors.Is(err, incidents.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("incidents: toggle status: %w", err)
	}

	s.logger.Info("incident status changed",
		zap.Int64("incident_id", result.ID),
		zap.String("actor", actor),
		zap.String("from", string(entry.PreviousStatus)),
		zap.String("to", string(entry.NewStatus)))
	event, err := s.events.GetEvent(ctx, result.EventID)
	if err != nil {
		event = nil
	}
	s.notify(ctx, incidents.LogKindStatus, *result, event, entry)
	return result, nil
}

// GetIncident returns an incident by id.
func (s *Service) GetIncident(ctx context.Context, id int64) (*incidents.Incident, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	inc, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, incidents.ErrNotFound
	}
	return inc, nil
}

// Event returns the event definition an incident aggregates.
func (s *Service) Event(ctx context.Context, eventID int64) (*catalog.EventDefinition, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, catalog.ErrNotFound
	}
	return event, nil
}

// ListIncidents lists incidents matching filter. Unknown orderings are ignored.
func (s *Service) ListIncidents(ctx context.Context, filter incidents.ListFilter) ([]incidents.Incident, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	if filter.Status != "" {
		status, ok := incidents.ParseStatus(string(filter.Status))
		if !ok {
			return nil, incidents.ErrInvalidStatus
		}
		filter.Status = status
	}
	if !incidents.ValidOrder(filter.OrderBy) {
		filter.OrderBy = ""
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListIncidents(ctx, filter)
}

// SearchElement lists open incidents whose element contains term, ignoring case.
// A blank term matches nothing.
func (s *Service) SearchElement(ctx context.Context, term string, filter incidents.ListFilter) ([]incidents.Incident, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	filter.Element = ""
	filter.ElementContains = term
	filter.OpenOnly = true
	return s.ListIncidents(ctx, filter)
}

// ListLogs returns the audit trail of an incident, oldest first.
func (s *Service) ListLogs(ctx context.Context, incidentID int64) ([]incidents.IncidentLog, error) {
	if s == nil {
		return nil, errors.New("incidents: nil service")
	}
	return s.repo.ListLogs(ctx, incidentID)
}

// Stats counts active and acknowledged incidents and those cleared within the last day,
// for one team or, when teamID is zero, for all teams.
func (s *Service) Stats(ctx context.Context, teamID int64, now time.Time) (incidents.Stats, error) {
	if s == nil {
		return incidents.Stats{}, errors.New("incidents: nil service")
	}
	if now.IsZero() {
		now = s.clock.Now()
	}
	var stats incidents.Stats
	var err error
	if stats.Active, err = s.repo.CountByStatus(ctx, teamID, incidents.StatusActive, time.Time{}); err != nil {
		return incidents.Stats{}, err
	}
	if stats.Acknowledged, err = s.repo.CountByStatus(ctx, teamID, incidents.StatusAcknowledged, time.Time{}); err != nil {
		return incidents.Stats{}, err
	}
	if stats.Cleared, err = s.repo.CountByStatus(ctx, teamID, incidents.StatusCleared, now.UTC().Add(-clearedStatsWindow)); err != nil {
		return incidents.Stats{}, err
	}
	return stats, nil
}

func (s *Service) reject(reason string, report RawReport, start time.Time) {
	metrics.IncIngestRejected(reason)
	metrics.ObserveIngest(metrics.IngestResultRejected, time.Since(start))
	s.logger.Debug("report rejected",
		zap.String("reason", reason),
		zap.String("eventid", report.EventID),
		zap.String("element", report.Element))
}

func (s *Service) fail(span trace.Span, start time.Time, err error) {
	metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("add incident failed", zap.Error(err))
}

func (s *Service) notify(ctx context.Context, eventType string, inc incidents.Incident, event *catalog.EventDefinition, entry incidents.IncidentLog) {
	metrics.IncIncidentEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, IncidentEvent{Type: eventType, Incident: inc, Event: event, Log: entry})
}

func actorName(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
