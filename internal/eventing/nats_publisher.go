package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cito-engine/internal/incidents/application"
	"cito-engine/internal/observability/metrics"
)

// Publisher is the subset of *nats.Conn used for fan-out.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher fans incident lifecycle events out as envelopes on NATS subjects
// named <base>.<event type>.
type NATSPublisher struct {
	conn        Publisher
	subjectBase string
	logger      *zap.Logger
}

// NewNATSPublisher constructs a publisher.
func NewNATSPublisher(conn Publisher, subjectBase string, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("eventing: nil nats connection")
	}
	subjectBase = strings.Trim(subjectBase, ". ")
	if subjectBase == "" {
		return nil, errors.New("eventing: empty subject base")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, subjectBase: subjectBase, logger: logger}, nil
}

// Notify implements application.IncidentNotifier.
func (p *NATSPublisher) Notify(ctx context.Context, event application.IncidentEvent) {
	if p == nil {
		return
	}
	meta := Meta{
		EventType:     "incident." + event.Type,
		OccurredAt:    event.Log.Timestamp,
		CorrelationID: CorrelationIDFromContext(ctx),
		IncidentID:    event.Incident.ID,
	}
	if event.Event != nil {
		meta.TeamID = event.Event.TeamID
	}
	env, err := BuildEnvelope(event, meta)
	if err != nil {
		p.logger.Error("build envelope failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("encode envelope failed", zap.Error(err))
		return
	}
	subject := p.subjectBase + "." + event.Type
	if err := p.conn.Publish(subject, data); err != nil {
		metrics.IncNotification("nats", metrics.ResultError)
		p.logger.Warn("publish incident event failed",
			zap.String("subject", subject),
			zap.Int64("incident_id", event.Incident.ID),
			zap.Error(err))
		return
	}
	metrics.IncNotification("nats", metrics.ResultSuccess)
}
