package eventing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema.
const SchemaVersion = 1

// Envelope wraps event payload with metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TeamID        int64           `json:"team_id,omitempty"`
	IncidentID    int64           `json:"incident_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	EventType     string
	OccurredAt    time.Time
	CorrelationID string
	TeamID        int64
	IncidentID    int64
}

// BuildEnvelope constructs an envelope from event payload and metadata.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	if meta.EventType == "" {
		return Envelope{}, errors.New("eventing: empty event type")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	eventID := meta.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}

	return Envelope{
		EventID:       eventID,
		EventType:     meta.EventType,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		TeamID:        meta.TeamID,
		IncidentID:    meta.IncidentID,
		SchemaVersion: SchemaVersion,
		Payload:       payload,
	}, nil
}
