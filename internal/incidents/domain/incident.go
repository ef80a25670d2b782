package incidents

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusActive       Status = "Active"
	StatusAcknowledged Status = "Acknowledged"
	StatusCleared      Status = "Cleared"
)

const (
	LogKindCreated = "created"
	LogKindFolded  = "folded"
	LogKindStatus  = "status"
)

// Incident is a deduplicated occurrence of an event definition against one element.
type Incident struct {
	ID               int64     `json:"id"`
	EventID          int64     `json:"event_id"`
	Element          string    `json:"element"`
	Message          string    `json:"message"`
	Status           Status    `json:"status"`
	FirstEventTime   time.Time `json:"first_event_time"`
	LastEventTime    time.Time `json:"last_event_time"`
	TotalIncidents   int       `json:"total_incidents"`
	AcknowledgedTime time.Time `json:"acknowledged_time,omitempty"`
	CloseTime        time.Time `json:"close_time,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IncidentLog is an append-only audit record attached to an incident.
type IncidentLog struct {
	ID             int64     `json:"id"`
	IncidentID     int64     `json:"incident_id"`
	Kind           string    `json:"kind"`
	Msg            string    `json:"msg"`
	Actor          string    `json:"actor,omitempty"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	NewStatus      Status    `json:"new_status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DedupKey identifies the open incident a report folds into.
type DedupKey struct {
	EventID int64
	Element string
}

// Key returns the dedup key of the incident.
func (i Incident) Key() DedupKey {
	return DedupKey{EventID: i.EventID, Element: i.Element}
}

// IsOpen reports whether new reports may still fold into the incident.
func (i Incident) IsOpen() bool {
	return i.Status != StatusCleared
}

// ParseStatus normalizes a status name, accepting any letter case.
func ParseStatus(value string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return StatusActive, true
	case "acknowledged":
		return StatusAcknowledged, true
	case "cleared":
		return StatusCleared, true
	default:
		return "", false
	}
}

// ApplyStatus moves the incident into status and maintains the lifecycle timestamps.
func (i *Incident) ApplyStatus(status Status, at time.Time) {
	i.Status = status
	switch status {
	case StatusAcknowledged:
		i.AcknowledgedTime = at
		i.CloseTime = time.Time{}
	case StatusCleared:
		i.CloseTime = at
	case StatusActive:
		i.AcknowledgedTime = time.Time{}
		i.CloseTime = time.Time{}
	}
	i.UpdatedAt = at
}
