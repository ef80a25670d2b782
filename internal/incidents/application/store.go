package application

import (
	"context"
	"time"

	incidents "cito-engine/internal/incidents/domain"
)

// Store is the transactional side of the incident store.
// RunInTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of work the dedup engine and lifecycle manager operate in.
type Tx interface {
	// LockDedupKey serializes writers of the same (event, element) pair until the transaction ends.
	LockDedupKey(ctx context.Context, key incidents.DedupKey) error
	// FindOpenIncident returns the most recent non-cleared incident for key, or nil.
	FindOpenIncident(ctx context.Context, key incidents.DedupKey) (*incidents.Incident, error)
	// CreateIncident inserts inc and assigns its ID. A concurrent open incident for the
	// same key yields incidents.ErrConflict.
	CreateIncident(ctx context.Context, inc *incidents.Incident) error
	GetIncidentForUpdate(ctx context.Context, id int64) (*incidents.Incident, error)
	SaveIncident(ctx context.Context, inc *incidents.Incident) error
	AppendLog(ctx context.Context, entry *incidents.IncidentLog) error
}

// Reader is the query side of the incident store.
type Reader interface {
	GetIncident(ctx context.Context, id int64) (*incidents.Incident, error)
	ListIncidents(ctx context.Context, filter incidents.ListFilter) ([]incidents.Incident, error)
	ListLogs(ctx context.Context, incidentID int64) ([]incidents.IncidentLog, error)
	CountByStatus(ctx context.Context, teamID int64, status incidents.Status, since time.Time) (int, error)
}

// Repository is a Store that also serves queries.
type Repository interface {
	Store
	Reader
}
