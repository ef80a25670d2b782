package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
)

const uniqueViolation = "23505"

const incidentColumns = `i.id, i.event_id, i.element, i.message, i.status, i.first_event_time, i.last_event_time,
	i.total_incidents, i.acknowledged_time, i.close_time, i.created_at, i.updated_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

var orderClauses = map[string]string{
	incidents.OrderFirstEventAsc:  "i.first_event_time ASC, i.id ASC",
	incidents.OrderFirstEventDesc: "i.first_event_time DESC, i.id DESC",
	incidents.OrderLastEventAsc:   "i.last_event_time ASC, i.id ASC",
	incidents.OrderLastEventDesc:  "i.last_event_time DESC, i.id DESC",
	incidents.OrderCountAsc:       "i.total_incidents ASC, i.id ASC",
	incidents.OrderCountDesc:      "i.total_incidents DESC, i.id DESC",
}

// IncidentRepository persists incidents and their logs in Postgres.
type IncidentRepository struct {
	db *sql.DB
}

// NewIncidentRepository constructs a repository.
func NewIncidentRepository(db *sql.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// RunInTx runs fn inside a read-committed transaction.
func (r *IncidentRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) (err error) {
	if r == nil || r.db == nil {
		return errors.New("incident repo: nil db")
	}
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// GetIncident fetches an incident by id.
func (r *IncidentRepository) GetIncident(ctx context.Context, id int64) (*incidents.Incident, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("incident repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents i WHERE i.id = $1`, id)
	return scanIncident(row)
}

// ListIncidents returns incidents matching filter.
func (r *IncidentRepository) ListIncidents(ctx context.Context, filter incidents.ListFilter) ([]incidents.Incident, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("incident repo: nil db")
	}
	where, args := buildWhere(filter.TeamID, filter.Status, filter.Since)
	if filter.EventID != 0 {
		args = append(args, filter.EventID)
		where = append(where, "i.event_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Element != "" {
		args = append(args, filter.Element)
		where = append(where, "i.element = $"+strconv.Itoa(len(args)))
	}
	if filter.ElementContains != "" {
		args = append(args, likeEscaper.Replace(filter.ElementContains))
		where = append(where, `i.element ILIKE '%' || $`+strconv.Itoa(len(args))+` || '%' ESCAPE '\'`)
	}
	if filter.OpenOnly {
		where = append(where, "i.status <> 'Cleared'")
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents i JOIN events e ON e.id = i.event_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	order, ok := orderClauses[filter.OrderBy]
	if !ok {
		order = "i.id DESC"
	}
	query += " ORDER BY " + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []incidents.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inc)
	}
	return result, rows.Err()
}

// ListLogs returns the logs of an incident, oldest first.
func (r *IncidentRepository) ListLogs(ctx context.Context, incidentID int64) ([]incidents.IncidentLog, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("incident repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, incident_id, kind, msg, actor, previous_status, new_status, ts
FROM incident_logs
WHERE incident_id = $1
ORDER BY id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []incidents.IncidentLog
	for rows.Next() {
		var entry incidents.IncidentLog
		var previous, next string
		if err := rows.Scan(&entry.ID, &entry.IncidentID, &entry.Kind, &entry.Msg, &entry.Actor, &previous, &next, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.PreviousStatus = incidents.Status(previous)
		entry.NewStatus = incidents.Status(next)
		entry.Timestamp = entry.Timestamp.UTC()
		result = append(result, entry)
	}
	return result, rows.Err()
}

// CountByStatus counts incidents of a status, optionally per team and first seen since.
func (r *IncidentRepository) CountByStatus(ctx context.Context, teamID int64, status incidents.Status, since time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("incident repo: nil db")
	}
	where, args := buildWhere(teamID, status, since)
	query := `SELECT COUNT(*) FROM incidents i JOIN events e ON e.id = i.event_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func buildWhere(teamID int64, status incidents.Status, since time.Time) ([]string, []any) {
	var where []string
	var args []any
	if status != "" {
		args = append(args, string(status))
		where = append(where, "lower(i.status) = lower($"+strconv.Itoa(len(args))+")")
	}
	if teamID != 0 {
		args = append(args, teamID)
		where = append(where, "e.team_id = $"+strconv.Itoa(len(args)))
	}
	if !since.IsZero() {
		args = append(args, since.UTC())
		where = append(where, "i.first_event_time >= $"+strconv.Itoa(len(args)))
	}
	return where, args
}

type pgTx struct {
	tx *sql.Tx
}

// LockDedupKey takes a transaction-scoped advisory lock on the key.
func (t *pgTx) LockDedupKey(ctx context.Context, key incidents.DedupKey) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(key))
	return err
}

func (t *pgTx) FindOpenIncident(ctx context.Context, key incidents.DedupKey) (*incidents.Incident, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT `+incidentColumns+`
FROM incidents i
WHERE i.event_id = $1 AND i.element = $2 AND i.status <> 'Cleared'
ORDER BY i.id DESC
LIMIT 1
FOR UPDATE`, key.EventID, key.Element)
	return scanIncident(row)
}

func (t *pgTx) CreateIncident(ctx context.Context, inc *incidents.Incident) error {
	if inc == nil {
		return errors.New("incident repo: nil incident")
	}
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO incidents (
	event_id, element, message, status, first_event_time, last_event_time,
	total_incidents, acknowledged_time, close_time, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11
)
RETURNING id`,
		inc.EventID,
		inc.Element,
		inc.Message,
		string(inc.Status),
		inc.FirstEventTime,
		inc.LastEventTime,
		inc.TotalIncidents,
		nullTime(inc.AcknowledgedTime),
		nullTime(inc.CloseTime),
		inc.CreatedAt,
		inc.UpdatedAt,
	).Scan(&inc.ID)
	return mapError(err)
}

func (t *pgTx) GetIncidentForUpdate(ctx context.Context, id int64) (*incidents.Incident, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents i WHERE i.id = $1 FOR UPDATE`, id)
	return scanIncident(row)
}

func (t *pgTx) SaveIncident(ctx context.Context, inc *incidents.Incident) error {
	if inc == nil || inc.ID == 0 {
		return errors.New("incident repo: save requires id")
	}
	_, err := t.tx.ExecContext(ctx, `
UPDATE incidents SET
	message = $2,
	status = $3,
	last_event_time = $4,
	total_incidents = $5,
	acknowledged_time = $6,
	close_time = $7,
	updated_at = $8
WHERE id = $1`,
		inc.ID,
		inc.Message,
		string(inc.Status),
		inc.LastEventTime,
		inc.TotalIncidents,
		nullTime(inc.AcknowledgedTime),
		nullTime(inc.CloseTime),
		inc.UpdatedAt,
	)
	return mapError(err)
}

func (t *pgTx) AppendLog(ctx context.Context, entry *incidents.IncidentLog) error {
	if entry == nil {
		return errors.New("incident repo: nil log")
	}
	return t.tx.QueryRowContext(ctx, `
INSERT INTO incident_logs (incident_id, kind, msg, actor, previous_status, new_status, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		entry.IncidentID,
		entry.Kind,
		entry.Msg,
		entry.Actor,
		string(entry.PreviousStatus),
		string(entry.NewStatus),
		entry.Timestamp,
	).Scan(&entry.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*incidents.Incident, error) {
	var inc incidents.Incident
	var status string
	var acknowledged, closed sql.NullTime
	if err := row.Scan(
		&inc.ID,
		&inc.EventID,
		&inc.Element,
		&inc.Message,
		&status,
		&inc.FirstEventTime,
		&inc.LastEventTime,
		&inc.TotalIncidents,
		&acknowledged,
		&closed,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inc.Status = incidents.Status(status)
	inc.FirstEventTime = inc.FirstEventTime.UTC()
	inc.LastEventTime = inc.LastEventTime.UTC()
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	if acknowledged.Valid {
		inc.AcknowledgedTime = acknowledged.Time.UTC()
	}
	if closed.Valid {
		inc.CloseTime = closed.Time.UTC()
	}
	return &inc, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func lockKey(key incidents.DedupKey) string {
	return fmt.Sprintf("incident:%d:%s", key.EventID, key.Element)
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", incidents.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
