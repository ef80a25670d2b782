package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cito-engine/internal/audit"
	"cito-engine/internal/auth"
	catalog "cito-engine/internal/catalog/domain"
	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
)

const maxBodyBytes = 1 << 20

// Handler provides incident HTTP endpoints.
type Handler struct {
	service     *application.Service
	teamChecker auth.TeamChecker
	audit       audit.Logger
	ingestAuth  func(http.Handler) http.Handler
	broker      *SSEBroker
	logger      *zap.Logger
}

// Option customizes the handler.
type Option func(*Handler)

// WithTeamChecker restricts status changes to members of the owning team.
func WithTeamChecker(checker auth.TeamChecker) Option {
	return func(h *Handler) {
		h.teamChecker = checker
	}
}

// WithAudit records operator actions.
func WithAudit(logger audit.Logger) Option {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithIngestAuth guards the ingest endpoint.
func WithIngestAuth(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.ingestAuth = mw
	}
}

// WithStream serves the SSE stream from broker.
func WithStream(broker *SSEBroker) Option {
	return func(h *Handler) {
		h.broker = broker
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(service *application.Service, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, errors.New("incidents handler: nil service")
	}
	h := &Handler{service: service, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes registers the incident API on r.
func (h *Handler) Routes(r chi.Router) {
	ingest := http.Handler(http.HandlerFunc(h.Ingest))
	if h.ingestAuth != nil {
		ingest = h.ingestAuth(ingest)
	}
	r.Method(http.MethodPost, "/api/v1/events", ingest)

	r.Route("/api/v1/incidents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/stats", h.Stats)
		r.Get("/search", h.Search)
		r.Get("/export.xlsx", h.ExportXLSX)
		r.Get("/export.pdf", h.ExportPDF)
		r.Post("/toggle", h.BulkToggle)
		if h.broker != nil {
			r.Method(http.MethodGet, "/stream", NewStreamHandler(h.broker))
		}
		r.Get("/{id:[0-9]+}", h.Get)
		r.Get("/{id:[0-9]+}/logs", h.Logs)
		r.Post("/{id:[0-9]+}/status", h.Toggle)
	})
}

type ingestResponse struct {
	Accepted   bool  `json:"accepted"`
	IncidentID int64 `json:"incident_id,omitempty"`
}

// Ingest handles POST /api/v1/events.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var msg application.ReportMessage
	if err := decodeBody(r, &msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	inc, err := h.service.AddIncident(r.Context(), msg.Event, string(msg.Timestamp))
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	resp := ingestResponse{}
	if inc != nil {
		resp.Accepted = true
		resp.IncidentID = inc.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// List handles GET /api/v1/incidents.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.ListIncidents(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []incidents.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

// Search handles GET /api/v1/incidents/search?q=term over open incidents.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.SearchElement(r.Context(), term, filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []incidents.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"search_term": term, "items": list})
}

type incidentDetail struct {
	Incident *incidents.Incident      `json:"incident"`
	Event    *catalog.EventDefinition `json:"event,omitempty"`
}

// Get handles GET /api/v1/incidents/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	inc, err := h.service.GetIncident(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	detail := incidentDetail{Incident: inc}
	event, err := h.service.Event(r.Context(), inc.EventID)
	switch {
	case err == nil:
		detail.Event = event
	case errors.Is(err, catalog.ErrNotFound):
	default:
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Logs handles GET /api/v1/incidents/{id}/logs.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if _, err := h.service.GetIncident(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	logs, err := h.service.ListLogs(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if logs == nil {
		logs = []incidents.IncidentLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

// Stats handles GET /api/v1/incidents/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	teamID, err := parseInt64Query(r, "team_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := h.service.Stats(r.Context(), teamID, time.Time{})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type toggleRequest struct {
	Status string `json:"status"`
}

// Toggle handles POST /api/v1/incidents/{id}/status.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	var req toggleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status, ok := incidents.ParseStatus(req.Status)
	if !ok {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	inc, err := h.toggle(r, id, status, body)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type bulkToggleRequest struct {
	IncidentIDs []int64 `json:"incident_ids"`
	Status      string  `json:"status"`
}

type bulkFailure struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

type bulkToggleResponse struct {
	Updated []int64       `json:"updated"`
	Skipped []int64       `json:"skipped"`
	Failed  []bulkFailure `json:"failed"`
}

// BulkToggle handles POST /api/v1/incidents/toggle. Incidents already in the
// requested status are skipped.
func (h *Handler) BulkToggle(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	var req bulkToggleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status, ok := incidents.ParseStatus(req.Status)
	if !ok {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if len(req.IncidentIDs) == 0 {
		http.Error(w, "incident_ids is required", http.StatusBadRequest)
		return
	}

	resp := bulkToggleResponse{Updated: []int64{}, Skipped: []int64{}, Failed: []bulkFailure{}}
	for _, id := range req.IncidentIDs {
		inc, err := h.service.GetIncident(r.Context(), id)
		if err != nil {
			resp.Failed = append(resp.Failed, bulkFailure{ID: id, Error: errorText(err)})
			continue
		}
		if inc.Status == status {
			resp.Skipped = append(resp.Skipped, id)
			continue
		}
		if _, err := h.toggle(r, id, status, body); err != nil {
			resp.Failed = append(resp.Failed, bulkFailure{ID: id, Error: errorText(err)})
			continue
		}
		resp.Updated = append(resp.Updated, id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) toggle(r *http.Request, id int64, status incidents.Status, body []byte) (*incidents.Incident, error) {
	ctx := r.Context()
	subject := auth.SubjectFromContext(ctx)
	role := auth.RoleFromContext(ctx)

	current, err := h.service.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	teamID, err := h.owningTeam(ctx, current.EventID)
	if err != nil {
		return nil, err
	}
	if h.teamChecker != nil {
		if err := h.teamChecker.EnsureTeamMember(ctx, subject, role, teamID); err != nil {
			return nil, err
		}
	}

	inc, err := h.service.ToggleStatus(ctx, id, status, subject, time.Time{})
	if err != nil {
		return nil, err
	}
	h.recordAudit(r, subject, role, teamID, current.Status, inc, body)
	return inc, nil
}

func (h *Handler) owningTeam(ctx context.Context, eventID int64) (int64, error) {
	event, err := h.service.Event(ctx, eventID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return event.TeamID, nil
}

func (h *Handler) recordAudit(r *http.Request, subject string, role auth.Role, teamID int64, from incidents.Status, inc *incidents.Incident, body []byte) {
	if h.audit == nil || inc == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]string{"from": string(from), "to": string(inc.Status)})
	entry := audit.Entry{
		Actor:         subject,
		Role:          string(role),
		Action:        audit.ActionIncidentStatus,
		ResourceType:  audit.ResourceIncident,
		ResourceID:    strconv.FormatInt(inc.ID, 10),
		TeamID:        teamID,
		Metadata:      metadata,
		PayloadDigest: audit.DigestJSON(body),
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
	}
	if err := h.audit.Log(r.Context(), entry); err != nil {
		h.logger.Warn("audit log failed", zap.Int64("incident_id", inc.ID), zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incidents.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, incidents.ErrInvalidStatus):
		http.Error(w, "invalid status", http.StatusBadRequest)
	case errors.Is(err, incidents.ErrConflict):
		http.Error(w, "another incident is open for this event and element", http.StatusConflict)
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrNotTeamMember), errors.Is(err, auth.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, incidents.ErrNotFound):
		return "not found"
	case errors.Is(err, incidents.ErrConflict):
		return "conflict"
	case errors.Is(err, auth.ErrNotTeamMember), errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal error"
	}
}

func parseFilter(r *http.Request) (incidents.ListFilter, error) {
	query := r.URL.Query()
	var filter incidents.ListFilter
	if raw := query.Get("status"); raw != "" {
		status, ok := incidents.ParseStatus(raw)
		if !ok {
			return filter, errors.New("invalid status")
		}
		filter.Status = status
	}
	if order := query.Get("order"); order != "" {
		if !incidents.ValidOrder(order) {
			return filter, errors.New("invalid order")
		}
		filter.OrderBy = order
	}
	var err error
	if filter.TeamID, err = parseInt64Query(r, "team_id"); err != nil {
		return filter, err
	}
	if filter.EventID, err = parseInt64Query(r, "event_id"); err != nil {
		return filter, err
	}
	filter.Element = strings.TrimSpace(query.Get("element"))
	limit, err := parseInt64Query(r, "limit")
	if err != nil {
		return filter, err
	}
	offset, err := parseInt64Query(r, "offset")
	if err != nil {
		return filter, err
	}
	filter.Limit = int(limit)
	filter.Offset = int(offset)
	return filter, nil
}

func parseInt64Query(r *http.Request, key string) (int64, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return parsed, nil
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func decodeBody(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
