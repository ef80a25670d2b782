// Package queue feeds monitor reports from message brokers into the dedup engine.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/observability/metrics"
)

const (
	resultAccepted = "accepted"
	resultIgnored  = "ignored"
	resultInvalid  = "invalid"
	resultError    = "error"
)

// Ingestor is the dedup engine entry point.
type Ingestor interface {
	AddIncident(ctx context.Context, report application.RawReport, timestamp string) (*incidents.Incident, error)
}

// Handler decodes report messages and hands them to the ingestor.
type Handler struct {
	ingestor Ingestor
	logger   *zap.Logger
}

// NewHandler constructs a message handler.
func NewHandler(ingestor Ingestor, logger *zap.Logger) (*Handler, error) {
	if ingestor == nil {
		return nil, errors.New("queue: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ingestor: ingestor, logger: logger}, nil
}

// Handle processes one message. Undecodable and rejected messages are dropped;
// only persistence failures are returned so the caller can redeliver.
func (h *Handler) Handle(ctx context.Context, source string, data []byte) error {
	var msg application.ReportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.IncQueueMessage(source, resultInvalid)
		h.logger.Warn("drop undecodable message", zap.String("source", source), zap.Error(err))
		return nil
	}
	inc, err := h.ingestor.AddIncident(ctx, msg.Event, string(msg.Timestamp))
	if err != nil {
		metrics.IncQueueMessage(source, resultError)
		return err
	}
	if inc == nil {
		metrics.IncQueueMessage(source, resultIgnored)
		return nil
	}
	metrics.IncQueueMessage(source, resultAccepted)
	return nil
}
