package notify

import (
	"context"

	"cito-engine/internal/incidents/application"
)

// MultiNotifier dispatches incident events to multiple notifiers.
type MultiNotifier struct {
	notifiers []application.IncidentNotifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil notifiers are skipped.
func NewMultiNotifier(notifiers ...application.IncidentNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event application.IncidentEvent) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
