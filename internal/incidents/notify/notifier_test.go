package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	catalog "cito-engine/internal/catalog/domain"
	catalogmemory "cito-engine/internal/catalog/infrastructure/memory"
	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/incidents/infrastructure/memory"
)

type stubIncidentRepo struct {
	mu       sync.Mutex
	incident *incidents.Incident
}

func (s *stubIncidentRepo) GetIncident(_ context.Context, _ int64) (*incidents.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incident == nil {
		return nil, nil
	}
	copied := *s.incident
	return &copied, nil
}

func (s *stubIncidentRepo) setStatus(status incidents.Status) {
	s.mu.Lock()
	s.incident.Status = status
	s.mu.Unlock()
}

type stubEventRepo struct {
	event *catalog.EventDefinition
}

func (s stubEventRepo) GetEvent(_ context.Context, _ int64) (*catalog.EventDefinition, error) {
	if s.event == nil {
		return nil, catalog.ErrNotFound
	}
	return s.event, nil
}

func sampleIncident(status incidents.Status) *incidents.Incident {
	at := time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)
	return &incidents.Incident{
		ID:             42,
		EventID:        5,
		Element:        "host.cito.com",
		Message:        "host is down",
		Status:         status,
		FirstEventTime: at,
		LastEventTime:  at.Add(time.Minute),
		TotalIncidents: 3,
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	tpl, err := NewTemplate("")
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	event := &catalog.EventDefinition{ID: 5, TeamID: 1, Summary: "Host unreachable", Severity: "critical"}
	inc := sampleIncident(incidents.StatusActive)

	notifier, err := NewNotifier(&stubIncidentRepo{incident: inc}, stubEventRepo{event: event}, channel, tpl)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc, Event: event})

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		content := payload.Text.Content
		checks := []string{
			"[Incident Opened]",
			"Incident: #42",
			"Event: Host unreachable (#5)",
			"Element: host.cito.com",
			"Severity: critical",
			"Occurrences: 3",
			"First Seen: 2026-01-26T08:00:00Z",
			"Current Status: Active",
		}
		for _, expected := range checks {
			if !strings.Contains(content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookChannelRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	if err := channel.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 502")
	}
	if _, err := NewWebhookChannel("ftp://example.com"); err == nil {
		t.Fatal("expected invalid scheme error")
	}
}

func TestWebhookChannelTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	channel.WithTimeout(50 * time.Millisecond)

	start := time.Now()
	if err := channel.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("configured timeout ignored, send took %s", elapsed)
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, content string) error {
	r.mu.Lock()
	r.contents = append(r.contents, content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNotifierSkipsFoldsByDefault(t *testing.T) {
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)
	notifier, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	defer notifier.Close()

	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindFolded, Incident: *inc})
	notifier.Flush()
	if got := channel.Count(); got != 0 {
		t.Fatalf("expected folds to be skipped, got %d", got)
	}

	withFolds, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil, WithFolds(true))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer withFolds.Close()
	withFolds.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindFolded, Incident: *inc})
	withFolds.Flush()
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected fold notification, got %d", got)
	}
	if !strings.Contains(channel.Latest(), "Repeated") {
		t.Fatalf("expected repeated label, got %s", channel.Latest())
	}
}

func TestNotifierStatusLabels(t *testing.T) {
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusAcknowledged)
	notifier, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), application.IncidentEvent{
		Type:     incidents.LogKindStatus,
		Incident: *inc,
		Log:      incidents.IncidentLog{Actor: "alice"},
	})
	notifier.Close()
	content := channel.Latest()
	if !strings.Contains(content, "[Incident Acknowledged]") || !strings.Contains(content, "Changed By: alice") {
		t.Fatalf("unexpected content %s", content)
	}
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)

	notifier, err := NewNotifier(
		&stubIncidentRepo{incident: inc},
		nil,
		channel,
		nil,
		WithClock(clock),
		WithCooldown(10*time.Minute),
		WithFolds(true),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	defer notifier.Close()

	evt := application.IncidentEvent{Type: incidents.LogKindFolded, Incident: *inc}
	notifier.Notify(context.Background(), evt)
	evt.Incident.TotalIncidents++
	notifier.Notify(context.Background(), evt)
	notifier.Flush()
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	notifier.Notify(context.Background(), evt)
	notifier.Flush()
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)

	notifier, err := NewNotifier(
		&stubIncidentRepo{incident: inc},
		nil,
		channel,
		nil,
		WithClock(clock),
		WithDedupeWindow(30*time.Minute),
		WithFolds(true),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	defer notifier.Close()

	evt := application.IncidentEvent{Type: incidents.LogKindFolded, Incident: *inc}
	notifier.Notify(context.Background(), evt)
	notifier.Flush()
	clock.Add(5 * time.Minute)
	notifier.Notify(context.Background(), evt)
	notifier.Flush()
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	evt.Incident.TotalIncidents = 9
	notifier.Notify(context.Background(), evt)
	notifier.Flush()
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}
}

func TestNotifierEscalation(t *testing.T) {
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)
	event := &catalog.EventDefinition{ID: 5, TeamID: 1, Summary: "Host unreachable", Severity: "critical"}

	notifier, err := NewNotifier(
		&stubIncidentRepo{incident: inc},
		stubEventRepo{event: event},
		channel,
		nil,
		WithEscalation(20*time.Millisecond),
		WithRequestTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc, Event: event})

	deadline := time.After(500 * time.Millisecond)
	for channel.Count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected escalation notification, got %d", channel.Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierEscalationCancelledByAcknowledge(t *testing.T) {
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)
	repo := &stubIncidentRepo{incident: inc}
	event := &catalog.EventDefinition{ID: 5, TeamID: 1, Severity: "high"}

	notifier, err := NewNotifier(repo, stubEventRepo{event: event}, channel, nil, WithEscalation(30*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc, Event: event})
	repo.setStatus(incidents.StatusAcknowledged)
	acked := *inc
	acked.Status = incidents.StatusAcknowledged
	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindStatus, Incident: acked, Event: event})

	time.Sleep(100 * time.Millisecond)
	notifier.Flush()
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected no escalation after acknowledge, got %d notifications", got)
	}
}

type countingNotifier struct {
	count int
}

func (c *countingNotifier) Notify(context.Context, application.IncidentEvent) {
	c.count++
}

func TestMultiNotifierFansOut(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	multi := NewMultiNotifier(a, nil, b)
	multi.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindCreated})
	if a.count != 1 || b.count != 1 {
		t.Fatalf("expected both notifiers called, got %d and %d", a.count, b.count)
	}
}

func TestNotifyDoesNotWaitForSlowWebhook(t *testing.T) {
	release := make(chan struct{})
	received := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	inc := sampleIncident(incidents.StatusActive)
	notifier, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()
	defer close(release)

	start := time.Now()
	notifier.Notify(context.Background(), application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("notify blocked %s on webhook delivery", elapsed)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the notification")
	}
}

type blockingChannel struct {
	release chan struct{}
	sent    chan string
}

func (b *blockingChannel) Send(_ context.Context, content string) error {
	<-b.release
	b.sent <- content
	return nil
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	channel := &blockingChannel{release: make(chan struct{}), sent: make(chan string, 8)}
	inc := sampleIncident(incidents.StatusActive)
	notifier, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil, WithQueueSize(1))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	evt := application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc}
	notifier.Notify(context.Background(), evt)
	// the worker holds the first delivery; wait until it has left the queue
	deadline := time.After(time.Second)
	for len(notifier.queue) > 0 {
		select {
		case <-deadline:
			t.Fatal("worker never picked up the first delivery")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	notifier.Notify(context.Background(), evt)
	notifier.Notify(context.Background(), evt)
	notifier.Notify(context.Background(), evt)

	close(channel.release)
	notifier.Close()
	if got := len(channel.sent); got != 2 {
		t.Fatalf("expected 2 deliveries with a queue of one, got %d", got)
	}
}

func TestNotifierForgetsRecordsAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	inc := sampleIncident(incidents.StatusActive)

	plain, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer plain.Close()
	for id := int64(1); id <= 5; id++ {
		evt := application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc}
		evt.Incident.ID = id
		plain.Notify(context.Background(), evt)
	}
	plain.Flush()
	if got := plain.sentRecords(); got != 0 {
		t.Fatalf("expected no records without cooldown or dedupe, got %d", got)
	}

	windowed, err := NewNotifier(&stubIncidentRepo{incident: inc}, nil, channel, nil,
		WithClock(clock), WithCooldown(time.Minute), WithDedupeWindow(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer windowed.Close()
	for id := int64(1); id <= 5; id++ {
		evt := application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc}
		evt.Incident.ID = id
		windowed.Notify(context.Background(), evt)
	}
	windowed.Flush()
	if got := windowed.sentRecords(); got != 5 {
		t.Fatalf("expected 5 records inside the window, got %d", got)
	}

	clock.Add(11 * time.Minute)
	evt := application.IncidentEvent{Type: incidents.LogKindCreated, Incident: *inc}
	evt.Incident.ID = 99
	windowed.Notify(context.Background(), evt)
	windowed.Flush()
	if got := windowed.sentRecords(); got != 1 {
		t.Fatalf("expected expired records evicted, got %d", got)
	}
}

func TestAddIncidentReturnsBeforeWebhookDelivery(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
		delivered <- struct{}{}
	}))
	defer server.Close()

	ctx := context.Background()
	events := catalogmemory.NewRepository()
	if err := events.SaveEvent(ctx, &catalog.EventDefinition{ID: 5, TeamID: 1, CategoryID: 1, Summary: "host down", Severity: "low"}); err != nil {
		t.Fatalf("save event: %v", err)
	}
	repo := memory.NewIncidentRepository(events)
	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(repo, events, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()
	defer close(release)

	service, err := application.NewService(events, repo, application.WithNotifier(notifier))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	start := time.Now()
	inc, err := service.AddIncident(ctx, application.RawReport{EventID: "5", Element: "host.cito.com", Message: "down"}, "1700000000")
	elapsed := time.Since(start)
	if err != nil || inc == nil {
		t.Fatalf("add incident: %v %v", inc, err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("ingest waited %s for webhook delivery", elapsed)
	}
	select {
	case <-delivered:
		t.Fatal("webhook answered before it was released")
	default:
	}
}
