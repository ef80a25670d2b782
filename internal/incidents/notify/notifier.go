package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	catalog "cito-engine/internal/catalog/domain"
	"cito-engine/internal/incidents/application"
	incidents "cito-engine/internal/incidents/domain"
	"cito-engine/internal/observability/metrics"
)

const (
	eventEscalated   = "escalated"
	defaultQueueSize = 256
)

// IncidentReader loads the current state of an incident.
type IncidentReader interface {
	GetIncident(ctx context.Context, id int64) (*incidents.Incident, error)
}

// EventReader loads event definitions.
type EventReader interface {
	GetEvent(ctx context.Context, id int64) (*catalog.EventDefinition, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

type delivery struct {
	name  string
	inc   incidents.Incident
	event *catalog.EventDefinition
	actor string
}

// Notifier renders incident lifecycle events and sends them over a channel.
// Deliveries are queued and sent by a single worker; a full queue drops the event.
// Active incidents of high severity are re-announced once when left unacknowledged.
type Notifier struct {
	incidents      IncidentReader
	events         EventReader
	channel        Channel
	template       *Template
	logger         *zap.Logger
	channelName    string
	escalation     time.Duration
	clock          Clock
	mu             sync.Mutex
	timers         map[int64]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	notifyFolds    bool
	requestTimeout time.Duration
	queueSize      int
	queue          chan delivery
	pending        sync.WaitGroup
	closed         bool
	stopped        chan struct{}
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same incident and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithFolds also announces reports folded into an open incident.
func WithFolds(enabled bool) Option {
	return func(n *Notifier) {
		n.notifyFolds = enabled
	}
}

// WithQueueSize bounds the number of deliveries waiting for the worker.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithChannelName labels the channel in metrics.
func WithChannelName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.channelName = name
		}
	}
}

// NewNotifier constructs an incident notifier.
func NewNotifier(incidentReader IncidentReader, events EventReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if incidentReader == nil {
		return nil, errors.New("incident notifier: nil incident reader")
	}
	if channel == nil {
		return nil, errors.New("incident notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		incidents:      incidentReader,
		events:         events,
		channel:        channel,
		template:       template,
		logger:         zap.NewNop(),
		channelName:    "webhook",
		clock:          systemClock{},
		timers:         make(map[int64]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
		queueSize:      defaultQueueSize,
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.queue = make(chan delivery, n.queueSize)
	go n.run()
	return n, nil
}

// Notify implements application.IncidentNotifier.
func (n *Notifier) Notify(_ context.Context, event application.IncidentEvent) {
	if n == nil || n.channel == nil {
		return
	}
	if event.Type == incidents.LogKindFolded && !n.notifyFolds {
		return
	}
	n.enqueue(delivery{name: eventName(event), inc: event.Incident, event: event.Event, actor: event.Log.Actor})

	switch {
	case event.Type == incidents.LogKindCreated:
		n.scheduleEscalation(event.Incident, event.Event)
	case event.Type == incidents.LogKindStatus && event.Incident.Status != incidents.StatusActive:
		n.cancelEscalation(event.Incident.ID)
	}
}

// Flush blocks until every queued delivery has been attempted.
func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.pending.Wait()
}

// Close stops pending escalation timers, delivers what is already queued and
// stops the worker. Events notified after Close are discarded.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[int64]*time.Timer)
	alreadyClosed := n.closed
	if !alreadyClosed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
	<-n.stopped
}

func (n *Notifier) enqueue(d delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending.Add(1)
	select {
	case n.queue <- d:
	default:
		n.pending.Done()
		metrics.IncNotification(n.channelName, metrics.ResultDropped)
		n.logger.Warn("notification queue full, dropping",
			zap.String("channel", n.channelName),
			zap.Int64("incident_id", d.inc.ID),
			zap.String("event", d.name))
	}
}

func (n *Notifier) run() {
	defer close(n.stopped)
	for d := range n.queue {
		n.deliver(d)
		n.pending.Done()
	}
}

func (n *Notifier) deliver(d delivery) {
	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	n.dispatch(ctx, d.name, d.inc, d.event, d.actor)
}

func (n *Notifier) dispatch(ctx context.Context, name string, inc incidents.Incident, event *catalog.EventDefinition, actor string) {
	content, err := n.template.Render(buildTemplateData(name, inc, event, actor))
	if err != nil {
		n.logger.Error("render notification failed", zap.Int64("incident_id", inc.ID), zap.Error(err))
		return
	}
	if !n.shouldSend(inc.ID, name, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		metrics.IncNotification(n.channelName, metrics.ResultError)
		n.logger.Warn("send notification failed",
			zap.String("channel", n.channelName),
			zap.Int64("incident_id", inc.ID),
			zap.Error(err))
		return
	}
	metrics.IncNotification(n.channelName, metrics.ResultSuccess)
	n.markSent(inc.ID, name, content)
}

func (n *Notifier) scheduleEscalation(inc incidents.Incident, event *catalog.EventDefinition) {
	if n.escalation <= 0 || inc.ID == 0 {
		return
	}
	if event == nil || !severityAtLeast(event.Severity, "high") {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if existing, ok := n.timers[inc.ID]; ok && existing != nil {
		existing.Stop()
	}
	id := inc.ID
	n.timers[id] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(id)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(id int64) {
	if id == 0 {
		return
	}
	n.mu.Lock()
	timer := n.timers[id]
	delete(n.timers, id)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(id int64) {
	n.mu.Lock()
	delete(n.timers, id)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	inc, err := n.incidents.GetIncident(ctx, id)
	if err != nil || inc == nil {
		return
	}
	if inc.Status != incidents.StatusActive {
		return
	}
	var event *catalog.EventDefinition
	if n.events != nil {
		if found, err := n.events.GetEvent(ctx, inc.EventID); err == nil {
			event = found
		}
	}
	if event == nil || !severityAtLeast(event.Severity, "high") {
		return
	}
	n.enqueue(delivery{name: eventEscalated, inc: *inc, event: event})
}

func eventName(event application.IncidentEvent) string {
	if event.Type == incidents.LogKindStatus {
		return strings.ToLower(string(event.Incident.Status))
	}
	return event.Type
}

func buildTemplateData(name string, inc incidents.Incident, event *catalog.EventDefinition, actor string) TemplateData {
	data := TemplateData{
		IncidentID:     inc.ID,
		EventID:        inc.EventID,
		Summary:        "event " + strconv.FormatInt(inc.EventID, 10),
		Element:        inc.Element,
		Message:        inc.Message,
		TotalIncidents: inc.TotalIncidents,
		FirstEventTime: inc.FirstEventTime.UTC().Format(time.RFC3339),
		LastEventTime:  inc.LastEventTime.UTC().Format(time.RFC3339),
		Status:         string(inc.Status),
		Actor:          actor,
		Event:          name,
		EventLabel:     eventLabel(name),
	}
	if event != nil {
		data.TeamID = event.TeamID
		data.Severity = event.Severity
		if event.Summary != "" {
			data.Summary = event.Summary
		}
	}
	return data
}

func eventLabel(name string) string {
	switch name {
	case incidents.LogKindCreated:
		return "Opened"
	case incidents.LogKindFolded:
		return "Repeated"
	case "active":
		return "Reopened"
	case "acknowledged":
		return "Acknowledged"
	case "cleared":
		return "Cleared"
	case eventEscalated:
		return "Escalated"
	default:
		return name
	}
}

func severityAtLeast(value, target string) bool {
	return severityRank(value) >= severityRank(target)
}

func severityRank(value string) int {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium", "warning":
		return 2
	case "low", "info":
		return 1
	default:
		return 0
	}
}

func (n *Notifier) shouldSend(id int64, name, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(id, name)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

// markSent records a delivery while cooldown or dedupe needs it and evicts
// records older than the longer of the two windows.
func (n *Notifier) markSent(id int64, name, content string) {
	retention := n.retention()
	if retention <= 0 {
		return
	}
	now := n.clock.Now().UTC()
	key := notificationKey(id, name)
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, record := range n.sent {
		if now.Sub(record.at) >= retention {
			delete(n.sent, k)
		}
	}
	n.sent[key] = sendRecord{at: now, hash: hashContent(content)}
}

func (n *Notifier) retention() time.Duration {
	if n.cooldown > n.dedupeWindow {
		return n.cooldown
	}
	return n.dedupeWindow
}

func (n *Notifier) sentRecords() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func notificationKey(id int64, name string) string {
	return strconv.FormatInt(id, 10) + "|" + name
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
