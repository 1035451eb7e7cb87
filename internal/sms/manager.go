package sms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/aibridge"
)

const (
	// workerPoll is the delivery loop's fallback cadence; enqueues
	// kick it immediately.
	workerPoll = 250 * time.Millisecond

	// sendTimeout bounds one MESSAGE round trip to the SIP plane.
	sendTimeout = 5 * time.Second

	// connectTimeout bounds dialing an SMS conversation bridge.
	connectTimeout = 10 * time.Second

	// retainFor is how long terminal messages stay queryable before
	// the sweep purges them from memory. The archive keeps them after.
	retainFor = 7 * 24 * time.Hour
)

// Event names published to subscribers.
const (
	EventQueued    = "sms_queued"
	EventReceived  = "sms_received"
	EventSent      = "sms_sent"
	EventDelivered = "sms_delivered"
	EventFailed    = "sms_failed"
	EventExpired   = "sms_expired"
	EventCancelled = "sms_cancelled"
)

// Signaler carries outbound messages to the SIP plane as MESSAGE
// requests. Implemented by the signaling adapter.
type Signaler interface {
	SendMessage(ctx context.Context, toURI, fromURI, body string, headers map[string]string) error
}

// Bridge keys AI sessions by conversation and ships message frames
// over them. Implemented by the AI bridge manager.
type Bridge interface {
	Connect(ctx context.Context, info aibridge.CallInfo) error
	Connected(id string) bool
	SendFrame(id, frameType string, data map[string]any) error
}

// DestinationChecker answers whether a destination is provisioned on
// the proxy. Nil accepts every destination.
type DestinationChecker interface {
	SubscriberExists(ctx context.Context, username string) (bool, error)
}

// Caller originates a callback to a sender, for trigger_call rules.
// nil disables the action.
type Caller interface {
	CallBack(number string) error
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(number string) error

func (f CallerFunc) CallBack(number string) error { return f(number) }

// Archiver persists messages that reached a terminal status. nil
// disables archiving.
type Archiver interface {
	ArchiveMessage(ctx context.Context, msg Message) error
}

// WebhookPoster delivers per-message status callbacks to the webhook
// URL a message carries. nil disables webhooks.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload any) error
}

// EventHandler observes message lifecycle events. Handlers run
// synchronously on the emitting goroutine and receive a copy.
type EventHandler func(event string, msg Message)

// Config carries the messaging plane's tunables. Zero values take
// defaults.
type Config struct {
	// Domain forms the SIP URIs outbound MESSAGE requests use.
	Domain string

	QueueMax            int
	GlobalRatePerMin    int
	PerNumberRatePerMin int

	// MaxConcurrent bounds in-flight sends.
	MaxConcurrent   int
	MaxRetries      int
	RetryInterval   time.Duration
	Expiry          time.Duration
	DeliveryTimeout time.Duration
	CleanupInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Domain == "" {
		out.Domain = "voicebridge.local"
	}
	if out.QueueMax <= 0 {
		out.QueueMax = 10000
	}
	if out.GlobalRatePerMin <= 0 {
		out.GlobalRatePerMin = 100
	}
	if out.PerNumberRatePerMin <= 0 {
		out.PerNumberRatePerMin = 10
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 100
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 300 * time.Second
	}
	if out.Expiry <= 0 {
		out.Expiry = 24 * time.Hour
	}
	if out.DeliveryTimeout <= 0 {
		out.DeliveryTimeout = 30 * time.Minute
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Hour
	}
	return out
}

// SendOptions carries optional fields for outbound messages.
type SendOptions struct {
	Priority   Priority
	Encoding   Encoding
	MaxRetries int
	WebhookURL string
	Headers    map[string]string
}

// Stats is a point-in-time snapshot of the messaging plane.
type Stats struct {
	TotalMessages uint64         `json:"total_messages"`
	Inbound       uint64         `json:"inbound_messages"`
	Outbound      uint64         `json:"outbound_messages"`
	Delivered     uint64         `json:"delivered_messages"`
	Failed        uint64         `json:"failed_messages"`
	Expired       uint64         `json:"expired_messages"`
	SendAttempts  uint64         `json:"send_attempts"`
	Active        int            `json:"active_messages"`
	Sending       int            `json:"sending"`
	Queue         QueueStats     `json:"queue"`
	Processor     ProcessorStats `json:"processor"`
}

// Manager owns the messaging plane: it validates and queues outbound
// messages, drives the delivery worker, processes inbound messages
// through the rule engine, and tracks every message until it ages out.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	signaler  Signaler
	bridge    Bridge
	caller    Caller
	archiver  Archiver
	webhooks  WebhookPoster
	directory DestinationChecker

	queue *Queue
	proc  *Processor

	mu       sync.Mutex
	active   map[string]*Message
	timers   map[string]*time.Timer
	sending  int
	handlers map[string][]EventHandler

	inbound, outbound, delivered, failed, expired, attempts uint64

	kick chan struct{}
}

// NewManager creates the messaging plane. The signaler is required;
// bridge, caller, archiver and webhook poster attach via setters.
func NewManager(cfg Config, signaler Signaler, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "sms"),
		signaler: signaler,
		active:   make(map[string]*Message),
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string][]EventHandler),
		kick:     make(chan struct{}, 1),
	}
	m.queue = NewQueue(m.cfg.QueueMax, m.cfg.GlobalRatePerMin, m.cfg.PerNumberRatePerMin)
	m.proc = NewProcessor(m, logger)
	return m
}

// SetBridge attaches the AI bridge used for forward_to_ai.
func (m *Manager) SetBridge(b Bridge) { m.bridge = b }

// SetCaller attaches the call originator used for trigger_call.
func (m *Manager) SetCaller(c Caller) { m.caller = c }

// SetArchiver attaches the terminal-status archive sink.
func (m *Manager) SetArchiver(a Archiver) { m.archiver = a }

// SetWebhooks attaches the webhook poster.
func (m *Manager) SetWebhooks(w WebhookPoster) { m.webhooks = w }

// SetDirectory attaches the proxy directory used to pre-validate
// destinations before a message is queued.
func (m *Manager) SetDirectory(d DestinationChecker) { m.directory = d }

// Processor exposes the rule engine for provisioning.
func (m *Manager) Processor() *Processor { return m.proc }

// Subscribe registers a handler for one event name.
func (m *Manager) Subscribe(event string, h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Send validates, stores and queues an outbound message. The returned
// message is a copy; track it by id.
func (m *Manager) Send(from, to, body string, opts SendOptions) (Message, error) {
	if err := Validate(from, to, body); err != nil {
		return Message{}, err
	}
	if m.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists, err := m.directory.SubscriberExists(ctx, to)
		cancel()
		if err != nil {
			m.logger.Warn("destination lookup failed, accepting message", "to", to, "error", err)
		} else if !exists {
			return Message{}, fmt.Errorf("destination %s is not provisioned", to)
		}
	}
	enc := opts.Encoding
	if enc == "" {
		enc = DetectEncoding(body)
	}
	prio := opts.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.cfg.MaxRetries
	}
	now := time.Now()
	msg := &Message{
		ID:         uuid.NewString(),
		From:       from,
		To:         to,
		Body:       body,
		Direction:  DirectionOutbound,
		Status:     StatusPending,
		Priority:   prio,
		Encoding:   enc,
		Segments:   SegmentCount(body, enc),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.Expiry),
		MaxRetries: maxRetries,
		WebhookURL: opts.WebhookURL,
		Headers:    opts.Headers,
	}
	m.proc.ProcessOutbound(msg)
	msg.Status = StatusQueued

	m.mu.Lock()
	m.active[msg.ID] = msg
	m.outbound++
	m.mu.Unlock()

	if err := m.queue.Enqueue(msg); err != nil {
		m.mu.Lock()
		delete(m.active, msg.ID)
		m.mu.Unlock()
		return Message{}, err
	}

	snap := m.snapshot(msg.ID)
	m.logger.Info("sms queued", "message_id", msg.ID, "from", from, "to", to, "segments", msg.Segments, "priority", prio)
	m.emit(EventQueued, snap)
	m.kickWorker()
	return snap, nil
}

// Receive ingests an inbound SIP MESSAGE. Delivery reports flip the
// referenced message instead of creating a new one; everything else
// runs through the processor.
func (m *Manager) Receive(fromURI, toURI, body string, headers map[string]string, callID string) (Message, Outcome, error) {
	if ref, status, ok := deliveryReport(headers); ok {
		m.HandleDeliveryReport(ref, status)
		return Message{}, Outcome{Action: "delivery_report", Target: ref}, nil
	}

	from := NumberFromURI(fromURI)
	to := NumberFromURI(toURI)
	now := time.Now()
	enc := DetectEncoding(body)
	msg := &Message{
		ID:          uuid.NewString(),
		From:        from,
		To:          to,
		Body:        body,
		Direction:   DirectionInbound,
		Status:      StatusDelivered, // inbound messages arrive delivered
		Priority:    PriorityNormal,
		Encoding:    enc,
		Segments:    SegmentCount(body, enc),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.Expiry),
		DeliveredAt: &now,
		CallID:      callID,
		Headers:     headers,
		MaxRetries:  m.cfg.MaxRetries,
	}

	// Process before publishing so the conversation id lands in the
	// message while this goroutine still owns it exclusively.
	outcome, err := m.proc.ProcessInbound(msg)

	m.mu.Lock()
	m.active[msg.ID] = msg
	m.inbound++
	m.delivered++
	m.mu.Unlock()

	snap := m.snapshot(msg.ID)
	m.archive(snap)
	m.logger.Info("sms received", "message_id", msg.ID, "from", from, "to", to, "action", outcome.Action)
	m.emit(EventReceived, snap)
	return snap, outcome, err
}

// HandleDeliveryReport applies an explicit delivery status for an
// earlier outbound message.
func (m *Manager) HandleDeliveryReport(messageID, status string) bool {
	m.mu.Lock()
	msg, ok := m.active[messageID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if t := m.timers[messageID]; t != nil {
		t.Stop()
		delete(m.timers, messageID)
	}
	current := msg.Status
	m.mu.Unlock()

	switch strings.ToLower(status) {
	case "delivered":
		if current != StatusSent && current != StatusSending {
			return false
		}
		if snap, ok := m.setStatus(messageID, StatusDelivered); ok {
			m.emit(EventDelivered, snap)
			return true
		}
	case "failed":
		if current.Terminal() {
			return false
		}
		if snap, ok := m.setStatus(messageID, StatusFailed); ok {
			m.emit(EventFailed, snap)
			return true
		}
	}
	return false
}

// Cancel aborts a message that has not been sent yet.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	msg, ok := m.active[id]
	if !ok || msg.Status == StatusSent || msg.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	msg.LastError = "cancelled"
	if t := m.timers[id]; t != nil {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.queue.Remove(id)
	if snap, ok := m.setStatus(id, StatusFailed); ok {
		m.emit(EventCancelled, snap)
	}
	m.logger.Info("sms cancelled", "message_id", id)
	return true
}

// Retry requeues a failed message if its retry budget allows.
func (m *Manager) Retry(id string) bool {
	m.mu.Lock()
	msg, ok := m.active[id]
	if !ok || msg.Status != StatusFailed || !msg.CanRetry() {
		m.mu.Unlock()
		return false
	}
	msg.RetryCount++
	msg.Status = StatusQueued
	m.mu.Unlock()

	if err := m.queue.Enqueue(msg); err != nil {
		m.mu.Lock()
		msg.Status = StatusFailed
		m.mu.Unlock()
		m.logger.Warn("sms retry rejected", "message_id", id, "error", err)
		return false
	}
	m.emit(EventQueued, m.snapshot(id))
	m.kickWorker()
	return true
}

// Get returns a copy of a tracked message.
func (m *Manager) Get(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.active[id]
	if !ok {
		return Message{}, false
	}
	return msg.clone(), true
}

// History lists tracked messages newest first, optionally filtered to
// one number on either end.
func (m *Manager) History(number string, limit, offset int) []Message {
	m.mu.Lock()
	out := make([]Message, 0, len(m.active))
	for _, msg := range m.active {
		if number != "" && msg.From != number && msg.To != number {
			continue
		}
		out = append(out, msg.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// QueueContents lists waiting messages in drain order.
func (m *Manager) QueueContents() []QueuedInfo { return m.queue.Contents() }

// Stats returns a snapshot of the messaging plane counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		TotalMessages: m.inbound + m.outbound,
		Inbound:       m.inbound,
		Outbound:      m.outbound,
		Delivered:     m.delivered,
		Failed:        m.failed,
		Expired:       m.expired,
		SendAttempts:  m.attempts,
		Active:        len(m.active),
		Sending:       m.sending,
	}
	m.mu.Unlock()
	st.Queue = m.queue.Stats()
	st.Processor = m.proc.Stats()
	return st
}

// Run drives the delivery worker and the cleanup sweep until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	deliver := time.NewTicker(workerPoll)
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer deliver.Stop()
	defer cleanup.Stop()

	m.logger.Info("sms delivery worker started",
		"max_concurrent", m.cfg.MaxConcurrent,
		"retry_interval", m.cfg.RetryInterval,
	)
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-m.kick:
			m.drainQueue(ctx)
		case <-deliver.C:
			m.drainQueue(ctx)
		case <-cleanup.C:
			m.sweep()
		}
	}
}

// Shutdown stops pending timers. Queued messages are left in place;
// runtime queue state is not persisted.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	waiting := m.queue.Len()
	m.mu.Unlock()
	if waiting > 0 {
		m.logger.Warn("sms worker stopping with messages still queued", "waiting", waiting)
	}
}

// drainQueue dispatches queued messages into delivery goroutines until
// the in-flight cap is hit or the queue empties.
func (m *Manager) drainQueue(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.sending >= m.cfg.MaxConcurrent {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		msg, ok := m.queue.Dequeue()
		if !ok {
			return
		}
		m.mu.Lock()
		m.sending++
		m.mu.Unlock()
		go m.deliver(ctx, msg)
	}
}

// deliver sends one message to the SIP plane and settles its status.
func (m *Manager) deliver(ctx context.Context, msg *Message) {
	defer func() {
		m.mu.Lock()
		m.sending--
		m.mu.Unlock()
	}()

	if _, ok := m.setStatus(msg.ID, StatusSending); !ok {
		return
	}

	headers := map[string]string{
		"X-SMS-ID":       msg.ID,
		"X-SMS-Segments": strconv.Itoa(msg.Segments),
		"Content-Type":   "text/plain; charset=utf-8",
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := m.signaler.SendMessage(sendCtx, sipURI(msg.To, m.cfg.Domain), sipURI(msg.From, m.cfg.Domain), msg.Body, headers)
	cancel()

	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	if err != nil {
		m.handleSendFailure(msg, err)
		return
	}

	if snap, ok := m.setStatus(msg.ID, StatusSent); ok {
		m.logger.Info("sms sent", "message_id", msg.ID, "to", msg.To, "segments", msg.Segments)
		m.emit(EventSent, snap)
		m.scheduleDeliveryFlip(msg.ID)
	}
}

// handleSendFailure retries within the budget, otherwise fails the
// message for good.
func (m *Manager) handleSendFailure(msg *Message, sendErr error) {
	m.mu.Lock()
	msg.LastError = sendErr.Error()
	canRetry := msg.CanRetry()
	if canRetry {
		msg.RetryCount++
	}
	attempt := msg.RetryCount
	m.mu.Unlock()

	if !canRetry {
		if snap, ok := m.setStatus(msg.ID, StatusFailed); ok {
			m.logger.Error("sms failed permanently", "message_id", msg.ID, "error", sendErr)
			m.emit(EventFailed, snap)
		}
		return
	}

	m.logger.Warn("sms send failed, scheduling retry",
		"message_id", msg.ID,
		"attempt", attempt,
		"retry_in", m.cfg.RetryInterval,
		"error", sendErr,
	)
	m.mu.Lock()
	m.timers[msg.ID] = time.AfterFunc(m.cfg.RetryInterval, func() { m.requeue(msg.ID) })
	m.mu.Unlock()
}

// requeue puts a retried message back in the queue after its backoff.
func (m *Manager) requeue(id string) {
	m.mu.Lock()
	delete(m.timers, id)
	msg, ok := m.active[id]
	if !ok || msg.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if msg.Expired() {
		if snap, ok := m.setStatus(id, StatusExpired); ok {
			m.emit(EventExpired, snap)
		}
		return
	}
	if err := m.queue.Enqueue(msg); err != nil {
		// Requeue refusals burn a retry so a saturated queue cannot
		// loop a message forever.
		m.handleSendFailure(msg, err)
		return
	}
	m.setStatusAndEmit(id, StatusQueued, EventQueued)
	m.kickWorker()
}

// scheduleDeliveryFlip assumes delivery after the confirmation window
// passes with no explicit report.
func (m *Manager) scheduleDeliveryFlip(id string) {
	m.mu.Lock()
	m.timers[id] = time.AfterFunc(m.cfg.DeliveryTimeout, func() {
		m.mu.Lock()
		delete(m.timers, id)
		msg, ok := m.active[id]
		sent := ok && msg.Status == StatusSent
		m.mu.Unlock()
		if !sent {
			return
		}
		if snap, ok := m.setStatus(id, StatusDelivered); ok {
			m.emit(EventDelivered, snap)
		}
	})
	m.mu.Unlock()
}

// sweep expires overdue messages and purges terminal ones past the
// retention window.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var overdue []string
	var purge []string
	for id, msg := range m.active {
		if !msg.Status.Terminal() && now.After(msg.ExpiresAt) {
			overdue = append(overdue, id)
			continue
		}
		if msg.Status.Terminal() && now.Sub(msg.CreatedAt) > retainFor {
			purge = append(purge, id)
		}
	}
	m.mu.Unlock()

	for _, id := range overdue {
		m.queue.Remove(id)
		if snap, ok := m.setStatus(id, StatusExpired); ok {
			m.emit(EventExpired, snap)
		}
	}

	m.mu.Lock()
	for _, id := range purge {
		delete(m.active, id)
		if t := m.timers[id]; t != nil {
			t.Stop()
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	m.queue.PruneRateWindows()
	removed := m.proc.SweepConversations()
	if len(overdue) > 0 || len(purge) > 0 || removed > 0 {
		m.logger.Info("sms sweep", "expired", len(overdue), "purged", len(purge), "conversations_removed", removed)
	}
}

// ForwardToAI implements Actions: it ships an inbound message over the
// per-conversation bridge connection, dialing one if needed.
func (m *Manager) ForwardToAI(msg *Message, conv Conversation, attrs map[string]any) error {
	if m.bridge == nil {
		return fmt.Errorf("ai bridge not configured")
	}
	if !m.bridge.Connected(conv.ID) {
		info := aibridge.CallInfo{
			CallID:         conv.ID,
			ConversationID: conv.ID,
			FromNumber:     msg.From,
			ToNumber:       msg.To,
			Direction:      string(msg.Direction),
			SIPHeaders:     msg.Headers,
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := m.bridge.Connect(ctx, info)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting sms bridge: %w", err)
		}
	}
	payload := map[string]any{
		"message_id":      msg.ID,
		"from_number":     msg.From,
		"to_number":       msg.To,
		"body":            msg.Body,
		"direction":       string(msg.Direction),
		"timestamp":       msg.CreatedAt.UTC().Format(time.RFC3339),
		"segments":        msg.Segments,
		"conversation_id": conv.ID,
	}
	if len(attrs) > 0 {
		payload["context"] = attrs
	}
	return m.bridge.SendFrame(conv.ID, aibridge.TypeSMSMessage, payload)
}

// Reply implements Actions: rule-driven outbound sends reuse the full
// pipeline.
func (m *Manager) Reply(from, to, body string) (string, error) {
	msg, err := m.Send(from, to, body, SendOptions{})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// TriggerCall implements Actions.
func (m *Manager) TriggerCall(number string) error {
	if m.caller == nil {
		return fmt.Errorf("call origination not configured")
	}
	return m.caller.CallBack(number)
}

// setStatus moves a message to a new status, stamping timestamps and
// terminal counters. Transitions out of a terminal status are refused.
func (m *Manager) setStatus(id string, st Status) (Message, bool) {
	m.mu.Lock()
	msg, ok := m.active[id]
	if !ok || msg.Status.Terminal() {
		m.mu.Unlock()
		return Message{}, false
	}
	prev := msg.Status
	msg.Status = st
	now := time.Now()
	switch st {
	case StatusSent:
		msg.SentAt = &now
	case StatusDelivered:
		msg.DeliveredAt = &now
		m.delivered++
	case StatusFailed:
		m.failed++
	case StatusExpired:
		m.expired++
	}
	snap := msg.clone()
	m.mu.Unlock()

	m.logger.Debug("sms status", "message_id", id, "from", prev, "to", st)
	if st.Terminal() {
		m.archive(snap)
		m.postWebhook(snap)
	}
	return snap, true
}

func (m *Manager) setStatusAndEmit(id string, st Status, event string) {
	if snap, ok := m.setStatus(id, st); ok {
		m.emit(event, snap)
	}
}

// archive hands a terminal message to the archive sink.
func (m *Manager) archive(snap Message) {
	if m.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.archiver.ArchiveMessage(ctx, snap); err != nil {
		m.logger.Error("archiving sms failed", "message_id", snap.ID, "error", err)
	}
}

// postWebhook notifies the message's webhook of its final status.
func (m *Manager) postWebhook(snap Message) {
	if m.webhooks == nil || snap.WebhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		payload := map[string]any{
			"message_id": snap.ID,
			"status":     snap.Status,
			"from":       snap.From,
			"to":         snap.To,
			"segments":   snap.Segments,
			"error":      snap.LastError,
		}
		if err := m.webhooks.Post(ctx, snap.WebhookURL, payload); err != nil {
			m.logger.Warn("sms webhook post failed", "message_id", snap.ID, "url", snap.WebhookURL, "error", err)
		}
	}()
}

// emit invokes subscribers for an event. A panicking handler never
// takes the pipeline down.
func (m *Manager) emit(event string, snap Message) {
	m.mu.Lock()
	handlers := make([]EventHandler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("sms event handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, snap)
		}()
	}
}

// snapshot returns a copy of a tracked message, or the zero value if
// it aged out.
func (m *Manager) snapshot(id string) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.active[id]; ok {
		return msg.clone()
	}
	return Message{}
}

func (m *Manager) kickWorker() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// deliveryReport recognizes inbound MESSAGEs that carry a delivery
// status for an earlier outbound message.
func deliveryReport(headers map[string]string) (messageID, status string, ok bool) {
	if headers == nil {
		return "", "", false
	}
	status = headers["X-SMS-Status"]
	messageID = headers["X-SMS-ID"]
	if status == "" || messageID == "" {
		return "", "", false
	}
	return messageID, status, true
}

func sipURI(number, domain string) string {
	return "sip:" + number + "@" + domain
}
