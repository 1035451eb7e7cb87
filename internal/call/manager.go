package call

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pionrtp "github.com/pion/rtp"

	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/ivr"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/rtp"
)

const (
	// telephoneEventPT is the RFC 2833 payload type negotiated with the
	// proxy.
	telephoneEventPT = 101

	// signalTimeout bounds outbound signaling commands.
	signalTimeout = 5 * time.Second

	// queueSweepInterval drives queue expiry; staleSweepInterval drives
	// the abandoned-call reaper.
	queueSweepInterval = 30 * time.Second
	staleSweepInterval = 5 * time.Minute
)

// Hangup reasons that mark a call failed rather than completed or
// cancelled.
var failureReasons = map[string]bool{
	aibridge.ReasonUnreachable:      true,
	aibridge.ReasonHeartbeatFailed:  true,
	aibridge.ReasonWriteStall:       true,
	aibridge.ReasonAuthRejected:     true,
	aibridge.ReasonConnectionClosed: true,
	"media_failure":                 true,
	"media_allocation_failed":       true,
	"stale_call":                    true,
	"originate_failed":              true,
	"error":                         true,
}

// Signaler sends commands back to the SIP proxy. The manager treats a
// nil signaler as a proxy that accepts everything, which keeps tests
// and partial deployments working.
type Signaler interface {
	Hangup(ctx context.Context, callID, reason string) error
	Transfer(ctx context.Context, callID, target string) error
	PlayAudio(ctx context.Context, callID, audioRef string) error
	SendDTMF(ctx context.Context, callID, digit string) error
	OriginateCall(ctx context.Context, from, to string, headers map[string]string) error
}

// AIBridge is the conversational backend connection manager.
// *aibridge.Manager satisfies it; tests substitute a fake.
type AIBridge interface {
	Connect(ctx context.Context, info aibridge.CallInfo) error
	SendAudio(callID string, pcm []byte) error
	SendDTMF(callID, digit string, duration time.Duration, confidence float64, method string) error
	SendDTMFSequence(callID, sequence, pattern string, context map[string]any) error
	SendStatus(callID string, data map[string]any) error
	Disconnect(callID, reason string)
	Connected(callID string) bool
	SessionID(callID string) (string, bool)
}

// TargetResolver maps a subscriber name to its registered contact URI.
// The proxy directory satisfies it. Nil leaves forward targets as the
// rule wrote them.
type TargetResolver interface {
	BestContact(ctx context.Context, username string) (string, error)
}

// Recorder persists call audio. Nil disables recording.
type Recorder interface {
	Start(callID string) (path string, err error)
	Feed(callID string, pcm []byte)
	Stop(callID string) error
}

// StateNotifier mirrors call state to an external dialog store, such
// as the proxy's dialog module. Nil disables mirroring.
type StateNotifier interface {
	NotifyState(callID string, from, to State, snap Snapshot)
}

// Config carries the manager limits. Zero values select defaults.
type Config struct {
	MaxConcurrentCalls int
	MaxCallsPerNumber  int
	MaxQueueSize       int
	QueueTimeout       time.Duration

	// StaleCallLimit reaps calls alive past this age.
	StaleCallLimit time.Duration

	DTMFSequenceTimeout time.Duration
	IVRSessionTimeout   time.Duration

	SampleRate   int // telephony plane
	AISampleRate int // AI plane
	FrameMs      int

	RingingTimeoutS int

	// RemoveDelay keeps terminal sessions queryable before removal.
	RemoveDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 100
	}
	if c.MaxCallsPerNumber <= 0 {
		c.MaxCallsPerNumber = 5
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 50
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.StaleCallLimit <= 0 {
		c.StaleCallLimit = 4 * time.Hour
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.AISampleRate <= 0 {
		c.AISampleRate = 16000
	}
	if c.FrameMs <= 0 {
		c.FrameMs = 20
	}
	if c.RingingTimeoutS <= 0 {
		c.RingingTimeoutS = 30
	}
	if c.RemoveDelay <= 0 {
		c.RemoveDelay = 60 * time.Second
	}
	return c
}

// frameBytes is one telephony frame of 16-bit PCM.
func (c Config) frameBytes() int {
	return c.SampleRate * c.FrameMs / 1000 * 2
}

// IncomingCall is the admission request built from a call_start event.
type IncomingCall struct {
	CallID     string // empty generates one
	SIPCallID  string
	From       string
	FromName   string
	To         string
	Headers    map[string]string
	RemoteHost string
	RemotePort int
	Codec      string // empty defaults to PCMU
}

// Stats is a snapshot of manager counters.
type Stats struct {
	ActiveCalls    int
	QueuedCalls    int
	TotalCalls     uint64
	CompletedCalls uint64
	FailedCalls    uint64
	CancelledCalls uint64
	RejectedCalls  uint64
	QueuedTotal    uint64
	ForwardedCalls uint64
}

// Manager owns all call sessions and wires the media, DTMF, IVR, hold
// music, and AI bridge subsystems together.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	router *Router
	queue  *Queue
	bus    *Bus

	media  *rtp.Manager
	bridge AIBridge
	music  *moh.Manager

	detector  *dtmf.Detector
	processor *dtmf.Processor
	menus     *ivr.Engine

	signaler Signaler
	recorder Recorder
	notifier StateNotifier
	resolver TargetResolver

	mu          sync.RWMutex
	sessions    map[string]*session
	byNumber    map[string]int
	activeCount int
	runCtx      context.Context

	totalCalls     uint64
	completedCalls uint64
	failedCalls    uint64
	cancelledCalls uint64
	rejectedCalls  uint64
	queuedTotal    uint64
	forwardedCalls uint64
}

// NewManager wires a call manager around the given media and AI bridge
// managers. The DTMF processor and IVR engine are created here because
// their action surface is the manager itself.
func NewManager(cfg Config, media *rtp.Manager, bridge AIBridge, music *moh.Manager, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "callmanager"),
		router:   NewRouter(logger),
		queue:    NewQueue(cfg.MaxQueueSize, cfg.QueueTimeout),
		bus:      NewBus(logger),
		media:    media,
		bridge:   bridge,
		music:    music,
		sessions: make(map[string]*session),
		byNumber: make(map[string]int),
	}

	m.detector = dtmf.NewDetector(logger)
	m.detector.AddHandler(m.handleDTMFEvent)
	m.processor = dtmf.NewProcessor(m, cfg.DTMFSequenceTimeout, logger)
	m.menus = ivr.NewEngine(m, cfg.IVRSessionTimeout, logger)
	m.menus.OnSessionEnd(m.handleIVREnd)

	return m
}

// SetSignaler attaches the SIP command channel.
func (m *Manager) SetSignaler(s Signaler) { m.signaler = s }

// SetRecorder attaches the call recorder.
func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

// SetNotifier attaches the external state mirror.
func (m *Manager) SetNotifier(n StateNotifier) { m.notifier = n }

// SetResolver attaches the proxy directory used to resolve bare
// forward targets to registered contacts.
func (m *Manager) SetResolver(r TargetResolver) { m.resolver = r }

// Router returns the admission rule table.
func (m *Manager) Router() *Router { return m.router }

// Bus returns the call event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// IVR returns the menu engine for provisioning and inspection.
func (m *Manager) IVR() *ivr.Engine { return m.menus }

// DTMF returns the pattern processor for provisioning and inspection.
func (m *Manager) DTMF() *dtmf.Processor { return m.processor }

// Detector returns the DTMF detector, for signaling-plane SIP INFO
// digits and diagnostics.
func (m *Manager) Detector() *dtmf.Detector { return m.detector }

// HandleIncomingCall admits one inbound call and returns the decision
// the signaling plane should answer with. Accepted calls are registered
// and start ringing before this returns; the AI connection proceeds in
// the background.
func (m *Manager) HandleIncomingCall(inc IncomingCall) Decision {
	if inc.CallID == "" {
		inc.CallID = uuid.NewString()
	}
	if inc.Codec == "" {
		inc.Codec = audio.CodecPCMU
	}
	sessionID := uuid.NewString()
	priority := priorityFromSIP(inc.Headers, inc.From)

	// Urgent calls bypass capacity limits.
	if priority != PriorityUrgent {
		if reason, ok := m.checkCapacity(inc.From); !ok {
			m.reject(inc, sessionID, Decision{Action: DecisionReject, Reason: reason})
			return Decision{Action: DecisionReject, Reason: reason, CallID: inc.CallID, SessionID: sessionID}
		}
	}

	d := m.router.Route(inc.From, inc.To)
	d.CallID = inc.CallID
	d.SessionID = sessionID

	switch d.Action {
	case DecisionReject:
		m.reject(inc, sessionID, d)
		return d

	case DecisionForward:
		// Forwarded calls leave the system at the proxy; no session is
		// registered here.
		d.Target = m.resolveTarget(d.Target)
		m.mu.Lock()
		m.forwardedCalls++
		m.mu.Unlock()
		m.logger.Info("call forwarded",
			"call_id", inc.CallID,
			"from", inc.From,
			"target", d.Target,
			"rule", d.RuleName,
		)
		m.bus.Publish(Event{
			Type:   EventCallForwarded,
			CallID: inc.CallID,
			Data:   map[string]any{"from": inc.From, "to": inc.To, "target": d.Target, "rule": d.RuleName},
		})
		return d

	case DecisionQueue:
		s := m.register(inc, sessionID, d.Priority)
		pos, err := m.queue.Enqueue(inc.CallID, d.QueueName, d.Priority)
		if err != nil {
			m.unregister(inc.CallID)
			full := Decision{Action: DecisionReject, Reason: ReasonQueueFull, CallID: inc.CallID, SessionID: sessionID}
			m.reject(inc, sessionID, full)
			return full
		}
		s.mu.Lock()
		s.queued = true
		s.snap.QueueName = d.QueueName
		snap := s.snapshot()
		s.mu.Unlock()

		d.Position = pos
		d.EstimatedWaitS = int(m.queue.EstimatedWait(inc.CallID) / time.Second)
		m.mu.Lock()
		m.queuedTotal++
		m.mu.Unlock()
		m.logger.Info("call queued",
			"call_id", inc.CallID,
			"queue", d.QueueName,
			"position", pos,
			"priority", d.Priority.String(),
		)
		m.bus.Publish(Event{
			Type:     EventCallQueued,
			CallID:   inc.CallID,
			Snapshot: snap,
			Data:     map[string]any{"queue": d.QueueName, "position": pos},
		})
		return d

	default: // accept
		s := m.register(inc, sessionID, priority)
		if errd, ok := m.activate(s); !ok {
			errd.CallID = inc.CallID
			errd.SessionID = sessionID
			return errd
		}
		d = Decision{
			Action:          DecisionAccept,
			CallID:          inc.CallID,
			SessionID:       sessionID,
			RingingTimeoutS: m.cfg.RingingTimeoutS,
		}
		return d
	}
}

// resolveTarget swaps a bare subscriber name for its registered
// contact when a directory is attached. Full URIs pass through.
func (m *Manager) resolveTarget(target string) string {
	if m.resolver == nil || target == "" || strings.ContainsAny(target, ":@") {
		return target
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	contact, err := m.resolver.BestContact(ctx, target)
	if err != nil || contact == "" {
		if err != nil {
			m.logger.Warn("forward target lookup failed", "target", target, "error", err)
		}
		return target
	}
	return contact
}

// checkCapacity checks the global and per-number caps. Returns the
// rejection reason and false when a cap is hit.
func (m *Manager) checkCapacity(from string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeCount >= m.cfg.MaxConcurrentCalls {
		return ReasonConcurrentLimit, false
	}
	if m.byNumber[normalizeNumber(from)] >= m.cfg.MaxCallsPerNumber {
		return ReasonNumberLimit, false
	}
	return "", true
}

// register creates and stores a session in INITIALIZING.
func (m *Manager) register(inc IncomingCall, sessionID string, priority Priority) *session {
	if priority == 0 {
		priority = priorityFromSIP(inc.Headers, inc.From)
	}
	s := &session{
		fsm: newCallFSM(),
		snap: Snapshot{
			CallID:        inc.CallID,
			SessionID:     sessionID,
			Direction:     DirectionInbound,
			State:         StateInitializing,
			Priority:      priority,
			Caller:        Participant{Number: inc.From, Name: inc.FromName},
			Callee:        Participant{Number: inc.To},
			CreatedAt:     time.Now(),
			Codec:         inc.Codec,
			RTPRemoteHost: inc.RemoteHost,
			RTPRemotePort: inc.RemotePort,
			SIPCallID:     inc.SIPCallID,
			SIPHeaders:    inc.Headers,
		},
	}
	if m.cfg.SampleRate != m.cfg.AISampleRate {
		s.upsampler = audio.NewStreamingResampler(m.cfg.SampleRate, m.cfg.AISampleRate, m.cfg.frameBytes())
		s.downsampler = audio.NewStreamingResampler(m.cfg.AISampleRate, m.cfg.SampleRate, 0)
	}

	m.mu.Lock()
	m.sessions[inc.CallID] = s
	m.totalCalls++
	m.mu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	m.bus.Publish(Event{Type: EventCallCreated, CallID: inc.CallID, Snapshot: snap})
	return s
}

func (m *Manager) unregister(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// reject counts and reports a refused call. Rejected calls are never
// registered.
func (m *Manager) reject(inc IncomingCall, sessionID string, d Decision) {
	m.mu.Lock()
	m.rejectedCalls++
	m.mu.Unlock()
	m.logger.Info("call rejected", "call_id", inc.CallID, "from", inc.From, "to", inc.To, "reason", d.Reason)
	m.bus.Publish(Event{
		Type:   EventCallRejected,
		CallID: inc.CallID,
		Data:   map[string]any{"from": inc.From, "to": inc.To, "reason": d.Reason},
	})
}

// activate allocates media, marks the session active, starts ringing,
// and kicks off the AI connection. Media allocation failure fails the
// call and reports an error decision.
func (m *Manager) activate(s *session) (Decision, bool) {
	s.mu.Lock()
	callID := s.snap.CallID
	caller := s.snap.Caller.Number
	codec := s.snap.Codec
	host, port := s.snap.RTPRemoteHost, s.snap.RTPRemotePort
	s.mu.Unlock()

	sess, err := m.media.CreateSession(rtp.SessionConfig{
		CallID:           callID,
		Codec:            codec,
		PayloadType:      audio.PayloadType(codec),
		SampleRate:       m.cfg.SampleRate,
		FrameDur:         time.Duration(m.cfg.FrameMs) * time.Millisecond,
		RemoteHost:       host,
		RemotePort:       port,
		TelephoneEventPT: telephoneEventPT,
		OnAudio:          func(payload []byte, _ *pionrtp.Packet) { m.handleMediaIn(callID, payload) },
		OnEvent:          func(payload []byte, _ *pionrtp.Packet) { m.detector.ProcessTelephoneEvent(callID, payload) },
	})
	if err != nil {
		m.logger.Error("media allocation failed", "call_id", callID, "error", err)
		m.apply(s, StateFailed, "media_allocation_failed", nil)
		return Decision{Action: DecisionError, Reason: "media_allocation_failed"}, false
	}

	s.mu.Lock()
	s.active = true
	s.snap.RTPLocalPort = sess.LocalPort()
	s.mu.Unlock()

	m.mu.Lock()
	m.activeCount++
	m.byNumber[normalizeNumber(caller)]++
	m.mu.Unlock()

	m.apply(s, StateRinging, "", nil)

	go m.connectAI(callID)
	return Decision{}, true
}

// connectAI dials the AI platform for a call. Exhausted retries fail
// the call.
func (m *Manager) connectAI(callID string) {
	snap, ok := m.Get(callID)
	if !ok || snap.State.Terminal() {
		return
	}
	info := aibridge.CallInfo{
		CallID:     callID,
		FromNumber: snap.Caller.Number,
		ToNumber:   snap.Callee.Number,
		Direction:  string(snap.Direction),
		SIPHeaders: snap.SIPHeaders,
		Codec:      snap.Codec,
	}
	if err := m.bridge.Connect(m.context(), info); err != nil {
		m.logger.Error("ai platform unreachable", "call_id", callID, "error", err)
		if err := m.HangupCall(callID, aibridge.ReasonUnreachable); err != nil {
			m.logger.Debug("hangup after connect failure", "call_id", callID, "error", err)
		}
		return
	}
	if id, ok := m.bridge.SessionID(callID); ok {
		if s := m.session(callID); s != nil {
			s.mu.Lock()
			s.snap.AISessionID = id
			s.mu.Unlock()
		}
	}
}

// HandleCallRinging moves an outbound call to RINGING when the proxy
// reports early dialog progress.
func (m *Manager) HandleCallRinging(callID string) bool {
	s := m.session(callID)
	if s == nil {
		return false
	}
	return m.apply(s, StateRinging, "", nil)
}

// Answer connects a call when the signaling plane reports the dialog
// confirmed. The machine passes through CONNECTING so the transition
// table is honored for both inbound and outbound legs.
func (m *Manager) Answer(callID string) bool {
	s := m.session(callID)
	if s == nil {
		m.logger.Warn("answer for unknown call", "call_id", callID)
		return false
	}
	if !m.apply(s, StateConnecting, "", nil) {
		return false
	}
	return m.apply(s, StateConnected, "", nil)
}

// SetMediaRemote points a call's RTP at the endpoint learned from SDP.
func (m *Manager) SetMediaRemote(callID, host string, port int) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	sess := m.media.Get(callID)
	if sess == nil {
		return fmt.Errorf("call %s has no media session", callID)
	}
	if err := sess.SetRemote(host, port); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap.RTPRemoteHost = host
	s.snap.RTPRemotePort = port
	s.mu.Unlock()
	return nil
}

// HandleCallEnd processes a hangup reported by the far end. No BYE is
// sent back. Returns false for unknown calls, which are a no-op.
func (m *Manager) HandleCallEnd(callID, reason string) bool {
	s := m.session(callID)
	if s == nil {
		m.logger.Debug("call end for unknown call", "call_id", callID)
		return false
	}
	if reason == "" {
		reason = "normal"
	}
	return m.applyTerminal(s, reason)
}

// HangupCall ends a call from our side, telling the proxy to tear the
// dialog down. It implements the DTMF and IVR hangup capability.
func (m *Manager) HangupCall(callID, reason string) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if reason == "" {
		reason = "normal"
	}
	if m.signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		if err := m.signaler.Hangup(ctx, callID, reason); err != nil {
			m.logger.Warn("proxy hangup failed", "call_id", callID, "error", err)
		}
		cancel()
	}
	if !m.applyTerminal(s, reason) {
		return fmt.Errorf("call %s already ended", callID)
	}
	return nil
}

// TransferCall starts an attended transfer. Only connected calls can
// transfer; the call completes when the proxy confirms via
// CompleteTransfer. It implements the DTMF and IVR transfer capability.
func (m *Manager) TransferCall(callID, target string) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if target == "" {
		return fmt.Errorf("transfer target is required")
	}

	s.mu.Lock()
	s.snap.TransferTarget = target
	s.mu.Unlock()
	if !m.apply(s, StateTransferring, "", map[string]any{"target": target}) {
		s.mu.Lock()
		s.snap.TransferTarget = ""
		s.mu.Unlock()
		return fmt.Errorf("call %s cannot transfer in its current state", callID)
	}

	if m.signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		err := m.signaler.Transfer(ctx, callID, target)
		cancel()
		if err != nil {
			m.logger.Error("transfer refused by proxy", "call_id", callID, "target", target, "error", err)
			s.mu.Lock()
			s.snap.TransferTarget = ""
			s.mu.Unlock()
			m.apply(s, StateConnected, "", map[string]any{"transfer_failed": true})
			return err
		}
	}
	return nil
}

// CompleteTransfer finishes a pending transfer: success completes the
// call, failure reconnects it.
func (m *Manager) CompleteTransfer(callID string, success bool) bool {
	s := m.session(callID)
	if s == nil {
		return false
	}
	if success {
		return m.apply(s, StateCompleted, "transferred", nil)
	}
	s.mu.Lock()
	s.snap.TransferTarget = ""
	s.mu.Unlock()
	return m.apply(s, StateConnected, "", map[string]any{"transfer_failed": true})
}

// HoldCall puts a connected call on hold and starts hold music. An
// empty sourceID selects the default source.
func (m *Manager) HoldCall(callID, sourceID string) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if !m.apply(s, StateOnHold, "", nil) {
		return fmt.Errorf("call %s cannot hold in its current state", callID)
	}
	s.mu.Lock()
	s.snap.OnHold = true
	snap := s.snapshot()
	s.mu.Unlock()

	if err := m.music.Start(callID, sourceID, m.mediaSink(callID)); err != nil {
		m.logger.Warn("hold music unavailable", "call_id", callID, "source", sourceID, "error", err)
	}
	m.bus.Publish(Event{Type: EventCallHeld, CallID: callID, Snapshot: snap})
	return nil
}

// ResumeCall takes a call off hold and stops hold music.
func (m *Manager) ResumeCall(callID string) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if !m.apply(s, StateConnected, "", nil) {
		return fmt.Errorf("call %s is not on hold", callID)
	}
	s.mu.Lock()
	s.snap.OnHold = false
	snap := s.snapshot()
	s.mu.Unlock()

	m.music.Stop(callID)
	m.bus.Publish(Event{Type: EventCallResumed, CallID: callID, Snapshot: snap})
	return nil
}

// StartRecording begins persisting call audio. The call must be
// connected or on hold.
func (m *Manager) StartRecording(callID string) (string, error) {
	if m.recorder == nil {
		return "", fmt.Errorf("recording is not configured")
	}
	s := m.session(callID)
	if s == nil {
		return "", fmt.Errorf("unknown call %s", callID)
	}
	s.mu.Lock()
	st := s.snap.State
	already := s.snap.Recording
	s.mu.Unlock()
	if already {
		return "", fmt.Errorf("call %s is already recording", callID)
	}
	if st != StateConnected && st != StateOnHold {
		return "", fmt.Errorf("call %s cannot record in state %s", callID, st)
	}

	path, err := m.recorder.Start(callID)
	if err != nil {
		return "", fmt.Errorf("starting recording: %w", err)
	}
	s.mu.Lock()
	s.snap.Recording = true
	s.snap.RecordingPath = path
	snap := s.snapshot()
	s.mu.Unlock()

	m.logger.Info("recording started", "call_id", callID, "path", path)
	m.bus.Publish(Event{Type: EventRecordingStarted, CallID: callID, Snapshot: snap})
	return path, nil
}

// StopRecording finishes an active recording.
func (m *Manager) StopRecording(callID string) error {
	if m.recorder == nil {
		return fmt.Errorf("recording is not configured")
	}
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	s.mu.Lock()
	recording := s.snap.Recording
	s.snap.Recording = false
	snap := s.snapshot()
	s.mu.Unlock()
	if !recording {
		return fmt.Errorf("call %s is not recording", callID)
	}

	if err := m.recorder.Stop(callID); err != nil {
		return err
	}
	m.logger.Info("recording stopped", "call_id", callID)
	m.bus.Publish(Event{Type: EventRecordingStopped, CallID: callID, Snapshot: snap})
	return nil
}

// ToggleRecording flips recording state. It implements the DTMF
// toggle-recording capability.
func (m *Manager) ToggleRecording(callID string) error {
	s := m.session(callID)
	if s == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	s.mu.Lock()
	recording := s.snap.Recording
	s.mu.Unlock()
	if recording {
		return m.StopRecording(callID)
	}
	_, err := m.StartRecording(callID)
	return err
}

// InitiateOutbound registers an outbound call, allocates its media, and
// asks the proxy to originate the INVITE with the generated X- headers.
// The returned snapshot carries the local RTP port; a nil signaler skips
// origination so callers can drive the leg themselves.
func (m *Manager) InitiateOutbound(from, to string, headers map[string]string) (Snapshot, error) {
	if reason, ok := m.checkCapacity(from); !ok {
		return Snapshot{}, fmt.Errorf("outbound call refused: %s", reason)
	}
	inc := IncomingCall{
		CallID:  uuid.NewString(),
		From:    from,
		To:      to,
		Headers: headers,
		Codec:   audio.CodecPCMU,
	}
	s := m.register(inc, uuid.NewString(), PriorityNormal)
	s.mu.Lock()
	s.snap.Direction = DirectionOutbound
	s.mu.Unlock()

	if _, ok := m.activateOutbound(s); !ok {
		return Snapshot{}, fmt.Errorf("media allocation failed")
	}

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if m.signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		err := m.signaler.OriginateCall(ctx, from, to, snap.generatedHeaders())
		cancel()
		if err != nil {
			m.logger.Error("outbound originate failed", "call_id", snap.CallID, "error", err)
			m.applyTerminal(s, "originate_failed")
			return Snapshot{}, fmt.Errorf("originate failed: %w", err)
		}
	}

	m.logger.Info("outbound call initiated", "call_id", snap.CallID, "from", from, "to", to)
	return snap, nil
}

// activateOutbound is activate without the RINGING transition; the
// proxy drives ringing for outbound legs.
func (m *Manager) activateOutbound(s *session) (Decision, bool) {
	s.mu.Lock()
	callID := s.snap.CallID
	caller := s.snap.Caller.Number
	codec := s.snap.Codec
	s.mu.Unlock()

	sess, err := m.media.CreateSession(rtp.SessionConfig{
		CallID:           callID,
		Codec:            codec,
		PayloadType:      audio.PayloadType(codec),
		SampleRate:       m.cfg.SampleRate,
		FrameDur:         time.Duration(m.cfg.FrameMs) * time.Millisecond,
		TelephoneEventPT: telephoneEventPT,
		OnAudio:          func(payload []byte, _ *pionrtp.Packet) { m.handleMediaIn(callID, payload) },
		OnEvent:          func(payload []byte, _ *pionrtp.Packet) { m.detector.ProcessTelephoneEvent(callID, payload) },
	})
	if err != nil {
		m.logger.Error("media allocation failed", "call_id", callID, "error", err)
		m.apply(s, StateFailed, "media_allocation_failed", nil)
		return Decision{Action: DecisionError, Reason: "media_allocation_failed"}, false
	}

	s.mu.Lock()
	s.active = true
	s.snap.RTPLocalPort = sess.LocalPort()
	s.mu.Unlock()

	m.mu.Lock()
	m.activeCount++
	m.byNumber[normalizeNumber(caller)]++
	m.mu.Unlock()

	go m.connectAI(callID)
	return Decision{}, true
}

// OutboundHeaders returns the generated X- headers for a call's
// outbound INVITE.
func (m *Manager) OutboundHeaders(callID string) (map[string]string, bool) {
	snap, ok := m.Get(callID)
	if !ok {
		return nil, false
	}
	return snap.generatedHeaders(), true
}

// DequeueNext activates the best waiting call for queueName (empty for
// any) and starts it ringing. Returns false when nothing is waiting.
func (m *Manager) DequeueNext(queueName string) (Snapshot, bool) {
	qc, ok := m.queue.Dequeue(queueName)
	if !ok {
		return Snapshot{}, false
	}
	s := m.session(qc.CallID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	s.queued = false
	s.mu.Unlock()

	if _, ok := m.activate(s); !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	m.logger.Info("call dequeued", "call_id", qc.CallID, "queue", qc.QueueName)
	return snap, true
}

// promoteQueued activates waiting calls while capacity allows.
func (m *Manager) promoteQueued() {
	for {
		m.mu.RLock()
		free := m.cfg.MaxConcurrentCalls - m.activeCount
		m.mu.RUnlock()
		if free <= 0 {
			return
		}
		if _, ok := m.DequeueNext(""); !ok {
			return
		}
	}
}

// apply runs one state transition with its side effects. The session's
// emit lock is held across notification so events for a call observe
// state order. Returns false and changes nothing when the transition
// is not in the table.
func (m *Manager) apply(s *session, target State, reason string, data map[string]any) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return m.applyLocked(s, target, reason, data)
}

// applyTerminal ends a call under the emit lock, choosing the terminal
// state from the reason and the state observed there: failure reasons
// fail the call, live calls complete, and calls that never connected
// are cancelled.
func (m *Manager) applyTerminal(s *session, reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	target := StateFailed
	if !failureReasons[reason] {
		s.mu.Lock()
		switch s.snap.State {
		case StateInitializing, StateRinging, StateConnecting:
			target = StateCancelled
		default:
			target = StateCompleted
		}
		s.mu.Unlock()
	}
	return m.applyLocked(s, target, reason, nil)
}

// applyLocked is apply with the emit lock already held.
func (m *Manager) applyLocked(s *session, target State, reason string, data map[string]any) bool {
	s.mu.Lock()
	from, ok := s.transition(target)
	if !ok {
		cur := s.snap.State
		callID := s.snap.CallID
		s.mu.Unlock()
		m.logger.Warn("invalid state transition",
			"call_id", callID,
			"from", string(cur),
			"to", string(target),
		)
		return false
	}
	if reason != "" && target.Terminal() {
		s.snap.HangupReason = reason
	}
	snap := s.snapshot()
	s.mu.Unlock()

	m.logger.Info("call state changed",
		"call_id", snap.CallID,
		"from", string(from),
		"to", string(target),
	)

	if m.notifier != nil {
		m.notifier.NotifyState(snap.CallID, from, target, snap)
	}

	evData := map[string]any{"old_state": string(from), "new_state": string(target)}
	for k, v := range data {
		evData[k] = v
	}
	m.bus.Publish(Event{Type: EventStateChanged, CallID: snap.CallID, Snapshot: snap, Data: evData})

	if target.Terminal() {
		m.completeCall(s, snap, reason)
	}
	return true
}

// completeCall releases every resource attached to an ended call and
// schedules the session's removal from the active map. Media release
// happens on its own goroutine because hangups can originate on the
// media callbacks themselves.
func (m *Manager) completeCall(s *session, snap Snapshot, reason string) {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	wasQueued := s.queued
	s.queued = false
	recording := s.snap.Recording
	s.snap.Recording = false
	s.mu.Unlock()

	m.mu.Lock()
	if wasActive {
		m.activeCount--
		num := normalizeNumber(snap.Caller.Number)
		if m.byNumber[num]--; m.byNumber[num] <= 0 {
			delete(m.byNumber, num)
		}
	}
	switch snap.State {
	case StateCompleted:
		m.completedCalls++
	case StateFailed:
		m.failedCalls++
	case StateCancelled:
		m.cancelledCalls++
	}
	m.mu.Unlock()

	callID := snap.CallID
	go m.media.Release(callID)
	m.bridge.Disconnect(callID, reason)
	m.menus.EndSession(callID, "call_ended")
	m.music.Stop(callID)
	m.detector.Cleanup(callID)
	m.processor.ClearCall(callID)
	if recording && m.recorder != nil {
		if err := m.recorder.Stop(callID); err != nil {
			m.logger.Warn("closing recording", "call_id", callID, "error", err)
		}
	}
	if wasQueued {
		m.queue.Remove(callID)
	}

	m.logger.Info("call ended",
		"call_id", callID,
		"state", string(snap.State),
		"reason", reason,
		"duration", snap.Duration().Round(time.Millisecond).String(),
	)
	m.bus.Publish(Event{
		Type:     EventCallEnded,
		CallID:   callID,
		Snapshot: snap,
		Data:     map[string]any{"reason": reason, "duration_ms": snap.Duration().Milliseconds()},
	})

	// Keep the session queryable briefly for late events and the API.
	time.AfterFunc(m.cfg.RemoveDelay, func() { m.unregister(callID) })

	if wasActive {
		go m.promoteQueued()
	}
}

// session looks up a live session.
func (m *Manager) session(callID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[callID]
}

// Get returns a snapshot of one call.
func (m *Manager) Get(callID string) (Snapshot, bool) {
	s := m.session(callID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// List returns snapshots of every registered call, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of calls counted against capacity.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCount
}

// QueueLen returns the number of waiting calls.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ActiveCalls:    m.activeCount,
		QueuedCalls:    m.queue.Len(),
		TotalCalls:     m.totalCalls,
		CompletedCalls: m.completedCalls,
		FailedCalls:    m.failedCalls,
		CancelledCalls: m.cancelledCalls,
		RejectedCalls:  m.rejectedCalls,
		QueuedTotal:    m.queuedTotal,
		ForwardedCalls: m.forwardedCalls,
	}
}

// context returns the manager's run context, Background before Run.
func (m *Manager) context() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// Run drives queue expiry and the stale-call reaper until ctx is
// cancelled, then ends every remaining call.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	queueTicker := time.NewTicker(queueSweepInterval)
	staleTicker := time.NewTicker(staleSweepInterval)
	defer queueTicker.Stop()
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-queueTicker.C:
			m.expireQueued()
		case <-staleTicker.C:
			m.reapStale()
		}
	}
}

// expireQueued cancels calls that waited past the queue timeout.
func (m *Manager) expireQueued() {
	for _, qc := range m.queue.RemoveExpired() {
		s := m.session(qc.CallID)
		if s == nil {
			continue
		}
		m.logger.Info("queued call expired", "call_id", qc.CallID, "queue", qc.QueueName)
		m.apply(s, StateCancelled, "queue_timeout", nil)
	}
}

// reapStale fails calls alive past the stale limit; they are assumed
// leaked by a missed hangup.
func (m *Manager) reapStale() {
	cutoff := time.Now().Add(-m.cfg.StaleCallLimit)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		s.mu.Lock()
		old := s.snap.CreatedAt.Before(cutoff) && !s.snap.State.Terminal()
		s.mu.Unlock()
		if old {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.logger.Warn("reaping stale call", "call_id", id)
		if err := m.HangupCall(id, "stale_call"); err != nil {
			m.logger.Debug("stale hangup", "call_id", id, "error", err)
		}
	}
}

// Shutdown ends every non-terminal call and releases all media.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		s := m.session(id)
		if s == nil {
			continue
		}
		s.mu.Lock()
		terminal := s.snap.State.Terminal()
		s.mu.Unlock()
		if terminal {
			continue
		}
		m.applyTerminal(s, "shutdown")
	}
	m.media.ReleaseAll()
	m.logger.Info("call manager stopped", "calls_ended", len(ids))
}
