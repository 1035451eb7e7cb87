// Package aibridge maintains one authenticated WebSocket session per
// call to the AI platform. Outbound frames carry base64 PCM audio and
// DTMF events; inbound frames are dispatched by type to a call manager
// handler. The send path has no queue: a stalled write fails the call.
package aibridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame types on the AI wire protocol.
const (
	TypeAuth         = "auth"
	TypeAudioData    = "audio_data"
	TypeCallStart    = "call_start"
	TypeCallEnd      = "call_end"
	TypeDTMF         = "dtmf"
	TypeDTMFSequence = "dtmf_sequence"
	TypeHeartbeat    = "heartbeat"
	TypeStatus       = "status"
	TypeSMSMessage   = "sms_message"
	TypeError        = "error"

	// Control frames the AI sends back.
	TypeHangup   = "hangup"
	TypeTransfer = "transfer"
	TypeHold     = "hold"
	TypeResume   = "resume"
	TypeDTMFSend = "dtmf_send"
)

// Failure reasons reported to the handler.
const (
	ReasonUnreachable      = "ai_unreachable"
	ReasonHeartbeatFailed  = "Heartbeat failed"
	ReasonWriteStall       = "write_stall"
	ReasonAuthRejected     = "auth_rejected"
	ReasonConnectionClosed = "ai_connection_closed"
)

const (
	defaultMaxRetries   = 5
	defaultHeartbeat    = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	authTokenTTL        = 4 * time.Hour

	// maxMissedPongs is the consecutive heartbeat failures tolerated
	// before the call is cleaned up.
	maxMissedPongs = 2

	sequenceModulo = 65536
)

// Config carries the connection parameters for the AI platform.
type Config struct {
	URL        string
	JWTSecret  []byte
	HMACSecret []byte
	InstanceID string

	// SampleRate is the PCM rate advertised in the auth frame.
	SampleRate int

	MaxRetries        int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaultHeartbeat
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = defaultDialTimeout
	}
	return out
}

// CallInfo identifies the call a session is opened for.
type CallInfo struct {
	CallID         string
	ConversationID string
	FromNumber     string
	ToNumber       string
	Direction      string
	SIPHeaders     map[string]string
	Codec          string
}

// Handler receives inbound frames and connection lifecycle events. All
// methods are invoked from bridge goroutines and must not block.
type Handler interface {
	// HandleAudio delivers decoded PCM from the AI platform.
	HandleAudio(callID string, pcm []byte)
	HandleHangup(callID string)
	HandleTransfer(callID, target string)
	HandleHold(callID string)
	HandleResume(callID string)
	HandleDTMFSend(callID, digit string)
	// ConnectionFailed reports a dead session mid-call. The handler is
	// expected to fail the call with the given reason.
	ConnectionFailed(callID, reason string)
}

// frame is the generic JSON envelope on the wire. Control frames from
// the AI carry their fields at the top level.
type frame struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Target string          `json:"target,omitempty"`
	Digit  string          `json:"digit,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type audioPayload struct {
	CallID    string  `json:"call_id"`
	Audio     string  `json:"audio"`
	Timestamp float64 `json:"timestamp"`
	Sequence  int     `json:"sequence"`
}

// conn is one live session. The write mutex serializes data frames;
// control pings go through WriteControl which gorilla allows
// concurrently.
type conn struct {
	callID    string
	sessionID string
	ws        *websocket.Conn

	writeMu sync.Mutex

	stateMu     sync.Mutex
	missedPongs int
	seq         int
	removed     bool
}

func (c *conn) nextSeq() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	s := c.seq
	c.seq = (c.seq + 1) % sequenceModulo
	return s
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	ActiveConnections  int
	TotalConnects      uint64
	ConnectRetries     uint64
	FramesSent         uint64
	FramesReceived     uint64
	AudioBytesSent     uint64
	AudioBytesReceived uint64
	HeartbeatFailures  uint64
}

// Manager owns all AI platform sessions.
type Manager struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*conn

	connects       uint64
	retries        uint64
	framesSent     uint64
	framesReceived uint64
	audioOut       uint64
	audioIn        uint64
	hbFailures     uint64
}

// NewManager creates the session manager. The handler must be non-nil.
func NewManager(cfg Config, handler Handler, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "aibridge"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		conns: make(map[string]*conn),
	}
}

// Connect opens the session for a call, retrying with exponential
// backoff (2^attempt seconds) up to MaxRetries. The returned error
// means the AI platform is unreachable and the call should fail with
// ReasonUnreachable.
func (m *Manager) Connect(ctx context.Context, info CallInfo) error {
	sessionID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Call-ID", info.CallID)
	header.Set("X-Session-ID", sessionID)
	header.Set("X-From-Number", info.FromNumber)
	header.Set("X-To-Number", info.ToNumber)
	header.Set("X-Source", "voicebridge")

	var ws *websocket.Conn
	var lastErr error
	for attempt := 1; ; attempt++ {
		var err error
		ws, _, err = m.dialer.DialContext(ctx, m.cfg.URL, header)
		if err == nil {
			break
		}
		lastErr = err
		m.mu.Lock()
		m.retries++
		m.mu.Unlock()

		if attempt >= m.cfg.MaxRetries {
			m.logger.Error("ai platform unreachable",
				"call_id", info.CallID,
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("connecting to ai platform after %d attempts: %w", attempt, lastErr)
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		m.logger.Warn("ai connect failed, retrying",
			"call_id", info.CallID,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	c := &conn{callID: info.CallID, sessionID: sessionID, ws: ws}
	ws.SetPongHandler(func(string) error {
		c.stateMu.Lock()
		c.missedPongs = 0
		c.stateMu.Unlock()
		return nil
	})

	auth, err := m.authFrame(info, sessionID)
	if err != nil {
		ws.Close()
		return fmt.Errorf("building auth frame: %w", err)
	}
	if err := m.writeJSON(c, auth); err != nil {
		ws.Close()
		return fmt.Errorf("sending auth frame: %w", err)
	}

	m.mu.Lock()
	if old, ok := m.conns[info.CallID]; ok {
		old.markRemoved()
		old.ws.Close()
	}
	m.conns[info.CallID] = c
	m.connects++
	m.mu.Unlock()

	go m.readLoop(c)

	m.logger.Info("ai session opened",
		"call_id", info.CallID,
		"session_id", sessionID,
		"from", info.FromNumber,
		"to", info.ToNumber,
	)
	return nil
}

// authFrame builds the first client frame: a signed JWT plus an HMAC
// over call_id and timestamp, and the call description.
func (m *Manager) authFrame(info CallInfo, sessionID string) (map[string]any, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"call_id":     info.CallID,
		"instance_id": m.cfg.InstanceID,
		"session_id":  sessionID,
		"iat":         now.Unix(),
		"exp":         now.Add(authTokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, m.cfg.HMACSecret)
	mac.Write([]byte(info.CallID + ts))
	signature := hex.EncodeToString(mac.Sum(nil))

	conversationID := info.ConversationID
	if conversationID == "" {
		conversationID = info.CallID
	}

	return map[string]any{
		"type": TypeAuth,
		"auth": map[string]any{
			"token":     "Bearer " + token,
			"signature": signature,
			"timestamp": ts,
			"call_id":   info.CallID,
		},
		"call": map[string]any{
			"conversation_id": conversationID,
			"from_number":     info.FromNumber,
			"to_number":       info.ToNumber,
			"direction":       info.Direction,
			"sip_headers":     info.SIPHeaders,
			"codec":           info.Codec,
			"sample_rate":     m.cfg.SampleRate,
		},
	}, nil
}

// SendAudio ships one PCM frame as base64 JSON. A write failure kills
// the session and fails the call.
func (m *Manager) SendAudio(callID string, pcm []byte) error {
	c := m.get(callID)
	if c == nil {
		return fmt.Errorf("no ai session for call %s", callID)
	}

	msg := map[string]any{
		"type": TypeAudioData,
		"data": audioPayload{
			CallID:    callID,
			Audio:     base64.StdEncoding.EncodeToString(pcm),
			Timestamp: unixSeconds(),
			Sequence:  c.nextSeq(),
		},
	}
	if err := m.writeJSON(c, msg); err != nil {
		m.failConn(c, ReasonWriteStall, err)
		return err
	}

	m.mu.Lock()
	m.audioOut += uint64(len(pcm))
	m.mu.Unlock()
	return nil
}

// SendDTMF forwards a single detected digit.
func (m *Manager) SendDTMF(callID, digit string, duration time.Duration, confidence float64, method string) error {
	return m.sendFrame(callID, TypeDTMF, map[string]any{
		"call_id":     callID,
		"digit":       digit,
		"duration_ms": duration.Milliseconds(),
		"confidence":  confidence,
		"method":      method,
		"timestamp":   unixSeconds(),
	})
}

// SendDTMFSequence forwards a matched digit sequence with its pattern
// context.
func (m *Manager) SendDTMFSequence(callID, sequence, pattern string, context map[string]any) error {
	return m.sendFrame(callID, TypeDTMFSequence, map[string]any{
		"call_id":         callID,
		"sequence":        sequence,
		"pattern_matched": pattern,
		"context":         context,
		"timestamp":       unixSeconds(),
	})
}

// SendStatus forwards a status frame, used for hold/resume and
// transfer progress notifications.
func (m *Manager) SendStatus(callID string, data map[string]any) error {
	return m.sendFrame(callID, TypeStatus, data)
}

// SendFrame ships an arbitrary typed frame to the AI session.
func (m *Manager) SendFrame(callID, frameType string, data map[string]any) error {
	return m.sendFrame(callID, frameType, data)
}

func (m *Manager) sendFrame(callID, frameType string, data map[string]any) error {
	c := m.get(callID)
	if c == nil {
		return fmt.Errorf("no ai session for call %s", callID)
	}
	msg := map[string]any{"type": frameType, "data": data}
	if err := m.writeJSON(c, msg); err != nil {
		m.failConn(c, ReasonWriteStall, err)
		return err
	}
	return nil
}

// writeJSON serializes and writes under the connection write lock with
// the configured deadline.
func (m *Manager) writeJSON(c *conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	m.mu.Lock()
	m.framesSent++
	m.mu.Unlock()
	return nil
}

// readLoop dispatches inbound frames until the socket dies. An
// unexpected close mid-call is reported as a connection failure.
func (m *Manager) readLoop(c *conn) {
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if c.isRemoved() {
				return
			}
			m.logger.Info("ai connection closed", "call_id", c.callID, "error", err)
			m.failConn(c, ReasonConnectionClosed, err)
			return
		}

		m.mu.Lock()
		m.framesReceived++
		m.mu.Unlock()

		if msgType == websocket.BinaryMessage {
			m.mu.Lock()
			m.audioIn += uint64(len(payload))
			m.mu.Unlock()
			m.handler.HandleAudio(c.callID, payload)
			continue
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			m.logger.Error("invalid json from ai", "call_id", c.callID, "error", err)
			continue
		}
		m.dispatch(c, &f)
	}
}

// dispatch routes one inbound frame by type.
func (m *Manager) dispatch(c *conn, f *frame) {
	switch f.Type {
	case TypeAudioData:
		var p audioPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			m.logger.Error("invalid audio frame from ai", "call_id", c.callID, "error", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(p.Audio)
		if err != nil {
			m.logger.Error("invalid audio encoding from ai", "call_id", c.callID, "error", err)
			return
		}
		m.mu.Lock()
		m.audioIn += uint64(len(pcm))
		m.mu.Unlock()
		m.handler.HandleAudio(c.callID, pcm)

	case TypeHangup:
		m.handler.HandleHangup(c.callID)

	case TypeTransfer:
		target := f.Target
		if target == "" && len(f.Data) > 0 {
			var d struct {
				Target string `json:"target"`
			}
			if err := json.Unmarshal(f.Data, &d); err == nil {
				target = d.Target
			}
		}
		m.handler.HandleTransfer(c.callID, target)

	case TypeHold:
		m.handler.HandleHold(c.callID)

	case TypeResume:
		m.handler.HandleResume(c.callID)

	case TypeDTMFSend:
		digit := f.Digit
		if digit == "" && len(f.Data) > 0 {
			var d struct {
				Digit string `json:"digit"`
			}
			if err := json.Unmarshal(f.Data, &d); err == nil {
				digit = d.Digit
			}
		}
		m.handler.HandleDTMFSend(c.callID, digit)

	case TypeError:
		m.logger.Error("error frame from ai",
			"call_id", c.callID,
			"code", f.Code,
			"message", f.Error,
		)
		if f.Code == "auth_failed" || f.Code == "unauthorized" {
			m.failConn(c, ReasonAuthRejected, fmt.Errorf("ai rejected auth: %s", f.Error))
		}

	case TypeHeartbeat, TypeStatus:
		// Informational, nothing to act on.

	default:
		m.logger.Debug("unhandled ai frame", "call_id", c.callID, "type", f.Type)
	}
}

// Disconnect sends a best-effort call_end frame and closes the
// session. Close errors are swallowed.
func (m *Manager) Disconnect(callID, reason string) {
	m.mu.Lock()
	c, ok := m.conns[callID]
	if ok {
		delete(m.conns, callID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.markRemoved()

	end := map[string]any{
		"type": TypeCallEnd,
		"data": map[string]any{
			"call_id":   callID,
			"reason":    reason,
			"timestamp": unixSeconds(),
		},
	}
	if err := m.writeJSON(c, end); err != nil {
		m.logger.Debug("call_end frame not delivered", "call_id", callID, "error", err)
	}
	c.ws.Close()

	m.logger.Info("ai session closed", "call_id", callID, "reason", reason)
}

// DisconnectAll tears down every session, used at shutdown.
func (m *Manager) DisconnectAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id, reason)
	}
}

// failConn removes a dead session and notifies the handler so the call
// is failed. The notification runs on its own goroutine since the
// handler will re-enter the manager during cleanup.
func (m *Manager) failConn(c *conn, reason string, err error) {
	m.mu.Lock()
	cur, ok := m.conns[c.callID]
	if !ok || cur != c {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.callID)
	if reason == ReasonHeartbeatFailed {
		m.hbFailures++
	}
	m.mu.Unlock()

	c.markRemoved()
	c.ws.Close()

	m.logger.Warn("ai session failed",
		"call_id", c.callID,
		"reason", reason,
		"error", err,
	)
	go m.handler.ConnectionFailed(c.callID, reason)
}

func (c *conn) markRemoved() {
	c.stateMu.Lock()
	c.removed = true
	c.stateMu.Unlock()
}

func (c *conn) isRemoved() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.removed
}

// Connected reports whether a call has a live session.
func (m *Manager) Connected(callID string) bool {
	return m.get(callID) != nil
}

// SessionID returns the bridge session identifier for a connected call.
func (m *Manager) SessionID(callID string) (string, bool) {
	c := m.get(callID)
	if c == nil {
		return "", false
	}
	return c.sessionID, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) get(callID string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[callID]
}

// Run drives the heartbeat pinger until ctx is cancelled, then closes
// every session.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.DisconnectAll("shutdown")
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

// pingAll sends a heartbeat ping on every session. A session that
// misses maxMissedPongs consecutive pongs, or whose ping write fails,
// is cleaned up with the heartbeat reason.
func (m *Manager) pingAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.stateMu.Lock()
		missed := c.missedPongs
		c.missedPongs++
		c.stateMu.Unlock()

		if missed >= maxMissedPongs {
			m.failConn(c, ReasonHeartbeatFailed, fmt.Errorf("%d pings unanswered", missed))
			continue
		}

		deadline := time.Now().Add(m.cfg.WriteTimeout)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			m.failConn(c, ReasonHeartbeatFailed, err)
		}
	}
}

// Stats returns a snapshot of bridge counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveConnections:  len(m.conns),
		TotalConnects:      m.connects,
		ConnectRetries:     m.retries,
		FramesSent:         m.framesSent,
		FramesReceived:     m.framesReceived,
		AudioBytesSent:     m.audioOut,
		AudioBytesReceived: m.audioIn,
		HeartbeatFailures:  m.hbFailures,
	}
}

func unixSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}
