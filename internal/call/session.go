// Package call owns every call session from admission to teardown. The
// manager is the single writer of session state; subsystems receive a
// call ID and a narrow capability interface back into the manager
// rather than a session reference.
package call

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/voicebridge/voicebridge/internal/audio"
)

// State is a call lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateOnHold       State = "on_hold"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state ends the call lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Direction distinguishes who originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Priority orders admission and queueing. Urgent is reserved for
// emergency numbers and explicit X-Priority 4.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority accepts priority names and the numeric X-Priority
// values 1-4. Unknown input maps to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow
	case "high", "3":
		return PriorityHigh
	case "urgent", "emergency", "4":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Participant is one party on a call.
type Participant struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

// Snapshot is a read-only copy of session state handed to event
// handlers and the API layer.
type Snapshot struct {
	CallID    string    `json:"call_id"`
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	Priority  Priority  `json:"priority"`

	Caller Participant `json:"caller"`
	Callee Participant `json:"callee"`

	CreatedAt   time.Time  `json:"created_at"`
	RingStart   *time.Time `json:"ring_start,omitempty"`
	ConnectTime *time.Time `json:"connect_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`

	Codec         string `json:"codec"`
	RTPLocalPort  int    `json:"rtp_local_port,omitempty"`
	RTPRemoteHost string `json:"rtp_remote_host,omitempty"`
	RTPRemotePort int    `json:"rtp_remote_port,omitempty"`

	AISessionID string `json:"ai_session_id,omitempty"`

	OnHold         bool   `json:"on_hold"`
	Recording      bool   `json:"recording"`
	TransferTarget string `json:"transfer_target,omitempty"`
	RecordingPath  string `json:"recording_path,omitempty"`
	HangupReason   string `json:"hangup_reason,omitempty"`

	QueueName string `json:"queue_name,omitempty"`

	SIPCallID  string            `json:"sip_call_id,omitempty"`
	SIPHeaders map[string]string `json:"-"`
}

// Duration returns connect-to-end time, or connect-to-now for a live
// call. Zero before the call connects.
func (s *Snapshot) Duration() time.Duration {
	if s.ConnectTime == nil {
		return 0
	}
	end := time.Now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return end.Sub(*s.ConnectTime)
}

// RingDuration returns how long the call rang before connecting or
// ending.
func (s *Snapshot) RingDuration() time.Duration {
	if s.RingStart == nil {
		return 0
	}
	end := time.Now()
	switch {
	case s.ConnectTime != nil:
		end = *s.ConnectTime
	case s.EndTime != nil:
		end = *s.EndTime
	}
	return end.Sub(*s.RingStart)
}

// session is the manager-owned state for one call. Two locks guard it:
// emitMu is the outer lock held across a transition and its side
// effects so events for one call are published in state order; mu is
// the inner lock guarding the snapshot and machine, held only briefly
// and never across subsystem calls.
type session struct {
	emitMu sync.Mutex

	mu   sync.Mutex
	fsm  *fsm.FSM
	snap Snapshot

	// active marks sessions counted against the concurrency caps;
	// queued sessions are registered but not yet active.
	active bool
	queued bool

	// Streaming resamplers between the telephony and AI sample rates,
	// allocated when the rates differ.
	upsampler   *audio.StreamingResampler
	downsampler *audio.StreamingResampler

	// aiOut accumulates PCM from the AI until full telephony frames can
	// be encoded and sent on RTP.
	aiOut []byte
}

// newCallFSM builds the authoritative transition table. Events are
// named after their destination state, so applying a target state is a
// single event dispatch; transitions outside the table are rejected by
// the machine with no state change.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StateInitializing),
		fsm.Events{
			{Name: string(StateRinging), Src: []string{string(StateInitializing)}, Dst: string(StateRinging)},
			{Name: string(StateConnecting), Src: []string{string(StateInitializing), string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: string(StateConnected), Src: []string{string(StateConnecting), string(StateOnHold), string(StateTransferring)}, Dst: string(StateConnected)},
			{Name: string(StateOnHold), Src: []string{string(StateConnected)}, Dst: string(StateOnHold)},
			{Name: string(StateTransferring), Src: []string{string(StateConnected)}, Dst: string(StateTransferring)},
			{Name: string(StateCompleted), Src: []string{string(StateConnected), string(StateOnHold), string(StateTransferring)}, Dst: string(StateCompleted)},
			{Name: string(StateFailed), Src: []string{
				string(StateInitializing), string(StateRinging), string(StateConnecting),
				string(StateConnected), string(StateOnHold), string(StateTransferring),
			}, Dst: string(StateFailed)},
			{Name: string(StateCancelled), Src: []string{
				string(StateInitializing), string(StateRinging), string(StateConnecting),
			}, Dst: string(StateCancelled)},
		},
		fsm.Callbacks{},
	)
}

// transition applies a target state. Returns the previous state and
// whether the transition was in the table. Timestamps are stamped here
// so they are consistent with the machine. Caller holds s.mu.
func (s *session) transition(target State) (State, bool) {
	old := State(s.fsm.Current())
	if err := s.fsm.Event(context.Background(), string(target)); err != nil {
		return old, false
	}
	s.snap.State = target

	now := time.Now()
	switch {
	case target == StateRinging && s.snap.RingStart == nil:
		s.snap.RingStart = &now
	case target == StateConnected && s.snap.ConnectTime == nil:
		s.snap.ConnectTime = &now
	case target.Terminal():
		s.snap.EndTime = &now
	}
	return old, true
}

// snapshot copies the session state. Caller holds s.mu.
func (s *session) snapshot() Snapshot {
	snap := s.snap
	if s.snap.SIPHeaders != nil {
		headers := make(map[string]string, len(s.snap.SIPHeaders))
		for k, v := range s.snap.SIPHeaders {
			headers[k] = v
		}
		snap.SIPHeaders = headers
	}
	return snap
}

// generatedHeaders are the X- headers attached to outbound INVITEs.
func (s *Snapshot) generatedHeaders() map[string]string {
	return map[string]string{
		"X-Call-ID":    s.CallID,
		"X-Session-ID": s.SessionID,
		"X-Direction":  string(s.Direction),
		"X-Priority":   strconv.Itoa(int(s.Priority)),
	}
}

// priorityFromSIP derives admission priority from the X-Priority
// header, falling back to emergency detection on the caller number.
func priorityFromSIP(headers map[string]string, fromNumber string) Priority {
	if v, ok := headers["X-Priority"]; ok {
		return ParsePriority(v)
	}
	if strings.HasPrefix(fromNumber, "911") || strings.HasPrefix(fromNumber, "112") {
		return PriorityUrgent
	}
	return PriorityNormal
}
