// Package signaling adapts the SIP proxy's control plane to the call
// and messaging managers. Inbound events arrive on a WebSocket (with an
// HTTP POST fallback) and are answered with the SIP semantics the proxy
// applies; outbound commands go to the proxy's JSON-RPC interface.
package signaling

// Inbound event types.
const (
	EventCallStart  = "call_start"
	EventCallAnswer = "call_answer"
	EventCallEnd    = "call_end"
	EventCallHold   = "call_hold"
	EventCallResume = "call_resume"
	EventDTMFInfo   = "dtmf_info"
	EventRTPPacket  = "rtp_packet"
	EventSMSMessage = "sms_message"
	EventSMSStatus  = "sms_status"
)

// Event is one control frame from the proxy. A single struct covers
// every event type; fields that do not apply stay empty on the wire.
type Event struct {
	Type    string `json:"event"`
	EventID string `json:"event_id,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	SIPCallID string `json:"sip_call_id,omitempty"`

	From     string            `json:"from_number,omitempty"`
	To       string            `json:"to_number,omitempty"`
	FromName string            `json:"from_display_name,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// call_start media details. The proxy sends either the explicit
	// remote endpoint or the caller's SDP offer.
	Codec         string `json:"codec,omitempty"`
	RemoteRTPHost string `json:"remote_rtp_host,omitempty"`
	RemoteRTPPort int    `json:"remote_rtp_port,omitempty"`
	SDP           string `json:"sdp,omitempty"`

	Reason string `json:"reason,omitempty"`
	Digit  string `json:"digit,omitempty"`

	// rtp_packet relay payload, base64 on the wire.
	Payload []byte `json:"payload,omitempty"`

	// sms_message fields.
	FromURI     string `json:"from_uri,omitempty"`
	ToURI       string `json:"to_uri,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// sms_status delivery report.
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Response actions the proxy understands.
const (
	ActionAccept   = "accept"
	ActionReject   = "reject"
	ActionRedirect = "redirect"
	ActionOK       = "ok"
	ActionError    = "error"
)

// Response tells the proxy how to answer the SIP transaction behind an
// event: a provisional or final status code, extra headers, and for
// accepted calls the local SDP answer.
type Response struct {
	Type    string `json:"type"`
	Event   string `json:"event,omitempty"`
	EventID string `json:"event_id,omitempty"`

	Action string `json:"action"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`

	CallID    string            `json:"call_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Contact   string            `json:"contact,omitempty"`
	SDP       string            `json:"sdp,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Command is a control frame pushed from the core down a connected
// proxy socket, for operations with no RPC equivalent.
type Command struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	CallID  string         `json:"call_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// StateUpdate mirrors a call state transition to connected proxies so
// their dialog view stays current.
type StateUpdate struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	SIPCallID string `json:"sip_call_id,omitempty"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason,omitempty"`
}
