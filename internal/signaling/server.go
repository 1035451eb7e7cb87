package signaling

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/sms"
)

// maxEventBody caps one POSTed event, sized for a relayed RTP packet
// in base64 plus headers.
const maxEventBody = 1 << 20

// Core is the slice of the call manager that proxy events drive.
type Core interface {
	HandleIncomingCall(inc call.IncomingCall) call.Decision
	Answer(callID string) bool
	HandleCallEnd(callID, reason string) bool
	HoldCall(callID, sourceID string) error
	ResumeCall(callID string) error
	HandleSIPInfoDigit(callID, digit string) error
	SetMediaRemote(callID, host string, port int) error
	InjectRTP(callID string, packet []byte) error
	Get(callID string) (call.Snapshot, bool)
}

// MessagePlane is the slice of the SMS manager that proxy events
// drive. Nil disables MESSAGE handling; the proxy gets 503.
type MessagePlane interface {
	Receive(fromURI, toURI, body string, headers map[string]string, callID string) (sms.Message, sms.Outcome, error)
	HandleDeliveryReport(messageID, status string) bool
}

// ServerConfig carries the inbound control channel settings.
type ServerConfig struct {
	// Token authenticates the proxy; empty disables the check.
	Token string

	// Domain completes redirect contacts for forwarded calls.
	Domain string

	// MediaHost is the address advertised in SDP answers.
	MediaHost string

	// WriteTimeout bounds each socket write, default 10 s.
	WriteTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Domain == "" {
		c.Domain = "voicebridge.local"
	}
	if c.MediaHost == "" {
		c.MediaHost = "127.0.0.1"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server receives proxy control events over a WebSocket, with an HTTP
// POST fallback for proxies that cannot hold a socket. Responses carry
// the SIP semantics the proxy applies to the pending transaction. It
// also mirrors call state to connected proxies and can push commands
// down a socket, so it doubles as the call manager's state notifier
// and the client's command pusher.
type Server struct {
	cfg    ServerConfig
	core   Core
	sms    MessagePlane
	logger *slog.Logger
	router *chi.Mux

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*proxyConn]struct{}
}

// proxyConn wraps one control socket with a write lock, since
// responses, pushed commands, and state updates come from different
// goroutines.
type proxyConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (pc *proxyConn) writeJSON(timeout time.Duration, v any) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return pc.conn.WriteJSON(v)
}

// NewServer builds the control channel endpoint. A nil message plane
// rejects MESSAGE events with 503.
func NewServer(cfg ServerConfig, core Core, messages MessagePlane, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		core:   core,
		sms:    messages,
		logger: logger.With("component", "signaling"),
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// The proxy is not a browser; the token is the auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*proxyConn]struct{}),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/signaling", s.handleSocket)
	r.Post("/signaling/event", s.handleEventPost)
}

// Connections reports how many proxy sockets are attached.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// authorized checks the control-channel token from the header or, for
// socket dials that cannot set headers, the query string.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.Header.Get("X-Signaling-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	pc := &proxyConn{conn: conn}
	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("proxy control socket connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, pc)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("proxy control socket closed", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("control socket read failed", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("undecodable control event", "error", err)
			bad := Response{Type: "response", Action: ActionError, Code: 400, Reason: "Bad Request", Error: "undecodable event"}
			if err := pc.writeJSON(s.cfg.WriteTimeout, bad); err != nil {
				return
			}
			continue
		}

		resp, reply := s.dispatch(ev)
		if !reply {
			continue
		}
		if err := pc.writeJSON(s.cfg.WriteTimeout, resp); err != nil {
			s.logger.Warn("control socket write failed", "call_id", ev.CallID, "error", err)
			return
		}
	}
}

func (s *Server) handleEventPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "undecodable event", http.StatusBadRequest)
		return
	}

	// The POST path always answers, even for fire-and-forget events.
	resp, _ := s.dispatch(ev)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("writing event response", "error", err)
	}
}

// dispatch routes one event to the owning subsystem and shapes the
// reply. The second return is false for events that get no reply on
// the socket path, which keeps the relay stream one-directional.
func (s *Server) dispatch(ev Event) (Response, bool) {
	switch ev.Type {
	case EventCallStart:
		return s.handleCallStart(ev), true

	case EventCallAnswer:
		// An answered outbound leg carries the callee's media
		// endpoint; bind it before the state machine connects.
		s.bindAnswerMedia(ev)
		if !s.core.Answer(ev.CallID) {
			return s.unknownDialog(ev), true
		}
		return s.ok(ev), true

	case EventCallEnd:
		reason := ev.Reason
		if reason == "" {
			reason = "normal"
		}
		if !s.core.HandleCallEnd(ev.CallID, reason) {
			return s.unknownDialog(ev), true
		}
		return s.ok(ev), true

	case EventCallHold:
		if err := s.core.HoldCall(ev.CallID, ""); err != nil {
			return s.failure(ev, err), true
		}
		return s.ok(ev), true

	case EventCallResume:
		if err := s.core.ResumeCall(ev.CallID); err != nil {
			return s.failure(ev, err), true
		}
		return s.ok(ev), true

	case EventDTMFInfo:
		if err := s.core.HandleSIPInfoDigit(ev.CallID, ev.Digit); err != nil {
			return s.failure(ev, err), true
		}
		return s.ok(ev), true

	case EventRTPPacket:
		if err := s.core.InjectRTP(ev.CallID, ev.Payload); err != nil {
			s.logger.Debug("rtp relay dropped", "call_id", ev.CallID, "error", err)
			return s.failure(ev, err), false
		}
		return s.ok(ev), false

	case EventSMSMessage:
		return s.handleSMSMessage(ev), true

	case EventSMSStatus:
		return s.handleSMSStatus(ev), true

	default:
		s.logger.Warn("unknown control event", "event", ev.Type)
		return s.respond(ev, Response{Action: ActionError, Code: 400, Reason: "Bad Request", Error: "unknown event type"}), true
	}
}

// handleCallStart admits a call and maps the routing decision onto the
// SIP transaction: accept answers the INVITE provisionally with our
// session identifiers and SDP, queue holds it in early dialog, forward
// redirects, reject picks a status from the reason.
func (s *Server) handleCallStart(ev Event) Response {
	inc := call.IncomingCall{
		CallID:     ev.CallID,
		SIPCallID:  ev.SIPCallID,
		From:       ev.From,
		FromName:   ev.FromName,
		To:         ev.To,
		Headers:    ev.Headers,
		RemoteHost: ev.RemoteRTPHost,
		RemotePort: ev.RemoteRTPPort,
		Codec:      ev.Codec,
	}

	if ev.SDP != "" && inc.RemoteHost == "" {
		offer, err := ParseOffer(ev.SDP)
		if err != nil {
			s.logger.Warn("unusable sdp offer", "call_id", ev.CallID, "error", err)
			return s.respond(ev, Response{Action: ActionReject, Code: 488, Reason: "Not Acceptable Here"})
		}
		inc.RemoteHost = offer.Host
		inc.RemotePort = offer.Port
		if inc.Codec == "" {
			codec := offer.Codec()
			if codec == "" {
				s.logger.Warn("no usable codec in offer", "call_id", ev.CallID, "payload_types", offer.PayloadTypes)
				return s.respond(ev, Response{Action: ActionReject, Code: 488, Reason: "Not Acceptable Here"})
			}
			inc.Codec = codec
		}
	}

	d := s.core.HandleIncomingCall(inc)

	switch d.Action {
	case call.DecisionAccept:
		resp := Response{
			Action:    ActionAccept,
			Code:      100,
			Reason:    "Trying",
			CallID:    d.CallID,
			SessionID: d.SessionID,
			Headers: map[string]string{
				"X-Call-ID":    d.CallID,
				"X-Session-ID": d.SessionID,
			},
		}
		if snap, ok := s.core.Get(d.CallID); ok && snap.RTPLocalPort > 0 {
			resp.SDP = BuildAnswer(s.cfg.MediaHost, snap.RTPLocalPort, snap.Codec)
		}
		return s.respond(ev, resp)

	case call.DecisionQueue:
		return s.respond(ev, Response{
			Action:    ActionAccept,
			Code:      183,
			Reason:    "Session Progress",
			CallID:    d.CallID,
			SessionID: d.SessionID,
			Headers: map[string]string{
				"X-Queue-Position":  strconv.Itoa(d.Position),
				"X-Queue-Wait-Time": strconv.Itoa(d.EstimatedWaitS),
			},
		})

	case call.DecisionForward:
		return s.respond(ev, Response{
			Action:  ActionRedirect,
			Code:    302,
			Reason:  "Moved Temporarily",
			Contact: sipURI(d.Target, s.cfg.Domain),
		})

	case call.DecisionReject:
		code, reason := rejectStatus(d.Reason)
		return s.respond(ev, Response{Action: ActionReject, Code: code, Reason: reason})

	default:
		return s.respond(ev, Response{Action: ActionReject, Code: 500, Reason: "Internal Server Error"})
	}
}

// bindAnswerMedia points the call's RTP at the endpoint from a
// call_answer event, from either explicit fields or an SDP body.
func (s *Server) bindAnswerMedia(ev Event) {
	host, port := ev.RemoteRTPHost, ev.RemoteRTPPort
	if host == "" && ev.SDP != "" {
		offer, err := ParseOffer(ev.SDP)
		if err != nil {
			s.logger.Warn("unusable sdp answer", "call_id", ev.CallID, "error", err)
			return
		}
		host, port = offer.Host, offer.Port
	}
	if host == "" || port <= 0 {
		return
	}
	if err := s.core.SetMediaRemote(ev.CallID, host, port); err != nil {
		s.logger.Warn("binding answer media", "call_id", ev.CallID, "error", err)
	}
}

func (s *Server) handleSMSMessage(ev Event) Response {
	ct := ev.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	if !strings.HasPrefix(ct, "text/") {
		return s.respond(ev, Response{Action: ActionReject, Code: 415, Reason: "Unsupported Media Type"})
	}
	if s.sms == nil {
		return s.respond(ev, Response{Action: ActionReject, Code: 503, Reason: "Service Unavailable"})
	}

	msg, _, err := s.sms.Receive(ev.FromURI, ev.ToURI, ev.Body, ev.Headers, ev.CallID)
	if err != nil {
		s.logger.Warn("inbound message rejected", "from_uri", ev.FromURI, "error", err)
		return s.respond(ev, Response{Action: ActionReject, Code: 500, Reason: "Internal Server Error", Error: err.Error()})
	}

	resp := Response{Action: ActionOK, Code: 200, Reason: "Message Processed"}
	if msg.ID != "" {
		resp.Headers = map[string]string{"X-SMS-ID": msg.ID}
	}
	return s.respond(ev, resp)
}

func (s *Server) handleSMSStatus(ev Event) Response {
	if s.sms == nil {
		return s.respond(ev, Response{Action: ActionReject, Code: 503, Reason: "Service Unavailable"})
	}
	if !s.sms.HandleDeliveryReport(ev.MessageID, ev.Status) {
		return s.respond(ev, Response{Action: ActionReject, Code: 404, Reason: "Unknown Message"})
	}
	return s.ok(ev)
}

// NotifyState implements the call manager's state notifier by
// mirroring transitions to every connected proxy.
func (s *Server) NotifyState(callID string, from, to call.State, snap call.Snapshot) {
	s.broadcast(StateUpdate{
		Type:      "call_state",
		CallID:    callID,
		SIPCallID: snap.SIPCallID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    snap.HangupReason,
	})
}

// PushCommand writes a command frame to the first reachable proxy
// socket. False means no proxy holds a socket right now.
func (s *Server) PushCommand(cmd Command) bool {
	if cmd.Type == "" {
		cmd.Type = "command"
	}
	for _, pc := range s.sockets() {
		if err := pc.writeJSON(s.cfg.WriteTimeout, cmd); err == nil {
			return true
		}
	}
	return false
}

func (s *Server) broadcast(v any) {
	for _, pc := range s.sockets() {
		if err := pc.writeJSON(s.cfg.WriteTimeout, v); err != nil {
			s.logger.Debug("state broadcast failed", "error", err)
		}
	}
}

func (s *Server) sockets() []*proxyConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*proxyConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	return conns
}

func (s *Server) respond(ev Event, resp Response) Response {
	resp.Type = "response"
	resp.Event = ev.Type
	resp.EventID = ev.EventID
	if resp.CallID == "" {
		resp.CallID = ev.CallID
	}
	return resp
}

func (s *Server) ok(ev Event) Response {
	return s.respond(ev, Response{Action: ActionOK, Code: 200, Reason: "OK"})
}

func (s *Server) failure(ev Event, err error) Response {
	return s.respond(ev, Response{Action: ActionError, Code: 500, Reason: "Internal Server Error", Error: err.Error()})
}

func (s *Server) unknownDialog(ev Event) Response {
	return s.respond(ev, Response{Action: ActionError, Code: 481, Reason: "Call/Transaction Does Not Exist"})
}

// rejectStatus maps a rejection reason onto SIP semantics: capacity
// problems are busy, policy rejections are declines.
func rejectStatus(reason string) (int, string) {
	switch reason {
	case call.ReasonConcurrentLimit, call.ReasonNumberLimit, call.ReasonQueueFull:
		return 486, "Busy Here"
	default:
		return 603, "Decline"
	}
}
