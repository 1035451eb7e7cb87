package signaling

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/sms"
)

type mediaBind struct {
	callID string
	host   string
	port   int
}

// fakeCore records every call-plane operation the server dispatches.
type fakeCore struct {
	mu sync.Mutex

	decision call.Decision
	snap     call.Snapshot
	snapOK   bool

	answerOK  bool
	endOK     bool
	holdErr   error
	resumeErr error
	digitErr  error
	injectErr error

	incoming []call.IncomingCall
	answered []string
	ended    map[string]string
	held     []string
	resumed  []string
	digits   []string
	binds    []mediaBind
	injected [][]byte
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		decision: call.Decision{Action: call.DecisionAccept, CallID: "c1", SessionID: "s1"},
		snap:     call.Snapshot{CallID: "c1", Codec: audio.CodecPCMU, RTPLocalPort: 10024},
		snapOK:   true,
		answerOK: true,
		endOK:    true,
		ended:    make(map[string]string),
	}
}

func (f *fakeCore) HandleIncomingCall(inc call.IncomingCall) call.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, inc)
	return f.decision
}

func (f *fakeCore) Answer(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callID)
	return f.answerOK
}

func (f *fakeCore) HandleCallEnd(callID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[callID] = reason
	return f.endOK
}

func (f *fakeCore) HoldCall(callID, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, callID)
	return f.holdErr
}

func (f *fakeCore) ResumeCall(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, callID)
	return f.resumeErr
}

func (f *fakeCore) HandleSIPInfoDigit(callID, digit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digits = append(f.digits, digit)
	return f.digitErr
}

func (f *fakeCore) SetMediaRemote(callID, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, mediaBind{callID: callID, host: host, port: port})
	return nil
}

func (f *fakeCore) InjectRTP(callID string, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.injected = append(f.injected, cp)
	return f.injectErr
}

func (f *fakeCore) Get(callID string) (call.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.snapOK
}

type receivedSMS struct {
	fromURI string
	toURI   string
	body    string
	headers map[string]string
	callID  string
}

// fakeMessages records inbound messages and delivery reports.
type fakeMessages struct {
	mu sync.Mutex

	msg      sms.Message
	err      error
	reportOK bool

	received []receivedSMS
	reports  [][2]string
}

func (f *fakeMessages) Receive(fromURI, toURI, body string, headers map[string]string, callID string) (sms.Message, sms.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, receivedSMS{fromURI: fromURI, toURI: toURI, body: body, headers: headers, callID: callID})
	if f.err != nil {
		return sms.Message{}, sms.Outcome{}, f.err
	}
	return f.msg, sms.Outcome{Action: "forwarded_to_ai"}, nil
}

func (f *fakeMessages) HandleDeliveryReport(messageID, status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, [2]string{messageID, status})
	return f.reportOK
}

func newTestServer(t *testing.T, core Core, messages MessagePlane, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Domain == "" {
		cfg.Domain = "test.local"
	}
	if cfg.MediaHost == "" {
		cfg.MediaHost = "192.0.2.5"
	}
	s := NewServer(cfg, core, messages, testLogger())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func postEvent(t *testing.T, srv *httptest.Server, token string, ev Event) Response {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshalling event: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/signaling/event", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Signaling-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("posting event: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("event post status = %d", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func dialSocket(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signaling" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
}

func TestCallStartAccept(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{
		Type:          EventCallStart,
		EventID:       "e1",
		CallID:        "c1",
		SIPCallID:     "abc@proxy",
		From:          "+15551110000",
		FromName:      "Ada",
		To:            "+15552220000",
		Codec:         audio.CodecPCMU,
		RemoteRTPHost: "198.51.100.7",
		RemoteRTPPort: 49170,
		Headers:       map[string]string{"User-Agent": "softphone"},
	})

	if resp.Action != ActionAccept || resp.Code != 100 || resp.Reason != "Trying" {
		t.Fatalf("response = %+v, want accept 100 Trying", resp)
	}
	if resp.Type != "response" || resp.Event != EventCallStart || resp.EventID != "e1" {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.Headers["X-Call-ID"] != "c1" || resp.Headers["X-Session-ID"] != "s1" {
		t.Errorf("headers = %v", resp.Headers)
	}
	if !strings.Contains(resp.SDP, "m=audio 10024 RTP/AVP 0 101") {
		t.Errorf("sdp answer = %q", resp.SDP)
	}
	if !strings.Contains(resp.SDP, "c=IN IP4 192.0.2.5") {
		t.Errorf("sdp answer advertises wrong host: %q", resp.SDP)
	}

	if len(core.incoming) != 1 {
		t.Fatalf("incoming calls = %d, want 1", len(core.incoming))
	}
	inc := core.incoming[0]
	if inc.From != "+15551110000" || inc.To != "+15552220000" {
		t.Errorf("incoming = %+v", inc)
	}
	if inc.SIPCallID != "abc@proxy" || inc.FromName != "Ada" {
		t.Errorf("incoming identity = %+v", inc)
	}
	if inc.RemoteHost != "198.51.100.7" || inc.RemotePort != 49170 {
		t.Errorf("incoming media = %+v", inc)
	}
	if inc.Headers["User-Agent"] != "softphone" {
		t.Errorf("incoming headers = %v", inc.Headers)
	}
}

func TestCallStartExtractsOffer(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	offer := "v=0\r\no=- 1 1 IN IP4 198.51.100.8\r\ns=call\r\n" +
		"c=IN IP4 198.51.100.8\r\nt=0 0\r\nm=audio 4000 RTP/AVP 8 101\r\n"
	resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "c1", From: "+15551110000", To: "+15552220000", SDP: offer})

	if resp.Action != ActionAccept {
		t.Fatalf("response = %+v, want accept", resp)
	}
	inc := core.incoming[0]
	if inc.RemoteHost != "198.51.100.8" || inc.RemotePort != 4000 {
		t.Errorf("extracted endpoint = %s:%d", inc.RemoteHost, inc.RemotePort)
	}
	if inc.Codec != audio.CodecPCMA {
		t.Errorf("extracted codec = %q, want PCMA", inc.Codec)
	}
}

func TestCallStartUnusableOffer(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	tests := []struct {
		name string
		sdp  string
	}{
		{"no audio", "v=0\r\nc=IN IP4 192.0.2.1\r\nm=video 7000 RTP/AVP 96\r\n"},
		{"no supported codec", "c=IN IP4 192.0.2.1\r\nm=audio 4000 RTP/AVP 96 97\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "cx", SDP: tt.sdp})
			if resp.Action != ActionReject || resp.Code != 488 {
				t.Errorf("response = %+v, want reject 488", resp)
			}
		})
	}
	if len(core.incoming) != 0 {
		t.Errorf("unusable offers reached admission: %d", len(core.incoming))
	}
}

func TestCallStartRejectStatuses(t *testing.T) {
	tests := []struct {
		reason     string
		wantCode   int
		wantReason string
	}{
		{call.ReasonConcurrentLimit, 486, "Busy Here"},
		{call.ReasonNumberLimit, 486, "Busy Here"},
		{call.ReasonQueueFull, 486, "Busy Here"},
		{call.ReasonBlacklisted, 603, "Decline"},
		{call.ReasonNotWhitelisted, 603, "Decline"},
		{call.ReasonRoutingRule, 603, "Decline"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			core := newFakeCore()
			core.decision = call.Decision{Action: call.DecisionReject, Reason: tt.reason}
			_, srv := newTestServer(t, core, nil, ServerConfig{})

			resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "c1"})
			if resp.Action != ActionReject || resp.Code != tt.wantCode || resp.Reason != tt.wantReason {
				t.Errorf("response = %+v, want %d %s", resp, tt.wantCode, tt.wantReason)
			}
		})
	}
}

func TestCallStartQueue(t *testing.T) {
	core := newFakeCore()
	core.decision = call.Decision{
		Action: call.DecisionQueue, CallID: "c1", SessionID: "s1",
		QueueName: "support", Position: 3, EstimatedWaitS: 45,
	}
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "c1"})
	if resp.Action != ActionAccept || resp.Code != 183 || resp.Reason != "Session Progress" {
		t.Fatalf("response = %+v, want accept 183", resp)
	}
	if resp.Headers["X-Queue-Position"] != "3" || resp.Headers["X-Queue-Wait-Time"] != "45" {
		t.Errorf("queue headers = %v", resp.Headers)
	}
	if resp.SDP != "" {
		t.Errorf("queued call carries sdp answer: %q", resp.SDP)
	}
}

func TestCallStartForward(t *testing.T) {
	core := newFakeCore()
	core.decision = call.Decision{Action: call.DecisionForward, Target: "+15559990000"}
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "c1"})
	if resp.Action != ActionRedirect || resp.Code != 302 {
		t.Fatalf("response = %+v, want redirect 302", resp)
	}
	if resp.Contact != "sip:+15559990000@test.local" {
		t.Errorf("contact = %q", resp.Contact)
	}
}

func TestCallStartError(t *testing.T) {
	core := newFakeCore()
	core.decision = call.Decision{Action: call.DecisionError, Reason: "media_allocation_failed"}
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventCallStart, CallID: "c1"})
	if resp.Action != ActionReject || resp.Code != 500 {
		t.Errorf("response = %+v, want reject 500", resp)
	}
}

func TestCallAnswerBindsMedia(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	answer := "c=IN IP4 203.0.113.9\r\nm=audio 32000 RTP/AVP 0\r\n"
	resp := postEvent(t, srv, "", Event{Type: EventCallAnswer, CallID: "c1", SDP: answer})
	if resp.Action != ActionOK || resp.Code != 200 {
		t.Fatalf("response = %+v, want ok 200", resp)
	}
	if len(core.binds) != 1 || core.binds[0].host != "203.0.113.9" || core.binds[0].port != 32000 {
		t.Errorf("binds = %+v", core.binds)
	}
	if len(core.answered) != 1 || core.answered[0] != "c1" {
		t.Errorf("answered = %v", core.answered)
	}
}

func TestCallAnswerExplicitEndpoint(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	postEvent(t, srv, "", Event{Type: EventCallAnswer, CallID: "c1", RemoteRTPHost: "203.0.113.4", RemoteRTPPort: 31000})
	if len(core.binds) != 1 || core.binds[0].host != "203.0.113.4" {
		t.Errorf("binds = %+v", core.binds)
	}
}

func TestCallAnswerUnknownCall(t *testing.T) {
	core := newFakeCore()
	core.answerOK = false
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventCallAnswer, CallID: "ghost"})
	if resp.Code != 481 {
		t.Errorf("response = %+v, want 481", resp)
	}
}

func TestCallEnd(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventCallEnd, CallID: "c1", Reason: "caller_hangup"})
	if resp.Action != ActionOK {
		t.Fatalf("response = %+v", resp)
	}
	if core.ended["c1"] != "caller_hangup" {
		t.Errorf("ended = %v", core.ended)
	}

	postEvent(t, srv, "", Event{Type: EventCallEnd, CallID: "c2"})
	if core.ended["c2"] != "normal" {
		t.Errorf("default reason = %q, want normal", core.ended["c2"])
	}
}

func TestHoldAndResume(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	if resp := postEvent(t, srv, "", Event{Type: EventCallHold, CallID: "c1"}); resp.Code != 200 {
		t.Errorf("hold response = %+v", resp)
	}
	if resp := postEvent(t, srv, "", Event{Type: EventCallResume, CallID: "c1"}); resp.Code != 200 {
		t.Errorf("resume response = %+v", resp)
	}
	if len(core.held) != 1 || len(core.resumed) != 1 {
		t.Errorf("held = %v resumed = %v", core.held, core.resumed)
	}
}

func TestDTMFInfo(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventDTMFInfo, CallID: "c1", Digit: "#"})
	if resp.Code != 200 {
		t.Fatalf("response = %+v", resp)
	}
	if len(core.digits) != 1 || core.digits[0] != "#" {
		t.Errorf("digits = %v", core.digits)
	}
}

func TestRTPPacketRelay(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	packet := []byte{0x80, 0x00, 0x12, 0x34, 0, 0, 0, 1, 0, 0, 0, 2, 0xFF, 0xFF}
	resp := postEvent(t, srv, "", Event{Type: EventRTPPacket, CallID: "c1", Payload: packet})
	if resp.Code != 200 {
		t.Fatalf("response = %+v", resp)
	}
	if len(core.injected) != 1 || !bytes.Equal(core.injected[0], packet) {
		t.Errorf("injected = %v, want %v", core.injected, packet)
	}
}

func TestSMSMessage(t *testing.T) {
	core := newFakeCore()
	msgs := &fakeMessages{msg: sms.Message{ID: "m1"}}
	_, srv := newTestServer(t, core, msgs, ServerConfig{})

	resp := postEvent(t, srv, "", Event{
		Type:        EventSMSMessage,
		CallID:      "k1",
		FromURI:     "sip:+15551110000@test.local",
		ToURI:       "sip:+15552220000@test.local",
		Body:        "hello there",
		ContentType: "text/plain; charset=utf-8",
		Headers:     map[string]string{"X-Carrier": "acme"},
	})
	if resp.Action != ActionOK || resp.Code != 200 {
		t.Fatalf("response = %+v, want ok 200", resp)
	}
	if resp.Headers["X-SMS-ID"] != "m1" {
		t.Errorf("headers = %v", resp.Headers)
	}
	if len(msgs.received) != 1 {
		t.Fatalf("received = %d, want 1", len(msgs.received))
	}
	got := msgs.received[0]
	if got.fromURI != "sip:+15551110000@test.local" || got.body != "hello there" || got.callID != "k1" {
		t.Errorf("received = %+v", got)
	}
	if got.headers["X-Carrier"] != "acme" {
		t.Errorf("headers = %v", got.headers)
	}
}

func TestSMSMessageUnsupportedType(t *testing.T) {
	core := newFakeCore()
	msgs := &fakeMessages{}
	_, srv := newTestServer(t, core, msgs, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventSMSMessage, FromURI: "sip:a@b", ToURI: "sip:c@d", Body: "x", ContentType: "application/json"})
	if resp.Code != 415 {
		t.Fatalf("response = %+v, want 415", resp)
	}
	if len(msgs.received) != 0 {
		t.Errorf("non-text message reached the sms plane")
	}
}

func TestSMSMessageNoPlane(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventSMSMessage, FromURI: "sip:a@b", ToURI: "sip:c@d", Body: "x"})
	if resp.Code != 503 || resp.Reason != "Service Unavailable" {
		t.Errorf("response = %+v, want 503", resp)
	}
}

func TestSMSStatus(t *testing.T) {
	core := newFakeCore()
	msgs := &fakeMessages{reportOK: true}
	_, srv := newTestServer(t, core, msgs, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: EventSMSStatus, MessageID: "m1", Status: "delivered"})
	if resp.Code != 200 {
		t.Fatalf("response = %+v", resp)
	}
	if len(msgs.reports) != 1 || msgs.reports[0] != [2]string{"m1", "delivered"} {
		t.Errorf("reports = %v", msgs.reports)
	}

	msgs.reportOK = false
	resp = postEvent(t, srv, "", Event{Type: EventSMSStatus, MessageID: "ghost", Status: "delivered"})
	if resp.Code != 404 {
		t.Errorf("response = %+v, want 404", resp)
	}
}

func TestUnknownEventType(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{})

	resp := postEvent(t, srv, "", Event{Type: "call_frobnicate", CallID: "c1"})
	if resp.Action != ActionError || resp.Code != 400 {
		t.Errorf("response = %+v, want error 400", resp)
	}
}

func TestEventPostAuth(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestServer(t, core, nil, ServerConfig{Token: "sekret"})

	body, _ := json.Marshal(Event{Type: EventCallEnd, CallID: "c1"})
	for _, token := range []string{"", "wrong"} {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/signaling/event", bytes.NewReader(body))
		if token != "" {
			req.Header.Set("X-Signaling-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("posting event: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}
	if len(core.ended) != 0 {
		t.Fatalf("unauthenticated events were dispatched")
	}

	out := postEvent(t, srv, "sekret", Event{Type: EventCallEnd, CallID: "c1"})
	if out.Code != 200 {
		t.Errorf("authorized post = %+v", out)
	}
}

func TestSocketRoundTrip(t *testing.T) {
	core := newFakeCore()
	s, srv := newTestServer(t, core, nil, ServerConfig{Token: "sekret"})

	// Wrong token cannot upgrade.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signaling?token=wrong"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("dial with wrong token succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial status = %d, want 401", resp.StatusCode)
	}

	conn := dialSocket(t, srv, "?token=sekret")
	waitForSockets(t, s, 1)

	if err := conn.WriteJSON(Event{Type: EventCallStart, EventID: "e9", CallID: "c1", From: "+15551110000", To: "+15552220000", Codec: audio.CodecPCMU}); err != nil {
		t.Fatalf("writing event: %v", err)
	}
	var resp Response
	readFrame(t, conn, &resp)
	if resp.Action != ActionAccept || resp.Code != 100 || resp.EventID != "e9" {
		t.Fatalf("socket response = %+v", resp)
	}

	// Undecodable frames get an error response, not a dropped socket.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	readFrame(t, conn, &resp)
	if resp.Code != 400 {
		t.Errorf("garbage response = %+v, want 400", resp)
	}
}

func TestSocketRTPHasNoReply(t *testing.T) {
	core := newFakeCore()
	s, srv := newTestServer(t, core, nil, ServerConfig{})

	conn := dialSocket(t, srv, "")
	waitForSockets(t, s, 1)

	packet := []byte{0x80, 0x00, 0x00, 0x01, 0, 0, 0, 1, 0, 0, 0, 2}
	if err := conn.WriteJSON(Event{Type: EventRTPPacket, CallID: "c1", Payload: packet}); err != nil {
		t.Fatalf("writing rtp event: %v", err)
	}
	if err := conn.WriteJSON(Event{Type: EventCallEnd, CallID: "c1"}); err != nil {
		t.Fatalf("writing end event: %v", err)
	}

	// The first reply on the wire belongs to call_end, proving the
	// relay event was consumed silently.
	var resp Response
	readFrame(t, conn, &resp)
	if resp.Event != EventCallEnd {
		t.Fatalf("first reply = %+v, want call_end response", resp)
	}

	core.mu.Lock()
	injected := len(core.injected)
	core.mu.Unlock()
	if injected != 1 {
		t.Errorf("injected packets = %d, want 1", injected)
	}
}

func TestNotifyStateBroadcast(t *testing.T) {
	core := newFakeCore()
	s, srv := newTestServer(t, core, nil, ServerConfig{})

	conn := dialSocket(t, srv, "")
	waitForSockets(t, s, 1)

	s.NotifyState("c1", call.StateRinging, call.StateConnected, call.Snapshot{CallID: "c1", SIPCallID: "abc@proxy"})

	var update StateUpdate
	readFrame(t, conn, &update)
	if update.Type != "call_state" || update.CallID != "c1" {
		t.Fatalf("update = %+v", update)
	}
	if update.FromState != string(call.StateRinging) || update.ToState != string(call.StateConnected) {
		t.Errorf("states = %s -> %s", update.FromState, update.ToState)
	}
	if update.SIPCallID != "abc@proxy" {
		t.Errorf("sip call id = %q", update.SIPCallID)
	}
}

func TestPushCommand(t *testing.T) {
	core := newFakeCore()
	s, srv := newTestServer(t, core, nil, ServerConfig{})

	if s.PushCommand(Command{Command: "play_audio", CallID: "c1"}) {
		t.Fatalf("PushCommand() = true with no sockets")
	}

	conn := dialSocket(t, srv, "")
	waitForSockets(t, s, 1)

	if !s.PushCommand(Command{Command: "play_audio", CallID: "c1", Data: map[string]any{"ref": "prompt:welcome"}}) {
		t.Fatalf("PushCommand() = false with a socket attached")
	}

	var cmd Command
	readFrame(t, conn, &cmd)
	if cmd.Type != "command" || cmd.Command != "play_audio" || cmd.CallID != "c1" {
		t.Fatalf("command = %+v", cmd)
	}
	if cmd.Data["ref"] != "prompt:welcome" {
		t.Errorf("command data = %v", cmd.Data)
	}
}

// waitForSockets polls until the server sees the expected number of
// control sockets; the upgrade completes asynchronously to the dial.
func waitForSockets(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Connections() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sockets = %d, want %d", s.Connections(), want)
}
