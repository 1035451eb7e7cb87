package call

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/rtp"
)

// fakeBridge records AI bridge traffic. Connect reports the injected
// error when set.
type fakeBridge struct {
	mu          sync.Mutex
	connectErr  error
	connects    []aibridge.CallInfo
	audio       map[string][][]byte
	digits      []string
	sequences   []string
	statuses    []map[string]any
	disconnects map[string]string
	live        map[string]bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		audio:       make(map[string][][]byte),
		disconnects: make(map[string]string),
		live:        make(map[string]bool),
	}
}

func (f *fakeBridge) Connect(_ context.Context, info aibridge.CallInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects = append(f.connects, info)
	f.live[info.CallID] = true
	return nil
}

func (f *fakeBridge) SendAudio(callID string, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio[callID] = append(f.audio[callID], append([]byte(nil), pcm...))
	return nil
}

func (f *fakeBridge) SendDTMF(callID, digit string, _ time.Duration, _ float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digits = append(f.digits, callID+":"+digit)
	return nil
}

func (f *fakeBridge) SendDTMFSequence(callID, sequence, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences = append(f.sequences, callID+":"+sequence)
	return nil
}

func (f *fakeBridge) SendStatus(_ string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, data)
	return nil
}

func (f *fakeBridge) Disconnect(callID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[callID] = reason
	delete(f.live, callID)
}

func (f *fakeBridge) Connected(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[callID]
}

func (f *fakeBridge) SessionID(callID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[callID] {
		return "", false
	}
	return "ai-" + callID, true
}

func (f *fakeBridge) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeBridge) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeBridge) lastConnect() (aibridge.CallInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connects) == 0 {
		return aibridge.CallInfo{}, false
	}
	return f.connects[len(f.connects)-1], true
}

func (f *fakeBridge) audioFrames(callID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio[callID]...)
}

func (f *fakeBridge) sentDigits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.digits...)
}

func (f *fakeBridge) disconnectReason(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects[callID]
}

// fakeSignaler records commands sent toward the SIP proxy.
type fakeSignaler struct {
	mu          sync.Mutex
	transferErr error
	hangups     []string
	transfers   []string
	plays       []string
	digits      []string
	originates  []string
}

func (f *fakeSignaler) Hangup(_ context.Context, callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID+":"+reason)
	return nil
}

func (f *fakeSignaler) Transfer(_ context.Context, callID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, callID+":"+target)
	return nil
}

func (f *fakeSignaler) PlayAudio(_ context.Context, callID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, callID+":"+ref)
	return nil
}

func (f *fakeSignaler) SendDTMF(_ context.Context, callID, digit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digits = append(f.digits, callID+":"+digit)
	return nil
}

func (f *fakeSignaler) OriginateCall(_ context.Context, from, to string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.originates = append(f.originates, from+":"+to)
	return nil
}

func (f *fakeSignaler) setTransferErr(err error) {
	f.mu.Lock()
	f.transferErr = err
	f.mu.Unlock()
}

func (f *fakeSignaler) sentHangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

func (f *fakeSignaler) sentOriginates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.originates...)
}

func (f *fakeSignaler) sentTransfers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transfers...)
}

// fakeRecorder counts fed bytes per call.
type fakeRecorder struct {
	mu     sync.Mutex
	starts int
	stops  int
	fed    map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{fed: make(map[string]int)}
}

func (f *fakeRecorder) Start(callID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return "recordings/" + callID + ".wav", nil
}

func (f *fakeRecorder) Feed(callID string, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fed[callID] += len(pcm)
}

func (f *fakeRecorder) Stop(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRecorder) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeRecorder) fedBytes(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed[callID]
}

// fakeNotifier records state transitions mirrored to the dialog store.
type fakeNotifier struct {
	mu    sync.Mutex
	moves []string
}

func (f *fakeNotifier) NotifyState(callID string, from, to State, _ Snapshot) {
	f.mu.Lock()
	f.moves = append(f.moves, fmt.Sprintf("%s:%s>%s", callID, from, to))
	f.mu.Unlock()
}

func (f *fakeNotifier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.moves...)
}

// eventLog is a bus subscriber safe for concurrent publishers.
type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.evs))
	for i, ev := range l.evs {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) last(eventType string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.evs) - 1; i >= 0; i-- {
		if l.evs[i].Type == eventType {
			return l.evs[i], true
		}
	}
	return Event{}, false
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Each test gets its own RTP port range so async port release in one
// test cannot collide with the next.
var testPortBase atomic.Int64

type testEnv struct {
	m        *Manager
	bridge   *fakeBridge
	signaler *fakeSignaler
	media    *rtp.Manager
	music    *moh.Manager
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	base := 42000 + int(testPortBase.Add(1)-1)*20
	media, err := rtp.NewManager(base, base+19, testLogger())
	if err != nil {
		t.Fatalf("rtp.NewManager: %v", err)
	}
	t.Cleanup(media.ReleaseAll)

	bridge := newFakeBridge()
	music := moh.NewManager(testLogger())
	m := NewManager(cfg, media, bridge, music, testLogger())
	signaler := &fakeSignaler{}
	m.SetSignaler(signaler)
	return &testEnv{m: m, bridge: bridge, signaler: signaler, media: media, music: music}
}

func (e *testEnv) startCall(t *testing.T, callID, from, to string) {
	t.Helper()
	d := e.m.HandleIncomingCall(IncomingCall{CallID: callID, From: from, To: to})
	if d.Action != DecisionAccept {
		t.Fatalf("HandleIncomingCall(%s) = %+v, want accept", callID, d)
	}
}

func (e *testEnv) connectCall(t *testing.T, callID, from, to string) {
	t.Helper()
	e.startCall(t, callID, from, to)
	if !e.m.Answer(callID) {
		t.Fatalf("Answer(%s) = false", callID)
	}
}

func (e *testEnv) state(t *testing.T, callID string) State {
	t.Helper()
	snap, ok := e.m.Get(callID)
	if !ok {
		t.Fatalf("Get(%s) = false", callID)
	}
	return snap.State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ulawFrame() []byte {
	return bytes.Repeat([]byte{0xFF}, 160)
}

func TestIncomingCallAccepted(t *testing.T) {
	env := newTestEnv(t, Config{})
	log := &eventLog{}
	env.m.Bus().SubscribeAll(log.record)

	d := env.m.HandleIncomingCall(IncomingCall{
		CallID:   "c1",
		From:     "+15551234567",
		FromName: "Ada",
		To:       "+18005550100",
		Headers:  map[string]string{"User-Agent": "test"},
	})
	if d.Action != DecisionAccept {
		t.Fatalf("Action = %s, want accept", d.Action)
	}
	if d.CallID != "c1" || d.SessionID == "" {
		t.Errorf("Decision ids = (%q, %q), want c1 and a session id", d.CallID, d.SessionID)
	}
	if d.RingingTimeoutS != 30 {
		t.Errorf("RingingTimeoutS = %d, want 30", d.RingingTimeoutS)
	}

	snap, ok := env.m.Get("c1")
	if !ok {
		t.Fatal("Get(c1) = false after accept")
	}
	if snap.State != StateRinging {
		t.Errorf("State = %s, want ringing", snap.State)
	}
	if snap.RingStart == nil {
		t.Error("RingStart = nil after ringing")
	}
	if snap.Direction != DirectionInbound {
		t.Errorf("Direction = %s, want inbound", snap.Direction)
	}
	if snap.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want normal", snap.Priority)
	}
	if snap.Codec != audio.CodecPCMU {
		t.Errorf("Codec = %s, want PCMU default", snap.Codec)
	}
	if snap.RTPLocalPort == 0 {
		t.Error("RTPLocalPort = 0, want allocated port")
	}
	if env.m.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", env.m.ActiveCount())
	}

	waitFor(t, "ai connect", func() bool { return env.bridge.connectCount() == 1 })
	info, _ := env.bridge.lastConnect()
	if info.FromNumber != "+15551234567" || info.ToNumber != "+18005550100" {
		t.Errorf("CallInfo numbers = (%s, %s)", info.FromNumber, info.ToNumber)
	}
	waitFor(t, "ai session id", func() bool {
		snap, _ := env.m.Get("c1")
		return snap.AISessionID == "ai-c1"
	})

	types := log.types()
	if len(types) < 2 || types[0] != EventCallCreated || types[1] != EventStateChanged {
		t.Errorf("event order = %v, want [call_created state_changed ...]", types)
	}

	stats := env.m.Stats()
	if stats.TotalCalls != 1 || stats.ActiveCalls != 1 {
		t.Errorf("Stats = %+v, want 1 total, 1 active", stats)
	}
}

func TestAnswerConnects(t *testing.T) {
	env := newTestEnv(t, Config{})
	notifier := &fakeNotifier{}
	env.m.SetNotifier(notifier)

	env.startCall(t, "c1", "+15551234567", "+18005550100")
	if !env.m.Answer("c1") {
		t.Fatal("Answer = false")
	}

	snap, _ := env.m.Get("c1")
	if snap.State != StateConnected {
		t.Errorf("State = %s, want connected", snap.State)
	}
	if snap.ConnectTime == nil {
		t.Error("ConnectTime = nil after answer")
	}

	// Already connected; a second answer has no valid transition.
	if env.m.Answer("c1") {
		t.Error("second Answer = true, want false")
	}

	want := []string{
		"c1:initializing>ringing",
		"c1:ringing>connecting",
		"c1:connecting>connected",
	}
	got := notifier.seen()
	if len(got) != len(want) {
		t.Fatalf("notifier saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notifier[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestConcurrentLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentCalls: 1})
	env.startCall(t, "c1", "+15550001", "+18005550100")

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c2", From: "+15550002", To: "+18005550100"})
	if d.Action != DecisionReject || d.Reason != ReasonConcurrentLimit {
		t.Fatalf("overflow call decision = %+v, want reject/%s", d, ReasonConcurrentLimit)
	}
	if _, ok := env.m.Get("c2"); ok {
		t.Error("rejected call was registered")
	}
	if got := env.m.Stats().RejectedCalls; got != 1 {
		t.Errorf("RejectedCalls = %d, want 1", got)
	}

	// Urgent priority bypasses the cap.
	d = env.m.HandleIncomingCall(IncomingCall{
		CallID:  "c3",
		From:    "+15550003",
		To:      "+18005550100",
		Headers: map[string]string{"X-Priority": "4"},
	})
	if d.Action != DecisionAccept {
		t.Fatalf("urgent call decision = %+v, want accept", d)
	}
	snap, _ := env.m.Get("c3")
	if snap.Priority != PriorityUrgent {
		t.Errorf("urgent call priority = %v, want urgent", snap.Priority)
	}
	if env.m.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", env.m.ActiveCount())
	}
}

func TestPerNumberLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxCallsPerNumber: 1})
	env.startCall(t, "c1", "+15551234567", "+18005550100")

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c2", From: "+1 (555) 123-4567", To: "+18005550100"})
	if d.Action != DecisionReject || d.Reason != ReasonNumberLimit {
		t.Fatalf("same-number call decision = %+v, want reject/%s", d, ReasonNumberLimit)
	}

	// A different caller still fits.
	env.startCall(t, "c3", "+15559990000", "+18005550100")

	// Ending the first call frees the per-number slot.
	if !env.m.HandleCallEnd("c1", "") {
		t.Fatal("HandleCallEnd(c1) = false")
	}
	env.startCall(t, "c4", "+15551234567", "+18005550100")
}

func TestBlacklistedCallerRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.m.Router().Blacklist("+1 (555) 123-4567")
	log := &eventLog{}
	env.m.Bus().Subscribe(EventCallRejected, log.record)

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c1", From: "+15551234567", To: "+18005550100"})
	if d.Action != DecisionReject || d.Reason != ReasonBlacklisted {
		t.Fatalf("decision = %+v, want reject/%s", d, ReasonBlacklisted)
	}
	if _, ok := env.m.Get("c1"); ok {
		t.Error("blacklisted call was registered")
	}
	ev, ok := log.last(EventCallRejected)
	if !ok {
		t.Fatal("no call_rejected event published")
	}
	if ev.Data["reason"] != ReasonBlacklisted {
		t.Errorf("event reason = %v, want %s", ev.Data["reason"], ReasonBlacklisted)
	}
}

func TestQueueAndDequeue(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.m.Router().AddRule(Rule{
		Name:          "support-overflow",
		Priority:      10,
		Enabled:       true,
		CalleePattern: `^\+18005550100$`,
		Action:        DecisionQueue,
		QueueName:     "support",
		QueuePriority: "high",
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	log := &eventLog{}
	env.m.Bus().Subscribe(EventCallQueued, log.record)

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c1", From: "+15550001", To: "+18005550100"})
	if d.Action != DecisionQueue {
		t.Fatalf("decision = %+v, want queue", d)
	}
	if d.QueueName != "support" || d.Position != 1 || d.Priority != PriorityHigh {
		t.Errorf("queue decision = %+v, want support/1/high", d)
	}
	if d.EstimatedWaitS != 30 {
		t.Errorf("EstimatedWaitS = %d, want 30", d.EstimatedWaitS)
	}
	if got := env.state(t, "c1"); got != StateInitializing {
		t.Errorf("queued call state = %s, want initializing", got)
	}
	if env.m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 while queued", env.m.ActiveCount())
	}
	if env.m.QueueLen() != 1 {
		t.Errorf("QueueLen = %d, want 1", env.m.QueueLen())
	}
	if log.count(EventCallQueued) != 1 {
		t.Error("call_queued event not published")
	}

	snap, ok := env.m.DequeueNext("support")
	if !ok {
		t.Fatal("DequeueNext = false")
	}
	if snap.CallID != "c1" || snap.State != StateRinging {
		t.Errorf("dequeued snapshot = %s/%s, want c1/ringing", snap.CallID, snap.State)
	}
	if env.m.QueueLen() != 0 || env.m.ActiveCount() != 1 {
		t.Errorf("after dequeue: queue %d active %d, want 0/1", env.m.QueueLen(), env.m.ActiveCount())
	}
	if _, ok := env.m.DequeueNext("support"); ok {
		t.Error("DequeueNext on drained queue = true")
	}
}

func TestQueueFullRejects(t *testing.T) {
	env := newTestEnv(t, Config{MaxQueueSize: 1})
	err := env.m.Router().AddRule(Rule{
		Name:          "all-to-queue",
		Priority:      1,
		Enabled:       true,
		CalleePattern: `^\+18005550100$`,
		Action:        DecisionQueue,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c1", From: "+15550001", To: "+18005550100"})
	if d.Action != DecisionQueue {
		t.Fatalf("first call decision = %+v, want queue", d)
	}

	d = env.m.HandleIncomingCall(IncomingCall{CallID: "c2", From: "+15550002", To: "+18005550100"})
	if d.Action != DecisionReject || d.Reason != ReasonQueueFull {
		t.Fatalf("overflow decision = %+v, want reject/%s", d, ReasonQueueFull)
	}
	if _, ok := env.m.Get("c2"); ok {
		t.Error("overflow call left registered")
	}
}

func TestHangupBeforeAnswerCancels(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startCall(t, "c1", "+15550001", "+18005550100")

	if !env.m.HandleCallEnd("c1", "caller_hangup") {
		t.Fatal("HandleCallEnd = false")
	}
	snap, _ := env.m.Get("c1")
	if snap.State != StateCancelled {
		t.Errorf("State = %s, want cancelled", snap.State)
	}
	if snap.HangupReason != "caller_hangup" {
		t.Errorf("HangupReason = %s, want caller_hangup", snap.HangupReason)
	}
	if snap.EndTime == nil {
		t.Error("EndTime = nil after hangup")
	}
	if env.m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", env.m.ActiveCount())
	}
	if got := env.bridge.disconnectReason("c1"); got != "caller_hangup" {
		t.Errorf("bridge disconnect reason = %q, want caller_hangup", got)
	}
	if got := env.m.Stats().CancelledCalls; got != 1 {
		t.Errorf("CancelledCalls = %d, want 1", got)
	}

	// Media is released asynchronously.
	waitFor(t, "media release", func() bool { return env.media.Count() == 0 })

	// A second end report is a no-op.
	if env.m.HandleCallEnd("c1", "caller_hangup") {
		t.Error("second HandleCallEnd = true, want false")
	}
}

func TestHangupAfterConnectCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	log := &eventLog{}
	env.m.Bus().Subscribe(EventCallEnded, log.record)
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	if !env.m.HandleCallEnd("c1", "") {
		t.Fatal("HandleCallEnd = false")
	}
	snap, _ := env.m.Get("c1")
	if snap.State != StateCompleted {
		t.Errorf("State = %s, want completed", snap.State)
	}
	if snap.HangupReason != "normal" {
		t.Errorf("HangupReason = %s, want normal", snap.HangupReason)
	}

	ev, ok := log.last(EventCallEnded)
	if !ok {
		t.Fatal("no call_ended event")
	}
	if ev.Data["reason"] != "normal" {
		t.Errorf("event reason = %v, want normal", ev.Data["reason"])
	}
	if ms, ok := ev.Data["duration_ms"].(int64); !ok || ms < 0 {
		t.Errorf("event duration_ms = %v, want non-negative int64", ev.Data["duration_ms"])
	}
	if got := env.m.Stats().CompletedCalls; got != 1 {
		t.Errorf("CompletedCalls = %d, want 1", got)
	}
}

func TestAIConnectFailureFailsCall(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bridge.setConnectErr(errors.New("connection refused"))

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c1", From: "+15550001", To: "+18005550100"})
	if d.Action != DecisionAccept {
		t.Fatalf("decision = %+v, want accept", d)
	}

	waitFor(t, "call failure", func() bool {
		snap, ok := env.m.Get("c1")
		return ok && snap.State == StateFailed
	})
	snap, _ := env.m.Get("c1")
	if snap.HangupReason != aibridge.ReasonUnreachable {
		t.Errorf("HangupReason = %s, want %s", snap.HangupReason, aibridge.ReasonUnreachable)
	}
	waitFor(t, "proxy hangup", func() bool { return len(env.signaler.sentHangups()) == 1 })
	if got := env.signaler.sentHangups()[0]; got != "c1:"+aibridge.ReasonUnreachable {
		t.Errorf("proxy hangup = %s, want c1:%s", got, aibridge.ReasonUnreachable)
	}
	if got := env.m.Stats().FailedCalls; got != 1 {
		t.Errorf("FailedCalls = %d, want 1", got)
	}
}

func TestTransferCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	if err := env.m.TransferCall("c1", "sip:agent@pbx.example.com"); err != nil {
		t.Fatalf("TransferCall: %v", err)
	}
	snap, _ := env.m.Get("c1")
	if snap.State != StateTransferring {
		t.Errorf("State = %s, want transferring", snap.State)
	}
	if snap.TransferTarget != "sip:agent@pbx.example.com" {
		t.Errorf("TransferTarget = %s", snap.TransferTarget)
	}
	transfers := env.signaler.sentTransfers()
	if len(transfers) != 1 || transfers[0] != "c1:sip:agent@pbx.example.com" {
		t.Errorf("proxy transfers = %v", transfers)
	}

	if !env.m.CompleteTransfer("c1", true) {
		t.Fatal("CompleteTransfer = false")
	}
	snap, _ = env.m.Get("c1")
	if snap.State != StateCompleted || snap.HangupReason != "transferred" {
		t.Errorf("after transfer: %s/%s, want completed/transferred", snap.State, snap.HangupReason)
	}
}

func TestTransferFailureReconnects(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	if err := env.m.TransferCall("c1", "sip:agent@pbx.example.com"); err != nil {
		t.Fatalf("TransferCall: %v", err)
	}
	if !env.m.CompleteTransfer("c1", false) {
		t.Fatal("CompleteTransfer = false")
	}
	snap, _ := env.m.Get("c1")
	if snap.State != StateConnected {
		t.Errorf("State = %s, want connected after failed transfer", snap.State)
	}
	if snap.TransferTarget != "" {
		t.Errorf("TransferTarget = %q, want cleared", snap.TransferTarget)
	}

	// A proxy refusal rolls the state back immediately.
	env.signaler.setTransferErr(errors.New("486 busy here"))
	if err := env.m.TransferCall("c1", "sip:other@pbx.example.com"); err == nil {
		t.Fatal("TransferCall with refusing proxy succeeded")
	}
	snap, _ = env.m.Get("c1")
	if snap.State != StateConnected || snap.TransferTarget != "" {
		t.Errorf("after refusal: %s target %q, want connected with no target", snap.State, snap.TransferTarget)
	}
}

func TestTransferRequiresConnected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startCall(t, "c1", "+15550001", "+18005550100")

	if err := env.m.TransferCall("c1", "sip:agent@pbx.example.com"); err == nil {
		t.Error("TransferCall on ringing call succeeded")
	}
	if got := env.state(t, "c1"); got != StateRinging {
		t.Errorf("State = %s, want ringing unchanged", got)
	}
	if err := env.m.TransferCall("c1", ""); err == nil {
		t.Error("TransferCall with empty target succeeded")
	}
}

func TestHoldAndResume(t *testing.T) {
	env := newTestEnv(t, Config{})
	log := &eventLog{}
	env.m.Bus().Subscribe(EventCallHeld, log.record)
	env.m.Bus().Subscribe(EventCallResumed, log.record)
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	if err := env.m.HoldCall("c1", ""); err != nil {
		t.Fatalf("HoldCall: %v", err)
	}
	snap, _ := env.m.Get("c1")
	if snap.State != StateOnHold || !snap.OnHold {
		t.Errorf("after hold: %s onHold=%v, want on_hold/true", snap.State, snap.OnHold)
	}
	if !env.music.Playing("c1") {
		t.Error("hold music not playing")
	}
	if err := env.m.HoldCall("c1", ""); err == nil {
		t.Error("second HoldCall succeeded")
	}

	// Caller audio is consumed but not forwarded while held.
	env.m.handleMediaIn("c1", ulawFrame())
	if n := len(env.bridge.audioFrames("c1")); n != 0 {
		t.Errorf("bridge received %d frames while held, want 0", n)
	}

	if err := env.m.ResumeCall("c1"); err != nil {
		t.Fatalf("ResumeCall: %v", err)
	}
	snap, _ = env.m.Get("c1")
	if snap.State != StateConnected || snap.OnHold {
		t.Errorf("after resume: %s onHold=%v, want connected/false", snap.State, snap.OnHold)
	}
	if env.music.Playing("c1") {
		t.Error("hold music still playing after resume")
	}
	if err := env.m.ResumeCall("c1"); err == nil {
		t.Error("ResumeCall on connected call succeeded")
	}

	env.m.handleMediaIn("c1", ulawFrame())
	if n := len(env.bridge.audioFrames("c1")); n != 1 {
		t.Errorf("bridge received %d frames after resume, want 1", n)
	}

	if log.count(EventCallHeld) != 1 || log.count(EventCallResumed) != 1 {
		t.Errorf("events = %v, want one held and one resumed", log.types())
	}
}

func TestEmergencyPatternHangsUp(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.m.DTMF().AddPattern(dtmf.Pattern{
		Pattern:     "^911$",
		Action:      dtmf.ActionHangupCall,
		Description: "emergency cutoff",
	})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	log := &eventLog{}
	env.m.Bus().Subscribe(EventDTMFReceived, log.record)
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	// The same digit twice in a row needs the debounce window between
	// presses, as a real caller would have.
	for i, digit := range []string{"9", "1", "1"} {
		if i > 0 {
			time.Sleep(60 * time.Millisecond)
		}
		if err := env.m.HandleSIPInfoDigit("c1", digit); err != nil {
			t.Fatalf("HandleSIPInfoDigit(%s): %v", digit, err)
		}
	}

	snap, _ := env.m.Get("c1")
	if snap.State != StateCompleted {
		t.Errorf("State = %s, want completed", snap.State)
	}
	if snap.HangupReason != "dtmf_hangup" {
		t.Errorf("HangupReason = %s, want dtmf_hangup", snap.HangupReason)
	}
	hangups := env.signaler.sentHangups()
	if len(hangups) != 1 || hangups[0] != "c1:dtmf_hangup" {
		t.Errorf("proxy hangups = %v", hangups)
	}
	if got := env.m.DTMF().Sequence("c1"); got != "" {
		t.Errorf("Sequence = %q, want cleared after match", got)
	}

	// Digits that completed no pattern were forwarded individually; the
	// matching digit was not.
	digits := env.bridge.sentDigits()
	want := []string{"c1:9", "c1:1"}
	if len(digits) != len(want) {
		t.Fatalf("forwarded digits = %v, want %v", digits, want)
	}
	for i := range want {
		if digits[i] != want[i] {
			t.Errorf("digit[%d] = %s, want %s", i, digits[i], want[i])
		}
	}
	if log.count(EventDTMFReceived) != 3 {
		t.Errorf("dtmf_received events = %d, want 3", log.count(EventDTMFReceived))
	}
}

func TestInboundAudioReachesAI(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	// Two 20ms G.711 frames of silence. Each one becomes exactly one
	// 16kHz frame toward the AI; silence is never suppressed.
	env.m.handleMediaIn("c1", ulawFrame())
	env.m.handleMediaIn("c1", ulawFrame())

	frames := env.bridge.audioFrames("c1")
	if len(frames) != 2 {
		t.Fatalf("bridge frames = %d, want 2", len(frames))
	}
	for n, frame := range frames {
		if len(frame) != 640 {
			t.Fatalf("frame %d size = %d, want 640 (20ms of 16-bit PCM at 16kHz)", n, len(frame))
		}
		for i := 0; i+1 < len(frame); i += 2 {
			v := int16(binary.LittleEndian.Uint16(frame[i:]))
			if v > 8 || v < -8 {
				t.Fatalf("frame %d sample %d = %d, want near-zero silence", n, i/2, v)
			}
		}
	}
}

func TestInjectRTPRelay(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	// A relayed packet takes the jitter-buffer path, so it reaches the
	// bridge on the playout clock rather than synchronously.
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 400,
			Timestamp:      64000,
			SSRC:           0x5151,
		},
		Payload: ulawFrame(),
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := env.m.InjectRTP("c1", data); err != nil {
		t.Fatalf("InjectRTP: %v", err)
	}
	waitFor(t, "relayed frame to reach bridge", func() bool {
		return len(env.bridge.audioFrames("c1")) >= 1
	})
	if frame := env.bridge.audioFrames("c1")[0]; len(frame) != 640 {
		t.Errorf("frame size = %d, want 640", len(frame))
	}

	if err := env.m.InjectRTP("ghost", data); err == nil {
		t.Error("InjectRTP for unknown call = nil, want error")
	}
}

func TestAIAudioReachesCaller(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer recv.Close()

	env := newTestEnv(t, Config{})
	d := env.m.HandleIncomingCall(IncomingCall{
		CallID:     "c1",
		From:       "+15550001",
		To:         "+18005550100",
		RemoteHost: "127.0.0.1",
		RemotePort: recv.LocalAddr().(*net.UDPAddr).Port,
	})
	if d.Action != DecisionAccept {
		t.Fatalf("decision = %+v, want accept", d)
	}
	if !env.m.Answer("c1") {
		t.Fatal("Answer = false")
	}

	// One 20ms frame of 16kHz PCM silence downsamples to one full
	// telephony frame and goes straight out.
	env.m.HandleAIAudio("c1", make([]byte, 640))
	first := readRTP(t, recv)
	if first.PayloadType != 0 {
		t.Errorf("PayloadType = %d, want 0 (PCMU)", first.PayloadType)
	}
	if len(first.Payload) != 160 {
		t.Fatalf("payload = %d bytes, want 160", len(first.Payload))
	}
	pcm := audio.DecodeUlaw(first.Payload)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v > 8 || v < -8 {
			t.Fatalf("sample %d = %d, want near-zero silence", i/2, v)
		}
	}

	// Half a frame buffers until the next chunk completes it.
	env.m.HandleAIAudio("c1", make([]byte, 320))
	env.m.HandleAIAudio("c1", make([]byte, 320))
	second := readRTP(t, recv)
	if got, want := second.SequenceNumber, first.SequenceNumber+1; got != want {
		t.Errorf("second seq = %d, want %d", got, want)
	}
}

func readRTP(t *testing.T, conn *net.UDPConn) *pionrtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading rtp packet: %v", err)
	}
	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshaling rtp packet: %v", err)
	}
	return pkt
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := newFakeRecorder()
	env.m.SetRecorder(rec)
	log := &eventLog{}
	env.m.Bus().Subscribe(EventRecordingStarted, log.record)
	env.m.Bus().Subscribe(EventRecordingStopped, log.record)

	env.startCall(t, "c1", "+15550001", "+18005550100")
	if _, err := env.m.StartRecording("c1"); err == nil {
		t.Error("StartRecording on ringing call succeeded")
	}

	if !env.m.Answer("c1") {
		t.Fatal("Answer = false")
	}
	path, err := env.m.StartRecording("c1")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if path != "recordings/c1.wav" {
		t.Errorf("path = %s", path)
	}
	snap, _ := env.m.Get("c1")
	if !snap.Recording || snap.RecordingPath != path {
		t.Errorf("snapshot recording = %v path %s", snap.Recording, snap.RecordingPath)
	}
	if _, err := env.m.StartRecording("c1"); err == nil {
		t.Error("second StartRecording succeeded")
	}

	// Inbound audio is fed to the recorder as 8kHz PCM.
	env.m.handleMediaIn("c1", ulawFrame())
	if got := rec.fedBytes("c1"); got != 320 {
		t.Errorf("recorder fed %d bytes, want 320", got)
	}

	if err := env.m.StopRecording("c1"); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if err := env.m.StopRecording("c1"); err == nil {
		t.Error("StopRecording when not recording succeeded")
	}
	if log.count(EventRecordingStarted) != 1 || log.count(EventRecordingStopped) != 1 {
		t.Errorf("recording events = %v", log.types())
	}

	// Toggle starts it again; ending the call closes it.
	if err := env.m.ToggleRecording("c1"); err != nil {
		t.Fatalf("ToggleRecording: %v", err)
	}
	env.m.HandleCallEnd("c1", "")
	starts, stops := rec.counts()
	if starts != 2 || stops != 2 {
		t.Errorf("recorder starts/stops = %d/%d, want 2/2", starts, stops)
	}
}

func TestOutboundCall(t *testing.T) {
	env := newTestEnv(t, Config{})
	snap, err := env.m.InitiateOutbound("+15550001", "+18005550111", map[string]string{"X-Campaign": "renewal"})
	if err != nil {
		t.Fatalf("InitiateOutbound: %v", err)
	}
	if snap.Direction != DirectionOutbound {
		t.Errorf("Direction = %s, want outbound", snap.Direction)
	}
	if snap.State != StateInitializing {
		t.Errorf("State = %s, want initializing", snap.State)
	}
	if snap.RTPLocalPort == 0 {
		t.Error("RTPLocalPort = 0, want allocated port")
	}
	if env.m.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", env.m.ActiveCount())
	}

	headers, ok := env.m.OutboundHeaders(snap.CallID)
	if !ok {
		t.Fatal("OutboundHeaders = false")
	}
	if headers["X-Call-ID"] != snap.CallID || headers["X-Session-ID"] != snap.SessionID {
		t.Errorf("headers = %v", headers)
	}
	if headers["X-Direction"] != "outbound" {
		t.Errorf("X-Direction = %s, want outbound", headers["X-Direction"])
	}
	if got := env.signaler.sentOriginates(); len(got) != 1 || got[0] != "+15550001:+18005550111" {
		t.Errorf("originates = %v", got)
	}

	if !env.m.HandleCallRinging(snap.CallID) {
		t.Fatal("HandleCallRinging = false")
	}
	if !env.m.Answer(snap.CallID) {
		t.Fatal("Answer = false")
	}
	if got := env.state(t, snap.CallID); got != StateConnected {
		t.Errorf("State = %s, want connected", got)
	}

	waitFor(t, "ai connect", func() bool { return env.bridge.connectCount() == 1 })
	info, _ := env.bridge.lastConnect()
	if info.Direction != "outbound" {
		t.Errorf("CallInfo.Direction = %s, want outbound", info.Direction)
	}
}

func TestQueueTimeoutCancels(t *testing.T) {
	env := newTestEnv(t, Config{QueueTimeout: 20 * time.Millisecond})
	err := env.m.Router().AddRule(Rule{
		Name:          "overflow",
		Priority:      1,
		Enabled:       true,
		CalleePattern: `^\+18005550100$`,
		Action:        DecisionQueue,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c1", From: "+15550001", To: "+18005550100"})
	if d.Action != DecisionQueue {
		t.Fatalf("decision = %+v, want queue", d)
	}

	time.Sleep(40 * time.Millisecond)
	env.m.expireQueued()

	snap, _ := env.m.Get("c1")
	if snap.State != StateCancelled || snap.HangupReason != "queue_timeout" {
		t.Errorf("expired call = %s/%s, want cancelled/queue_timeout", snap.State, snap.HangupReason)
	}
	if env.m.QueueLen() != 0 {
		t.Errorf("QueueLen = %d, want 0", env.m.QueueLen())
	}
}

func TestStaleCallReaped(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connectCall(t, "c1", "+15550001", "+18005550100")

	s := env.m.session("c1")
	s.mu.Lock()
	s.snap.CreatedAt = time.Now().Add(-5 * time.Hour)
	s.mu.Unlock()

	env.m.reapStale()

	snap, _ := env.m.Get("c1")
	if snap.State != StateFailed || snap.HangupReason != "stale_call" {
		t.Errorf("reaped call = %s/%s, want failed/stale_call", snap.State, snap.HangupReason)
	}
	hangups := env.signaler.sentHangups()
	if len(hangups) != 1 || hangups[0] != "c1:stale_call" {
		t.Errorf("proxy hangups = %v", hangups)
	}
}

func TestQueuedCallPromotedOnCompletion(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentCalls: 1})
	err := env.m.Router().AddRule(Rule{
		Name:          "overflow",
		Priority:      1,
		Enabled:       true,
		CalleePattern: `^\+18005550100$`,
		Action:        DecisionQueue,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	env.startCall(t, "c1", "+15550001", "+18005550199")
	d := env.m.HandleIncomingCall(IncomingCall{CallID: "c2", From: "+15550002", To: "+18005550100"})
	if d.Action != DecisionQueue {
		t.Fatalf("second call decision = %+v, want queue", d)
	}

	if !env.m.HandleCallEnd("c1", "") {
		t.Fatal("HandleCallEnd = false")
	}
	waitFor(t, "queued call promotion", func() bool {
		snap, ok := env.m.Get("c2")
		return ok && snap.State == StateRinging
	})
	if env.m.QueueLen() != 0 {
		t.Errorf("QueueLen = %d, want 0 after promotion", env.m.QueueLen())
	}
	if env.m.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", env.m.ActiveCount())
	}
}

func TestShutdownEndsEverything(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startCall(t, "c1", "+15550001", "+18005550100")
	env.connectCall(t, "c2", "+15550002", "+18005550100")

	env.m.Shutdown()

	if got := env.state(t, "c1"); got != StateCancelled {
		t.Errorf("ringing call = %s, want cancelled", got)
	}
	if got := env.state(t, "c2"); got != StateCompleted {
		t.Errorf("connected call = %s, want completed", got)
	}
	snap, _ := env.m.Get("c2")
	if snap.HangupReason != "shutdown" {
		t.Errorf("HangupReason = %s, want shutdown", snap.HangupReason)
	}
	if env.m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", env.m.ActiveCount())
	}
	if env.media.Count() != 0 {
		t.Errorf("media sessions = %d, want 0", env.media.Count())
	}
}

func TestUnknownCallOperations(t *testing.T) {
	env := newTestEnv(t, Config{})

	if env.m.HandleCallEnd("ghost", "") {
		t.Error("HandleCallEnd(ghost) = true")
	}
	if env.m.Answer("ghost") {
		t.Error("Answer(ghost) = true")
	}
	if env.m.HandleCallRinging("ghost") {
		t.Error("HandleCallRinging(ghost) = true")
	}
	if env.m.CompleteTransfer("ghost", true) {
		t.Error("CompleteTransfer(ghost) = true")
	}
	if err := env.m.HangupCall("ghost", ""); err == nil {
		t.Error("HangupCall(ghost) = nil")
	}
	if err := env.m.HoldCall("ghost", ""); err == nil {
		t.Error("HoldCall(ghost) = nil")
	}
	if err := env.m.ResumeCall("ghost"); err == nil {
		t.Error("ResumeCall(ghost) = nil")
	}
	if err := env.m.TransferCall("ghost", "sip:a@b"); err == nil {
		t.Error("TransferCall(ghost) = nil")
	}
	if err := env.m.SetMediaRemote("ghost", "127.0.0.1", 4000); err == nil {
		t.Error("SetMediaRemote(ghost) = nil")
	}
	if err := env.m.HandleSIPInfoDigit("ghost", "1"); err == nil {
		t.Error("HandleSIPInfoDigit(ghost) = nil")
	}
	if _, err := env.m.StartRecording("ghost"); err == nil {
		t.Error("StartRecording(ghost) = nil")
	}
	if _, ok := env.m.Get("ghost"); ok {
		t.Error("Get(ghost) = true")
	}
	if _, ok := env.m.OutboundHeaders("ghost"); ok {
		t.Error("OutboundHeaders(ghost) = true")
	}
	if _, ok := env.m.DequeueNext(""); ok {
		t.Error("DequeueNext on empty queue = true")
	}

	// Media handlers tolerate unknown calls silently.
	env.m.handleMediaIn("ghost", ulawFrame())
	env.m.HandleAIAudio("ghost", make([]byte, 640))
}

func TestSetMediaRemote(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startCall(t, "c1", "+15550001", "+18005550100")

	if err := env.m.SetMediaRemote("c1", "127.0.0.1", 39000); err != nil {
		t.Fatalf("SetMediaRemote: %v", err)
	}
	snap, _ := env.m.Get("c1")
	if snap.RTPRemoteHost != "127.0.0.1" || snap.RTPRemotePort != 39000 {
		t.Errorf("remote = %s:%d, want 127.0.0.1:39000", snap.RTPRemoteHost, snap.RTPRemotePort)
	}
	if env.media.Get("c1").RemoteAddr() == nil {
		t.Error("rtp session remote not set")
	}
}

func TestListNewestFirst(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.startCall(t, "c1", "+15550001", "+18005550100")
	time.Sleep(2 * time.Millisecond)
	env.startCall(t, "c2", "+15550002", "+18005550100")

	list := env.m.List()
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	if list[0].CallID != "c2" || list[1].CallID != "c1" {
		t.Errorf("List order = [%s %s], want [c2 c1]", list[0].CallID, list[1].CallID)
	}
}
