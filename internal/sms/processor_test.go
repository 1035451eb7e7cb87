package sms

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type forwardedToAI struct {
	msg   Message
	conv  Conversation
	attrs map[string]any
}

type sentReply struct {
	from, to, body string
}

// fakeActs records the rule actions the processor invokes.
type fakeActs struct {
	mu         sync.Mutex
	forwardErr error
	replyErr   error
	callErr    error
	forwards   []forwardedToAI
	replies    []sentReply
	calls      []string
}

func (f *fakeActs) ForwardToAI(msg *Message, conv Conversation, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardErr != nil {
		return f.forwardErr
	}
	f.forwards = append(f.forwards, forwardedToAI{msg: msg.clone(), conv: conv, attrs: attrs})
	return nil
}

func (f *fakeActs) Reply(from, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, sentReply{from, to, body})
	return fmt.Sprintf("reply-%d", len(f.replies)), nil
}

func (f *fakeActs) TriggerCall(number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return f.callErr
	}
	f.calls = append(f.calls, number)
	return nil
}

var inboundSeq int

func inboundMsg(from, to, body string) *Message {
	inboundSeq++
	now := time.Now()
	return &Message{
		ID:        fmt.Sprintf("in-%d", inboundSeq),
		From:      from,
		To:        to,
		Body:      body,
		Direction: DirectionInbound,
		Status:    StatusDelivered,
		Priority:  PriorityNormal,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func newTestProcessor() (*Processor, *fakeActs) {
	acts := &fakeActs{}
	return NewProcessor(acts, testLogger()), acts
}

func TestProcessInboundDefaultForwardsToAI(t *testing.T) {
	p, acts := newTestProcessor()

	msg := inboundMsg("+15550001111", "+15552223333", "what time do you open?")
	outcome, err := p.ProcessInbound(msg)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeForwardedAI {
		t.Fatalf("Action = %s, want %s", outcome.Action, OutcomeForwardedAI)
	}

	if len(acts.forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(acts.forwards))
	}
	fwd := acts.forwards[0]
	wantConv := ConversationID("+15550001111", "+15552223333")
	if fwd.conv.ID != wantConv {
		t.Errorf("conversation = %s, want %s", fwd.conv.ID, wantConv)
	}
	if msg.ConversationID != wantConv {
		t.Errorf("msg.ConversationID = %s, want %s", msg.ConversationID, wantConv)
	}
	if st := p.Stats(); st.ForwardedAI != 1 || st.Processed != 1 {
		t.Errorf("Stats = %+v, want forwarded 1 processed 1", st)
	}
}

func TestConversationID(t *testing.T) {
	a, b := "+15550001111", "+15552223333"
	if ConversationID(a, b) != ConversationID(b, a) {
		t.Error("ConversationID is direction dependent")
	}
	want := "sms_+15550001111-+15552223333"
	if got := ConversationID(b, a); got != want {
		t.Errorf("ConversationID = %s, want %s", got, want)
	}
}

func TestConversationTracking(t *testing.T) {
	p, _ := newTestProcessor()

	if _, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hello")); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	out := &Message{From: "+15552223333", To: "+15550001111", Body: "hi", CreatedAt: time.Now()}
	p.ProcessOutbound(out)

	convs := p.Conversations()
	if len(convs) != 1 {
		t.Fatalf("Conversations = %d, want 1", len(convs))
	}
	if convs[0].Messages != 2 {
		t.Errorf("Messages = %d, want 2", convs[0].Messages)
	}
	if out.ConversationID != convs[0].ID {
		t.Errorf("outbound conversation = %s, want %s", out.ConversationID, convs[0].ID)
	}
}

func TestSpamBlocked(t *testing.T) {
	p, acts := newTestProcessor()

	body := "URGENT WINNER!!! FREE MONEY click here http://spam.test call 555-123-4567 or 555-987-6543"
	outcome, err := p.ProcessInbound(inboundMsg("+15550009999", "+15552223333", body))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeSpamBlocked {
		t.Fatalf("Action = %s, want %s", outcome.Action, OutcomeSpamBlocked)
	}
	if math.Abs(outcome.SpamScore-0.88) > 0.001 {
		t.Errorf("SpamScore = %f, want 0.88", outcome.SpamScore)
	}
	if len(acts.forwards) != 0 {
		t.Errorf("spam message forwarded to AI")
	}
	if st := p.Stats(); st.SpamBlocked != 1 {
		t.Errorf("SpamBlocked = %d, want 1", st.SpamBlocked)
	}
}

func TestSpamThresholdAdjustable(t *testing.T) {
	p, _ := newTestProcessor()
	p.SetSpamThreshold(0.2)

	outcome, err := p.ProcessInbound(inboundMsg("+15550009999", "+15552223333", "click here http://x.test"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeSpamBlocked {
		t.Errorf("Action = %s, want %s", outcome.Action, OutcomeSpamBlocked)
	}
}

func TestSpamScoreCleanMessage(t *testing.T) {
	if got := spamScore(nil, "see you at lunch"); got != 0 {
		t.Errorf("spamScore = %f, want 0", got)
	}
}

func TestRulePriorityFirstMatch(t *testing.T) {
	p, acts := newTestProcessor()

	if err := p.AddRule(&Rule{Name: "catch-all", Pattern: ".*", Action: ActionStoreOnly, Priority: 1, Enabled: true}); err != nil {
		t.Fatalf("AddRule(catch-all): %v", err)
	}
	if err := p.AddRule(&Rule{Name: "support", Pattern: "support", Action: ActionAutoReply, Priority: 10, Enabled: true}); err != nil {
		t.Fatalf("AddRule(support): %v", err)
	}

	msg := inboundMsg("+15550001111", "+15552223333", "hello SUPPORT team")
	outcome, err := p.ProcessInbound(msg)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeAutoReply || outcome.RuleName != "support" {
		t.Fatalf("outcome = %+v, want auto reply via support", outcome)
	}
	if outcome.ReplyID != "reply-1" {
		t.Errorf("ReplyID = %s, want reply-1", outcome.ReplyID)
	}

	// The reply goes back to the sender, from the number they texted.
	if len(acts.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(acts.replies))
	}
	r := acts.replies[0]
	if r.from != msg.To || r.to != msg.From {
		t.Errorf("reply from %s to %s, want from %s to %s", r.from, r.to, msg.To, msg.From)
	}
	if !strings.Contains(r.body, "received it") {
		t.Errorf("reply body = %q, want confirmation template", r.body)
	}
}

func TestAutoReplyNamedTemplate(t *testing.T) {
	p, acts := newTestProcessor()
	p.AddTemplate("greets", "Hi there")

	if err := p.AddRule(&Rule{Name: "greet", Pattern: "hello", Action: ActionAutoReply, ReplyTemplate: "greets", Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if _, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hello")); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if len(acts.replies) != 1 || acts.replies[0].body != "Hi there" {
		t.Fatalf("replies = %+v, want one with body \"Hi there\"", acts.replies)
	}
}

func TestForwardToNumber(t *testing.T) {
	p, acts := newTestProcessor()

	if err := p.AddRule(&Rule{Name: "escalate", Pattern: "forward", Action: ActionForwardNumber, ForwardTo: "+15559990000", Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	msg := inboundMsg("+15550001111", "+15552223333", "please forward this")
	outcome, err := p.ProcessInbound(msg)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeForwarded || outcome.Target != "+15559990000" {
		t.Fatalf("outcome = %+v, want forward to +15559990000", outcome)
	}

	r := acts.replies[0]
	if r.to != "+15559990000" {
		t.Errorf("forward to = %s, want +15559990000", r.to)
	}
	want := "Forwarded from +15550001111: please forward this"
	if r.body != want {
		t.Errorf("forward body = %q, want %q", r.body, want)
	}
}

func TestBlockSender(t *testing.T) {
	p, acts := newTestProcessor()

	if err := p.AddRule(&Rule{Name: "nuisance", Pattern: "unsubscribe-me-not", Action: ActionBlockSender, Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	from := "+15550001111"
	outcome, err := p.ProcessInbound(inboundMsg(from, "+15552223333", "unsubscribe-me-not"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeSenderBlocked {
		t.Fatalf("Action = %s, want %s", outcome.Action, OutcomeSenderBlocked)
	}
	if !p.Blocked(from) {
		t.Fatal("sender not blocked after block_sender rule")
	}

	// Everything else from the sender is dropped up front.
	outcome, err = p.ProcessInbound(inboundMsg(from, "+15552223333", "hello again"))
	if err != nil {
		t.Fatalf("ProcessInbound(blocked): %v", err)
	}
	if outcome.Action != OutcomeBlocked {
		t.Errorf("Action = %s, want %s", outcome.Action, OutcomeBlocked)
	}
	if got := p.BlockedSenders(); len(got) != 1 || got[0] != from {
		t.Errorf("BlockedSenders = %v, want [%s]", got, from)
	}

	if !p.Unblock(from) {
		t.Fatal("Unblock = false")
	}
	outcome, _ = p.ProcessInbound(inboundMsg(from, "+15552223333", "hello once more"))
	if outcome.Action != OutcomeForwardedAI {
		t.Errorf("Action after unblock = %s, want %s", outcome.Action, OutcomeForwardedAI)
	}
	if len(acts.forwards) != 1 {
		t.Errorf("forwards = %d, want 1", len(acts.forwards))
	}
}

func TestTriggerCall(t *testing.T) {
	p, acts := newTestProcessor()

	if err := p.AddRule(&Rule{Name: "callback", Pattern: "call me", Action: ActionTriggerCall, Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	outcome, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "please call me back"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeCallTriggered {
		t.Fatalf("Action = %s, want %s", outcome.Action, OutcomeCallTriggered)
	}
	if len(acts.calls) != 1 || acts.calls[0] != "+15550001111" {
		t.Errorf("calls = %v, want [+15550001111]", acts.calls)
	}
}

func TestStoreOnly(t *testing.T) {
	p, acts := newTestProcessor()

	if err := p.AddRule(&Rule{Name: "archive", Pattern: "receipt", Action: ActionStoreOnly, Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	outcome, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "your receipt is attached"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeStored {
		t.Errorf("Action = %s, want %s", outcome.Action, OutcomeStored)
	}
	if len(acts.forwards) != 0 || len(acts.replies) != 0 {
		t.Error("store_only rule invoked an action")
	}
}

func TestCustomHandler(t *testing.T) {
	p, _ := newTestProcessor()

	rule := &Rule{Name: "audit", Pattern: "audit", Action: ActionCustom, Handler: "audit-log", Priority: 5, Enabled: true}
	if err := p.AddRule(rule); err == nil {
		t.Fatal("AddRule with unregistered handler succeeded")
	}

	var seen []string
	p.RegisterHandler("audit-log", func(msg *Message, r *Rule) error {
		seen = append(seen, msg.ID)
		return nil
	})
	if err := p.AddRule(rule); err != nil {
		t.Fatalf("AddRule after RegisterHandler: %v", err)
	}

	msg := inboundMsg("+15550001111", "+15552223333", "please audit this")
	outcome, err := p.ProcessInbound(msg)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeCustom {
		t.Errorf("Action = %s, want %s", outcome.Action, OutcomeCustom)
	}
	if len(seen) != 1 || seen[0] != msg.ID {
		t.Errorf("handler saw %v, want [%s]", seen, msg.ID)
	}
}

func TestAddRuleValidation(t *testing.T) {
	p, _ := newTestProcessor()

	cases := []struct {
		name string
		rule *Rule
	}{
		{"missing name", &Rule{Pattern: "x", Action: ActionStoreOnly}},
		{"invalid pattern", &Rule{Name: "bad", Pattern: "(", Action: ActionStoreOnly}},
		{"forward without target", &Rule{Name: "fwd", Pattern: "x", Action: ActionForwardNumber}},
		{"unknown action", &Rule{Name: "odd", Pattern: "x", Action: Action("explode")}},
	}
	for _, c := range cases {
		if err := p.AddRule(c.rule); err == nil {
			t.Errorf("%s: AddRule succeeded", c.name)
		}
	}
}

func TestRuleMatchSender(t *testing.T) {
	p, _ := newTestProcessor()

	if err := p.AddRule(&Rule{
		Name: "vip", Pattern: `^\+1555000`, Action: ActionStoreOnly,
		MatchSender: true, MatchContent: false, Priority: 5, Enabled: true,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	outcome, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "anything at all"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeStored {
		t.Errorf("Action = %s, want sender match to fire", outcome.Action)
	}

	outcome, _ = p.ProcessInbound(inboundMsg("+15559991111", "+15552223333", "anything at all"))
	if outcome.Action != OutcomeForwardedAI {
		t.Errorf("Action = %s, want non-matching sender to fall through", outcome.Action)
	}
}

func TestRuleCaseSensitivity(t *testing.T) {
	handlers := map[string]HandlerFunc{}
	now := time.Now()

	loose := &Rule{Name: "loose", Pattern: "STOP", Action: ActionStoreOnly, Enabled: true}
	if err := loose.compile(handlers); err != nil {
		t.Fatalf("compile(loose): %v", err)
	}
	if !loose.matches(inboundMsg("+15550001111", "+15552223333", "please stop"), now) {
		t.Error("case-insensitive rule missed lowercase body")
	}

	strict := &Rule{Name: "strict", Pattern: "STOP", Action: ActionStoreOnly, CaseSensitive: true, Enabled: true}
	if err := strict.compile(handlers); err != nil {
		t.Fatalf("compile(strict): %v", err)
	}
	if strict.matches(inboundMsg("+15550001111", "+15552223333", "please stop"), now) {
		t.Error("case-sensitive rule matched lowercase body")
	}
}

func TestRuleSenderLists(t *testing.T) {
	handlers := map[string]HandlerFunc{}
	now := time.Now()

	wl := &Rule{
		Name: "wl", Pattern: "hi", Action: ActionStoreOnly, Enabled: true,
		SenderWhitelist: []string{"+15550001111"},
	}
	if err := wl.compile(handlers); err != nil {
		t.Fatalf("compile(wl): %v", err)
	}
	if !wl.matches(inboundMsg("+15550001111", "+15552223333", "hi"), now) {
		t.Error("whitelisted sender did not match")
	}
	if wl.matches(inboundMsg("+15559990000", "+15552223333", "hi"), now) {
		t.Error("non-whitelisted sender matched")
	}

	bl := &Rule{
		Name: "bl", Pattern: "hi", Action: ActionStoreOnly, Enabled: true,
		SenderBlacklist: []string{"+15550001111"},
	}
	if err := bl.compile(handlers); err != nil {
		t.Fatalf("compile(bl): %v", err)
	}
	if bl.matches(inboundMsg("+15550001111", "+15552223333", "hi"), now) {
		t.Error("blacklisted sender matched")
	}
}

func TestRuleDisabled(t *testing.T) {
	p, _ := newTestProcessor()
	if err := p.AddRule(&Rule{Name: "off", Pattern: ".*", Action: ActionStoreOnly, Priority: 50}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	outcome, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hello"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeForwardedAI {
		t.Errorf("Action = %s, disabled rule fired", outcome.Action)
	}
}

func TestTimeWindowContains(t *testing.T) {
	overnight := &TimeWindow{Start: "22:00", End: "06:00"}
	if err := overnight.compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC)
	}
	if !overnight.contains(at(23)) {
		t.Error("23:00 not inside 22:00-06:00")
	}
	if !overnight.contains(at(3)) {
		t.Error("03:00 not inside 22:00-06:00")
	}
	if overnight.contains(at(12)) {
		t.Error("12:00 inside 22:00-06:00")
	}

	// 2026-03-02 is a Monday.
	monday := &TimeWindow{Days: []time.Weekday{time.Monday}}
	if err := monday.compile(); err != nil {
		t.Fatalf("compile(days): %v", err)
	}
	if !monday.contains(at(12)) {
		t.Error("Monday window rejected a Monday")
	}
	if monday.contains(at(12).AddDate(0, 0, 1)) {
		t.Error("Monday window accepted a Tuesday")
	}

	bad := &TimeWindow{Start: "25:99", End: "06:00"}
	if err := bad.compile(); err == nil {
		t.Error("compile accepted invalid clock time")
	}
}

func TestRuleTimeWindowGating(t *testing.T) {
	p, _ := newTestProcessor()
	today := time.Now().Weekday()
	tomorrow := (today + 1) % 7

	if err := p.AddRule(&Rule{
		Name: "not-today", Pattern: "hi", Action: ActionStoreOnly, Priority: 10, Enabled: true,
		Window: &TimeWindow{Days: []time.Weekday{tomorrow}},
	}); err != nil {
		t.Fatalf("AddRule(not-today): %v", err)
	}

	outcome, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hi"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if outcome.Action != OutcomeForwardedAI {
		t.Errorf("Action = %s, out-of-window rule fired", outcome.Action)
	}

	if err := p.AddRule(&Rule{
		Name: "today", Pattern: "hi", Action: ActionStoreOnly, Priority: 20, Enabled: true,
		Window: &TimeWindow{Days: []time.Weekday{today}},
	}); err != nil {
		t.Fatalf("AddRule(today): %v", err)
	}
	outcome, _ = p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hi"))
	if outcome.Action != OutcomeStored || outcome.RuleName != "today" {
		t.Errorf("outcome = %+v, want today rule to fire", outcome)
	}
}

func TestRulesListingAndRemoval(t *testing.T) {
	p, _ := newTestProcessor()
	if err := p.AddRule(&Rule{ID: "r1", Name: "second", Pattern: "x", Action: ActionStoreOnly, Priority: 5, Enabled: true}); err != nil {
		t.Fatalf("AddRule(second): %v", err)
	}
	if err := p.AddRule(&Rule{ID: "r2", Name: "first", Pattern: "x", Action: ActionStoreOnly, Priority: 10, Enabled: true}); err != nil {
		t.Fatalf("AddRule(first): %v", err)
	}

	rules := p.Rules()
	if len(rules) != 2 || rules[0].Name != "first" {
		t.Fatalf("Rules = %+v, want highest priority first", rules)
	}

	if !p.RemoveRule("r1") {
		t.Error("RemoveRule(r1) = false")
	}
	if p.RemoveRule("missing") {
		t.Error("RemoveRule(missing) = true")
	}
	if got := len(p.Rules()); got != 1 {
		t.Errorf("Rules after removal = %d, want 1", got)
	}
}

func TestTemplateFallbacks(t *testing.T) {
	p, _ := newTestProcessor()
	if got := p.Template(""); !strings.Contains(got, "received it") {
		t.Errorf("Template(\"\") = %q, want the confirmation text", got)
	}
	if got := p.Template("no-such"); got != "Thank you for your message." {
		t.Errorf("Template(no-such) = %q", got)
	}
	p.AddTemplate("custom", "custom text")
	if got := p.Template("custom"); got != "custom text" {
		t.Errorf("Template(custom) = %q", got)
	}
}

func TestSetSpamPatternsValidation(t *testing.T) {
	p, _ := newTestProcessor()
	if err := p.SetSpamPatterns([]string{"("}); err == nil {
		t.Error("SetSpamPatterns accepted an invalid pattern")
	}
	if err := p.SetSpamPatterns([]string{`(?i)\bpyramid\b`}); err != nil {
		t.Errorf("SetSpamPatterns: %v", err)
	}
}

func TestForwardErrorSurfaces(t *testing.T) {
	p, acts := newTestProcessor()
	acts.forwardErr = fmt.Errorf("backend down")

	if _, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hello")); err == nil {
		t.Fatal("ProcessInbound swallowed the forward error")
	}
}

func TestSweepConversations(t *testing.T) {
	p, _ := newTestProcessor()
	if _, err := p.ProcessInbound(inboundMsg("+15550001111", "+15552223333", "hello")); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	p.mu.Lock()
	for _, c := range p.convs {
		c.LastMessage = time.Now().Add(-25 * time.Hour)
	}
	p.mu.Unlock()

	if got := p.SweepConversations(); got != 1 {
		t.Fatalf("SweepConversations = %d, want 1", got)
	}
	if got := len(p.Conversations()); got != 0 {
		t.Errorf("Conversations after sweep = %d, want 0", got)
	}
}
