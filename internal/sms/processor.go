package sms

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Action names the disposition a rule applies to a matched message.
type Action string

const (
	ActionForwardAI     Action = "forward_to_ai"
	ActionAutoReply     Action = "auto_reply"
	ActionForwardNumber Action = "forward_to_number"
	ActionBlockSender   Action = "block_sender"
	ActionTriggerCall   Action = "trigger_call"
	ActionStoreOnly     Action = "store_only"
	ActionCustom        Action = "custom"
)

// Outcome action labels reported by ProcessInbound.
const (
	OutcomeForwardedAI   = "forwarded_to_ai"
	OutcomeAutoReply     = "auto_reply_sent"
	OutcomeForwarded     = "forwarded_to_number"
	OutcomeSenderBlocked = "sender_blocked"
	OutcomeBlocked       = "blocked"
	OutcomeCallTriggered = "call_triggered"
	OutcomeStored        = "stored"
	OutcomeCustom        = "custom"
	OutcomeSpamBlocked   = "spam_blocked"
)

// defaultConversationTTL is how long an idle conversation is tracked.
const defaultConversationTTL = 24 * time.Hour

// TimeWindow restricts a rule to a daily interval and optional set of
// weekdays. A start after the end wraps past midnight.
type TimeWindow struct {
	Start string         `json:"start,omitempty"` // "HH:MM"
	End   string         `json:"end,omitempty"`
	Days  []time.Weekday `json:"days,omitempty"`

	startMin, endMin int
	days             map[time.Weekday]bool
}

func (w *TimeWindow) compile() error {
	if w.Start != "" || w.End != "" {
		var err error
		if w.startMin, err = parseWindowClock(w.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if w.endMin, err = parseWindowClock(w.End); err != nil {
			return fmt.Errorf("end: %w", err)
		}
	} else {
		w.startMin, w.endMin = 0, 24*60-1
	}
	if len(w.Days) > 0 {
		w.days = make(map[time.Weekday]bool, len(w.Days))
		for _, d := range w.Days {
			w.days[d] = true
		}
	}
	return nil
}

func (w *TimeWindow) contains(now time.Time) bool {
	if w.days != nil && !w.days[now.Weekday()] {
		return false
	}
	min := now.Hour()*60 + now.Minute()
	if w.startMin <= w.endMin {
		return min >= w.startMin && min <= w.endMin
	}
	// Overnight window, e.g. 22:00 to 06:00.
	return min >= w.startMin || min <= w.endMin
}

func parseWindowClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Rule matches inbound messages and names the action applied to them.
// Rules are evaluated in descending priority; the first match wins.
type Rule struct {
	ID       string `json:"rule_id"`
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`

	// MatchContent and MatchSender choose what the pattern runs
	// against. Content matching is the default.
	MatchContent  bool `json:"match_content"`
	MatchSender   bool `json:"match_sender"`
	CaseSensitive bool `json:"case_sensitive"`

	ReplyTemplate string         `json:"reply_template,omitempty"`
	ForwardTo     string         `json:"forward_to,omitempty"`
	AIContext     map[string]any `json:"ai_context,omitempty"`
	Handler       string         `json:"handler,omitempty"`

	Window          *TimeWindow `json:"window,omitempty"`
	SenderWhitelist []string    `json:"sender_whitelist,omitempty"`
	SenderBlacklist []string    `json:"sender_blacklist,omitempty"`

	re *regexp.Regexp
}

func (r *Rule) compile(handlers map[string]HandlerFunc) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.MatchContent && !r.MatchSender {
		r.MatchContent = true
	}
	pattern := r.Pattern
	if !r.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("rule %s: invalid pattern %q: %w", r.Name, r.Pattern, err)
	}
	r.re = re
	switch r.Action {
	case ActionForwardAI, ActionAutoReply, ActionBlockSender, ActionTriggerCall, ActionStoreOnly:
	case ActionForwardNumber:
		if r.ForwardTo == "" {
			return fmt.Errorf("rule %s: forward_to_number requires a target", r.Name)
		}
	case ActionCustom:
		if _, ok := handlers[r.Handler]; !ok {
			return fmt.Errorf("rule %s: unknown handler %q", r.Name, r.Handler)
		}
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	return nil
}

// matches checks pattern and conditions against one message.
func (r *Rule) matches(msg *Message, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if len(r.SenderWhitelist) > 0 && !containsString(r.SenderWhitelist, msg.From) {
		return false
	}
	if containsString(r.SenderBlacklist, msg.From) {
		return false
	}
	if r.Window != nil && !r.Window.contains(now) {
		return false
	}
	if r.MatchContent && r.re.MatchString(msg.Body) {
		return true
	}
	if r.MatchSender && r.re.MatchString(msg.From) {
		return true
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// HandlerFunc is a named custom rule action. Names resolve at rule
// load, so a typo fails configuration instead of dispatch.
type HandlerFunc func(msg *Message, rule *Rule) error

// Conversation tracks an exchange between two numbers.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Participants []string  `json:"participants"`
	LastMessage  time.Time `json:"last_message"`
	Messages     int       `json:"messages"`
	AISessionID  string    `json:"ai_session_id,omitempty"`
}

// ConversationID derives the stable conversation key for a number
// pair. Both directions of the same exchange share one key.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "sms_" + a + "-" + b
}

// Outcome reports what processing did with an inbound message.
type Outcome struct {
	Action    string  `json:"action"`
	RuleName  string  `json:"rule,omitempty"`
	SpamScore float64 `json:"spam_score,omitempty"`
	Target    string  `json:"target,omitempty"`
	ReplyID   string  `json:"reply_id,omitempty"`
}

// Actions is the narrow surface rule execution needs from the owning
// manager.
type Actions interface {
	// ForwardToAI ships an inbound message to the conversation
	// backend.
	ForwardToAI(msg *Message, conv Conversation, attrs map[string]any) error
	// Reply sends an outbound message and returns its id.
	Reply(from, to, body string) (string, error)
	// TriggerCall asks the call plane to originate a callback.
	TriggerCall(number string) error
}

// ProcessorStats is a point-in-time snapshot of processor counters.
type ProcessorStats struct {
	Processed     uint64 `json:"processed"`
	ForwardedAI   uint64 `json:"forwarded_to_ai"`
	AutoReplied   uint64 `json:"auto_replied"`
	SpamBlocked   uint64 `json:"spam_blocked"`
	RuleMatches   uint64 `json:"rule_matches"`
	Conversations int    `json:"conversations"`
	Rules         int    `json:"rules"`
	BlockedCount  int    `json:"blocked_senders"`
}

// Processor applies spam scoring and priority-ordered rules to
// inbound messages, tracking conversations along the way. Unmatched
// messages forward to the AI backend.
type Processor struct {
	logger *slog.Logger
	acts   Actions

	mu        sync.Mutex
	rules     []*Rule
	templates map[string]string
	handlers  map[string]HandlerFunc
	convs     map[string]*Conversation
	blocked   map[string]bool

	spamPatterns  []*regexp.Regexp
	spamThreshold float64
	convTTL       time.Duration

	processed, forwarded, replied, spamHits, ruleHits uint64
}

// NewProcessor creates a processor with the stock templates and spam
// patterns loaded.
func NewProcessor(acts Actions, logger *slog.Logger) *Processor {
	p := &Processor{
		logger:        logger.With("component", "sms_processor"),
		acts:          acts,
		templates:     make(map[string]string),
		handlers:      make(map[string]HandlerFunc),
		convs:         make(map[string]*Conversation),
		blocked:       make(map[string]bool),
		spamThreshold: 0.8,
		convTTL:       defaultConversationTTL,
	}
	for name, text := range defaultTemplates {
		p.templates[name] = text
	}
	for _, pattern := range defaultSpamPatterns {
		p.spamPatterns = append(p.spamPatterns, regexp.MustCompile(pattern))
	}
	return p
}

var defaultTemplates = map[string]string{
	"business_hours": "Thank you for your message. Our business hours are 9 AM - 5 PM, Monday-Friday. We'll respond during our next business day.",
	"out_of_office":  "This is an automated response. We're currently out of office and will respond when we return.",
	"confirmation":   "Thank you for your message. We have received it and will respond shortly.",
	"error":          "We're sorry, but we couldn't process your message. Please try again or contact support.",
}

var defaultSpamPatterns = []string{
	`(?i)\b(viagra|cialis|pharmacy)\b`,
	`(?i)\b(free\s+money|cash\s+now|earn\s+\$)\b`,
	`(?i)\b(click\s+here|visit\s+now)\b`,
	`(?i)\b(congratulations.*won|winner|prize)\b`,
	`(?i)\b(urgent|limited\s+time|act\s+now)\b`,
}

var (
	repeatPunct = regexp.MustCompile(`!{2,}`)
	capsRun     = regexp.MustCompile(`[A-Z]{3,}`)
	urlRef      = regexp.MustCompile(`https?://\S+`)
	phoneRef    = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
)

// AddRule compiles and registers a rule. Custom handler names must
// already be registered.
func (p *Processor) AddRule(r *Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := r.compile(p.handlers); err != nil {
		return err
	}
	p.rules = append(p.rules, r)
	sort.SliceStable(p.rules, func(i, j int) bool {
		return p.rules[i].Priority > p.rules[j].Priority
	})
	p.logger.Info("sms rule added", "rule", r.Name, "action", r.Action, "priority", r.Priority)
	return nil
}

// RemoveRule drops a rule by id.
func (p *Processor) RemoveRule(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.rules {
		if r.ID == id {
			p.rules = append(p.rules[:i], p.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the registered rules in evaluation order.
func (p *Processor) Rules() []Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, *r)
	}
	return out
}

// RegisterHandler installs a named handler for custom rules.
func (p *Processor) RegisterHandler(name string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = fn
}

// AddTemplate installs an auto-reply template.
func (p *Processor) AddTemplate(name, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates[name] = text
}

// RemoveTemplate drops a named template. Stock templates removed this
// way fall back to the generic acknowledgement.
func (p *Processor) RemoveTemplate(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.templates[name]; !ok {
		return false
	}
	delete(p.templates, name)
	return true
}

// Template resolves a template name. An empty name means the stock
// confirmation; unknown names fall back to a generic acknowledgement.
func (p *Processor) Template(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		name = "confirmation"
	}
	if text, ok := p.templates[name]; ok {
		return text
	}
	return "Thank you for your message."
}

// SetSpamPatterns replaces the spam pattern set.
func (p *Processor) SetSpamPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid spam pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	p.mu.Lock()
	p.spamPatterns = compiled
	p.mu.Unlock()
	return nil
}

// SetSpamThreshold adjusts the score above which messages are dropped.
func (p *Processor) SetSpamThreshold(v float64) {
	p.mu.Lock()
	p.spamThreshold = v
	p.mu.Unlock()
}

// Block bars a sender, the same way a block_sender rule does. Used by
// provisioning and the management API.
func (p *Processor) Block(number string) {
	p.mu.Lock()
	p.blocked[number] = true
	p.mu.Unlock()
}

// Blocked reports whether a sender has been blocked by a rule.
func (p *Processor) Blocked(number string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked[number]
}

// Unblock lifts a sender block.
func (p *Processor) Unblock(number string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.blocked[number] {
		return false
	}
	delete(p.blocked, number)
	return true
}

// BlockedSenders lists blocked numbers.
func (p *Processor) BlockedSenders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.blocked))
	for number := range p.blocked {
		out = append(out, number)
	}
	sort.Strings(out)
	return out
}

// ProcessInbound runs the full inbound pipeline: blocked-sender check,
// conversation tracking, spam scoring, then rules. Messages matching
// no rule forward to the AI backend.
func (p *Processor) ProcessInbound(msg *Message) (Outcome, error) {
	now := time.Now()

	p.mu.Lock()
	p.processed++
	if p.blocked[msg.From] {
		p.mu.Unlock()
		p.logger.Debug("dropping message from blocked sender", "message_id", msg.ID, "from", msg.From)
		return Outcome{Action: OutcomeBlocked, Target: msg.From}, nil
	}
	conv := p.trackConversationLocked(msg)
	score := spamScore(p.spamPatterns, msg.Body)
	if score > p.spamThreshold {
		p.spamHits++
		p.mu.Unlock()
		p.logger.Warn("spam blocked", "message_id", msg.ID, "from", msg.From, "score", score)
		return Outcome{Action: OutcomeSpamBlocked, SpamScore: score}, nil
	}
	var matched *Rule
	for _, r := range p.rules {
		if r.matches(msg, now) {
			matched = r
			break
		}
	}
	if matched != nil {
		p.ruleHits++
	}
	p.mu.Unlock()

	if matched == nil {
		return p.forwardToAI(msg, conv, nil, "")
	}
	p.logger.Info("sms rule matched", "message_id", msg.ID, "rule", matched.Name, "action", matched.Action)
	return p.execute(matched, msg, conv)
}

// ProcessOutbound tracks the conversation for a message leaving the
// system.
func (p *Processor) ProcessOutbound(msg *Message) {
	p.mu.Lock()
	p.trackConversationLocked(msg)
	p.mu.Unlock()
}

// Conversations lists tracked conversations.
func (p *Processor) Conversations() []Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Conversation, 0, len(p.convs))
	for _, c := range p.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessage.After(out[j].LastMessage) })
	return out
}

// SweepConversations drops conversations idle past the TTL and returns
// how many were removed.
func (p *Processor) SweepConversations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.convTTL)
	removed := 0
	for id, c := range p.convs {
		if c.LastMessage.Before(cutoff) {
			delete(p.convs, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("expired sms conversations removed", "count", removed)
	}
	return removed
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessorStats{
		Processed:     p.processed,
		ForwardedAI:   p.forwarded,
		AutoReplied:   p.replied,
		SpamBlocked:   p.spamHits,
		RuleMatches:   p.ruleHits,
		Conversations: len(p.convs),
		Rules:         len(p.rules),
		BlockedCount:  len(p.blocked),
	}
}

// trackConversationLocked updates the conversation for a message and
// returns a copy safe to use outside the lock. Caller holds p.mu.
func (p *Processor) trackConversationLocked(msg *Message) Conversation {
	id := ConversationID(msg.From, msg.To)
	c, ok := p.convs[id]
	if !ok {
		a, b := msg.From, msg.To
		if b < a {
			a, b = b, a
		}
		c = &Conversation{ID: id, Participants: []string{a, b}}
		p.convs[id] = c
	}
	c.Messages++
	c.LastMessage = msg.CreatedAt
	msg.ConversationID = id
	return *c
}

// execute runs a matched rule's action. Rule state reads happened
// under the lock already; action calls run without it so the manager
// can call back in.
func (p *Processor) execute(rule *Rule, msg *Message, conv Conversation) (Outcome, error) {
	switch rule.Action {
	case ActionForwardAI:
		return p.forwardToAI(msg, conv, rule.AIContext, rule.Name)

	case ActionAutoReply:
		body := p.Template(rule.ReplyTemplate)
		id, err := p.acts.Reply(msg.To, msg.From, body)
		if err != nil {
			return Outcome{}, fmt.Errorf("auto reply: %w", err)
		}
		p.mu.Lock()
		p.replied++
		p.mu.Unlock()
		return Outcome{Action: OutcomeAutoReply, RuleName: rule.Name, ReplyID: id}, nil

	case ActionForwardNumber:
		body := fmt.Sprintf("Forwarded from %s: %s", msg.From, msg.Body)
		id, err := p.acts.Reply(msg.To, rule.ForwardTo, body)
		if err != nil {
			return Outcome{}, fmt.Errorf("forwarding to %s: %w", rule.ForwardTo, err)
		}
		return Outcome{Action: OutcomeForwarded, RuleName: rule.Name, Target: rule.ForwardTo, ReplyID: id}, nil

	case ActionBlockSender:
		p.mu.Lock()
		p.blocked[msg.From] = true
		p.mu.Unlock()
		p.logger.Info("sender blocked", "from", msg.From, "rule", rule.Name)
		return Outcome{Action: OutcomeSenderBlocked, RuleName: rule.Name, Target: msg.From}, nil

	case ActionTriggerCall:
		if err := p.acts.TriggerCall(msg.From); err != nil {
			return Outcome{}, fmt.Errorf("triggering call: %w", err)
		}
		return Outcome{Action: OutcomeCallTriggered, RuleName: rule.Name, Target: msg.From}, nil

	case ActionStoreOnly:
		return Outcome{Action: OutcomeStored, RuleName: rule.Name}, nil

	case ActionCustom:
		p.mu.Lock()
		fn := p.handlers[rule.Handler]
		p.mu.Unlock()
		if fn == nil {
			return Outcome{}, fmt.Errorf("handler %q not registered", rule.Handler)
		}
		if err := fn(msg, rule); err != nil {
			return Outcome{}, fmt.Errorf("handler %s: %w", rule.Handler, err)
		}
		return Outcome{Action: OutcomeCustom, RuleName: rule.Name}, nil
	}
	return Outcome{}, fmt.Errorf("unknown action %q", rule.Action)
}

func (p *Processor) forwardToAI(msg *Message, conv Conversation, attrs map[string]any, ruleName string) (Outcome, error) {
	if err := p.acts.ForwardToAI(msg, conv, attrs); err != nil {
		return Outcome{}, fmt.Errorf("forwarding to ai: %w", err)
	}
	p.mu.Lock()
	p.forwarded++
	if c, ok := p.convs[conv.ID]; ok {
		c.AISessionID = conv.ID
	}
	p.mu.Unlock()
	return Outcome{Action: OutcomeForwardedAI, RuleName: ruleName}, nil
}

// spamScore weighs pattern hits against message shape heuristics.
// Pattern hits carry 60% of the score; punctuation runs, shouting,
// URLs and multiple phone numbers add 10% each.
func spamScore(patterns []*regexp.Regexp, body string) float64 {
	score := 0.0
	if len(patterns) > 0 {
		hits := 0
		for _, re := range patterns {
			if re.MatchString(body) {
				hits++
			}
		}
		score = float64(hits) / float64(len(patterns)) * 0.6
	}
	if repeatPunct.MatchString(body) {
		score += 0.1
	}
	if capsRun.MatchString(body) {
		score += 0.1
	}
	if urlRef.MatchString(body) {
		score += 0.1
	}
	if len(phoneRef.FindAllString(body, -1)) > 1 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}
