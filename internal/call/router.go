package call

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Routing decision actions.
const (
	DecisionAccept  = "accept"
	DecisionReject  = "reject"
	DecisionQueue   = "queue"
	DecisionForward = "forward"
	DecisionError   = "error"
)

// Rejection reasons surfaced to the signaling plane.
const (
	ReasonBlacklisted     = "caller_blacklisted"
	ReasonNotWhitelisted  = "caller_not_whitelisted"
	ReasonRoutingRule     = "routing_rule"
	ReasonConcurrentLimit = "concurrent_limit_exceeded"
	ReasonNumberLimit     = "number_limit_exceeded"
	ReasonQueueFull       = "queue_full"
)

// Decision is the outcome of admission for one incoming call. The
// manager fills in the session identifiers and queue position before
// handing it back to the signaling plane.
type Decision struct {
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	RuleName string `json:"rule,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Accept fields.
	RingingTimeoutS int `json:"ringing_timeout,omitempty"`

	// Forward fields.
	Target   string `json:"target,omitempty"`
	TimeoutS int    `json:"timeout,omitempty"`

	// Queue fields.
	QueueName      string   `json:"queue_name,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
	Position       int      `json:"position,omitempty"`
	EstimatedWaitS int      `json:"estimated_wait,omitempty"`
}

// TimeRange restricts a rule to a daily window. Start and End are
// "HH:MM"; a window with End before Start wraps past midnight. Days
// holds time.Weekday values; empty means every day.
type TimeRange struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"`

	startMin, endMin int
	days             map[time.Weekday]bool
}

func (tr *TimeRange) compile() error {
	var err error
	if tr.startMin, err = parseClock(tr.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if tr.endMin, err = parseClock(tr.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if len(tr.Days) > 0 {
		tr.days = make(map[time.Weekday]bool, len(tr.Days))
		for _, d := range tr.Days {
			tr.days[d] = true
		}
	}
	return nil
}

func (tr *TimeRange) matches(now time.Time) bool {
	if tr.days != nil && !tr.days[now.Weekday()] {
		return false
	}
	min := now.Hour()*60 + now.Minute()
	if tr.startMin <= tr.endMin {
		return min >= tr.startMin && min <= tr.endMin
	}
	// Overnight window, e.g. 22:00 to 06:00.
	return min >= tr.startMin || min <= tr.endMin
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Rule matches incoming calls by caller/callee pattern and time window
// and yields a routing action. Patterns are anchored regular
// expressions compiled when the rule is added.
type Rule struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`

	CallerPattern string     `json:"caller_pattern,omitempty"`
	CalleePattern string     `json:"callee_pattern,omitempty"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`

	Action string `json:"action"`

	// Forward action.
	Target   string `json:"target,omitempty"`
	TimeoutS int    `json:"timeout,omitempty"`

	// Queue action.
	QueueName     string `json:"queue_name,omitempty"`
	QueuePriority string `json:"queue_priority,omitempty"`

	// Reject action.
	Reason string `json:"reason,omitempty"`

	callerRe *regexp.Regexp
	calleeRe *regexp.Regexp
}

func (r *Rule) compile() error {
	switch r.Action {
	case DecisionForward:
		if r.Target == "" {
			return fmt.Errorf("rule %q: forward requires a target", r.Name)
		}
	case DecisionQueue, DecisionReject, DecisionAccept:
	default:
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	var err error
	if r.CallerPattern != "" {
		if r.callerRe, err = regexp.Compile(r.CallerPattern); err != nil {
			return fmt.Errorf("rule %q: caller pattern: %w", r.Name, err)
		}
	}
	if r.CalleePattern != "" {
		if r.calleeRe, err = regexp.Compile(r.CalleePattern); err != nil {
			return fmt.Errorf("rule %q: callee pattern: %w", r.Name, err)
		}
	}
	if r.TimeRange != nil {
		if err := r.TimeRange.compile(); err != nil {
			return fmt.Errorf("rule %q: time range: %w", r.Name, err)
		}
	}
	return nil
}

func (r *Rule) matches(from, to string, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.callerRe != nil && !r.callerRe.MatchString(from) {
		return false
	}
	if r.calleeRe != nil && !r.calleeRe.MatchString(to) {
		return false
	}
	if r.TimeRange != nil && !r.TimeRange.matches(now) {
		return false
	}
	return true
}

func (r *Rule) decision() Decision {
	d := Decision{Action: r.Action, RuleName: r.Name}
	switch r.Action {
	case DecisionForward:
		d.Target = r.Target
		d.TimeoutS = r.TimeoutS
		if d.TimeoutS <= 0 {
			d.TimeoutS = 30
		}
	case DecisionQueue:
		d.QueueName = r.QueueName
		if d.QueueName == "" {
			d.QueueName = "default"
		}
		d.Priority = ParsePriority(r.QueuePriority)
	case DecisionReject:
		d.Reason = r.Reason
		if d.Reason == "" {
			d.Reason = ReasonRoutingRule
		}
	}
	return d
}

// Router evaluates black/whitelists and routing rules for incoming
// calls. Rules are checked in descending priority; the first match
// wins and an empty table accepts everything.
type Router struct {
	mu        sync.RWMutex
	rules     []*Rule
	blacklist map[string]bool
	whitelist map[string]bool
	logger    *slog.Logger
}

// NewRouter returns a router with empty rule and list tables.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		blacklist: make(map[string]bool),
		whitelist: make(map[string]bool),
		logger:    logger.With("component", "callrouter"),
	}
}

// AddRule validates and compiles the rule. Invalid patterns or actions
// are rejected here so bad configuration fails at load, not mid-call.
func (rt *Router) AddRule(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule requires a name")
	}
	if err := r.compile(); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, old := range rt.rules {
		if old.Name == r.Name {
			rt.rules[i] = &r
			rt.sortLocked()
			return nil
		}
	}
	rt.rules = append(rt.rules, &r)
	rt.sortLocked()
	rt.logger.Info("routing rule added", "rule", r.Name, "action", r.Action, "priority", r.Priority)
	return nil
}

// RemoveRule deletes a rule by name.
func (rt *Router) RemoveRule(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, r := range rt.rules {
		if r.Name == name {
			rt.rules = append(rt.rules[:i], rt.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rule table in evaluation order.
func (rt *Router) Rules() []Rule {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Rule, len(rt.rules))
	for i, r := range rt.rules {
		out[i] = *r
	}
	return out
}

func (rt *Router) sortLocked() {
	sort.SliceStable(rt.rules, func(i, j int) bool {
		return rt.rules[i].Priority > rt.rules[j].Priority
	})
}

// Blacklist adds a number to the block list.
func (rt *Router) Blacklist(number string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.blacklist[normalizeNumber(number)] = true
}

// Unblacklist removes a number from the block list.
func (rt *Router) Unblacklist(number string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.blacklist, normalizeNumber(number))
}

// Whitelist adds a number to the allow list. A non-empty allow list
// rejects every caller not on it.
func (rt *Router) Whitelist(number string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.whitelist[normalizeNumber(number)] = true
}

// Unwhitelist removes a number from the allow list.
func (rt *Router) Unwhitelist(number string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.whitelist, normalizeNumber(number))
}

// Route decides what to do with a call from from to to. List checks
// run before rules; with no matching rule the call is accepted.
func (rt *Router) Route(from, to string) Decision {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	caller := normalizeNumber(from)
	if rt.blacklist[caller] {
		return Decision{Action: DecisionReject, Reason: ReasonBlacklisted}
	}
	if len(rt.whitelist) > 0 && !rt.whitelist[caller] {
		return Decision{Action: DecisionReject, Reason: ReasonNotWhitelisted}
	}

	now := time.Now()
	for _, r := range rt.rules {
		if r.matches(from, to, now) {
			rt.logger.Debug("routing rule matched", "rule", r.Name, "action", r.Action, "from", from, "to", to)
			return r.decision()
		}
	}
	return Decision{Action: DecisionAccept}
}

// normalizeNumber strips separators so list entries match regardless
// of formatting.
func normalizeNumber(n string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, n)
}
