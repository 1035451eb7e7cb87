package dtmf

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Action names the operation a matched pattern performs.
type Action string

const (
	ActionForwardToAI     Action = "forward_to_ai"
	ActionTransferCall    Action = "transfer_call"
	ActionPlayAudio       Action = "play_audio"
	ActionHangupCall      Action = "hangup_call"
	ActionToggleRecording Action = "toggle_recording"
	ActionEnterIVR        Action = "enter_ivr"
	ActionCustomHandler   Action = "custom_handler"
)

// Actions is the narrow capability surface the processor drives when a
// pattern matches. The call manager implements it; the processor never
// holds session state itself.
type Actions interface {
	ForwardSequence(callID, sequence, pattern string, duration time.Duration, context map[string]any) error
	ForwardDigit(ev Event) error
	TransferCall(callID, target string) error
	PlayAudio(callID, ref string) error
	HangupCall(callID, reason string) error
	ToggleRecording(callID string) error
	EnterIVR(callID, menuID string) error
}

// CustomHandler is a preregistered implementation a pattern can invoke by
// name. Unknown names fail at pattern registration, not at dispatch.
type CustomHandler func(callID, sequence string, p Pattern) error

// Pattern maps a regex over the per-call digit sequence to an action. The
// regex is anchored at the sequence start, so patterns match prefixes
// unless they end with $.
type Pattern struct {
	Pattern     string
	Action      Action
	Description string

	// Action parameters.
	TransferTarget string
	AudioFile      string
	IVRMenuID      string
	CustomHandler  string
	AIContext      map[string]any

	re *regexp.Regexp
}

type sequence struct {
	digits    string
	start     time.Time
	lastDigit time.Time
	events    int
}

const (
	defaultSequenceTimeout = 5 * time.Second
	maxSequenceLength      = 20
	sweepInterval          = 30 * time.Second
)

// Processor accumulates digits per call and triggers pattern actions.
// Digits that complete no pattern are forwarded to the AI individually.
type Processor struct {
	actions Actions
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	patterns  []Pattern
	sequences map[string]*sequence
	handlers  map[string]CustomHandler
	stats     ProcessorStats
}

// ProcessorStats counts processor activity.
type ProcessorStats struct {
	TotalSequences  uint64
	ActiveSequences int
	MatchedPatterns uint64
	ForwardedToAI   uint64
	Patterns        int
}

// NewProcessor creates a processor dispatching to the given actions.
// A non-positive timeout falls back to 5 s of digit inactivity.
func NewProcessor(actions Actions, timeout time.Duration, logger *slog.Logger) *Processor {
	if timeout <= 0 {
		timeout = defaultSequenceTimeout
	}
	return &Processor{
		actions:   actions,
		logger:    logger.With("component", "dtmf_processor"),
		timeout:   timeout,
		sequences: make(map[string]*sequence),
		handlers:  make(map[string]CustomHandler),
	}
}

// RegisterHandler installs a named custom handler. Patterns referencing
// the name can then be added.
func (p *Processor) RegisterHandler(name string, h CustomHandler) {
	p.mu.Lock()
	p.handlers[name] = h
	p.mu.Unlock()
	p.logger.Info("custom dtmf handler registered", "name", name)
}

// AddPattern validates and registers a pattern. Patterns are kept sorted
// by descending pattern length so the most specific match wins.
func (p *Processor) AddPattern(pat Pattern) error {
	re, err := regexp.Compile("^(?:" + pat.Pattern + ")")
	if err != nil {
		return fmt.Errorf("invalid dtmf pattern %q: %w", pat.Pattern, err)
	}
	pat.re = re

	if pat.Action == ActionCustomHandler {
		p.mu.Lock()
		_, known := p.handlers[pat.CustomHandler]
		p.mu.Unlock()
		if !known {
			return fmt.Errorf("dtmf pattern %q references unknown handler %q", pat.Pattern, pat.CustomHandler)
		}
	}

	p.mu.Lock()
	p.patterns = append(p.patterns, pat)
	sort.SliceStable(p.patterns, func(i, j int) bool {
		return len(p.patterns[i].Pattern) > len(p.patterns[j].Pattern)
	})
	p.mu.Unlock()

	p.logger.Info("dtmf pattern added", "pattern", pat.Pattern, "action", pat.Action)
	return nil
}

// RemovePattern drops the first pattern with the given regex source.
func (p *Processor) RemovePattern(pattern string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.patterns {
		if p.patterns[i].Pattern == pattern {
			p.patterns = append(p.patterns[:i], p.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Patterns returns a snapshot of the registered patterns.
func (p *Processor) Patterns() []Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pattern, len(p.patterns))
	copy(out, p.patterns)
	return out
}

// HandleEvent appends the event's digit to the call's sequence and either
// fires the first matching pattern (clearing the sequence) or forwards the
// digit to the AI. Oversized sequences are cleared.
func (p *Processor) HandleEvent(ev Event) {
	p.mu.Lock()
	seq := p.sequences[ev.CallID]
	if seq == nil {
		seq = &sequence{start: ev.Time}
		p.sequences[ev.CallID] = seq
		p.stats.TotalSequences++
	}
	seq.digits += ev.Digit
	seq.lastDigit = ev.Time
	seq.events++
	digits := seq.digits
	duration := seq.lastDigit.Sub(seq.start)

	var matched *Pattern
	for i := range p.patterns {
		if p.patterns[i].re.MatchString(digits) {
			matched = &p.patterns[i]
			break
		}
	}

	if matched != nil {
		pat := *matched
		delete(p.sequences, ev.CallID)
		p.stats.MatchedPatterns++
		p.mu.Unlock()

		p.logger.Info("dtmf pattern matched",
			"call_id", ev.CallID,
			"pattern", pat.Pattern,
			"sequence", digits,
			"action", pat.Action,
		)
		if err := p.execute(ev.CallID, digits, duration, pat); err != nil {
			p.logger.Error("dtmf action failed",
				"call_id", ev.CallID,
				"action", pat.Action,
				"error", err,
			)
		}
		return
	}

	if len(digits) >= maxSequenceLength {
		p.logger.Warn("dtmf sequence too long, clearing", "call_id", ev.CallID)
		delete(p.sequences, ev.CallID)
	}
	p.mu.Unlock()

	// No pattern completed: the digit itself still goes to the AI.
	if err := p.actions.ForwardDigit(ev); err != nil {
		p.logger.Debug("dtmf digit forward failed", "call_id", ev.CallID, "error", err)
		return
	}
	p.mu.Lock()
	p.stats.ForwardedToAI++
	p.mu.Unlock()
}

func (p *Processor) execute(callID, digits string, duration time.Duration, pat Pattern) error {
	switch pat.Action {
	case ActionForwardToAI:
		return p.actions.ForwardSequence(callID, digits, pat.Pattern, duration, pat.AIContext)
	case ActionTransferCall:
		return p.actions.TransferCall(callID, pat.TransferTarget)
	case ActionPlayAudio:
		return p.actions.PlayAudio(callID, pat.AudioFile)
	case ActionHangupCall:
		return p.actions.HangupCall(callID, "dtmf_hangup")
	case ActionToggleRecording:
		return p.actions.ToggleRecording(callID)
	case ActionEnterIVR:
		return p.actions.EnterIVR(callID, pat.IVRMenuID)
	case ActionCustomHandler:
		p.mu.Lock()
		h := p.handlers[pat.CustomHandler]
		p.mu.Unlock()
		if h == nil {
			return fmt.Errorf("custom handler %q not registered", pat.CustomHandler)
		}
		return h(callID, digits, pat)
	default:
		return fmt.Errorf("unknown dtmf action %q", pat.Action)
	}
}

// Sequence returns the call's pending digit string, for inspection.
func (p *Processor) Sequence(callID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq := p.sequences[callID]; seq != nil {
		return seq.digits
	}
	return ""
}

// ClearCall drops the call's pending sequence.
func (p *Processor) ClearCall(callID string) {
	p.mu.Lock()
	delete(p.sequences, callID)
	p.mu.Unlock()
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.ActiveSequences = len(p.sequences)
	s.Patterns = len(p.patterns)
	return s
}

// Run sweeps expired sequences until the context is canceled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep clears sequences whose last digit is older than the timeout.
func (p *Processor) sweep() {
	cutoff := time.Now().Add(-p.timeout)

	p.mu.Lock()
	var expired []string
	for callID, seq := range p.sequences {
		if seq.lastDigit.Before(cutoff) {
			expired = append(expired, callID)
			delete(p.sequences, callID)
		}
	}
	p.mu.Unlock()

	for _, callID := range expired {
		p.logger.Debug("expired dtmf sequence cleared", "call_id", callID)
	}
}
