// Package ivr implements a DTMF-driven menu engine. Menus form a graph
// navigated with a per-session stack; digits arriving from the DTMF bus
// select menu items whose actions run through a narrow capability
// interface back to the call manager.
package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Action names for menu items.
const (
	ActionTransfer     = "transfer_call"
	ActionHangup       = "hangup_call"
	ActionPlayPrompt   = "play_prompt"
	ActionGotoMenu     = "goto_menu"
	ActionRepeatMenu   = "repeat_menu"
	ActionPreviousMenu = "previous_menu"
	ActionForwardToAI  = "forward_to_ai"
	ActionCollectInput = "collect_input"
	ActionCustom       = "custom_handler"
)

// Session end reasons.
const (
	EndTransfer       = "transfer"
	EndHangup         = "hangup"
	EndForwardToAI    = "forward_to_ai"
	EndMaxRetries     = "max_retries"
	EndFailedToStart  = "failed_to_start"
	EndSessionTimeout = "session_timeout"
	EndStopped        = "stopped"
)

const (
	defaultMenuTimeout    = 10 * time.Second
	defaultMaxRetries     = 3
	defaultSessionTimeout = 300 * time.Second
	defaultCollectMax     = 16
	sweepInterval         = 60 * time.Second
)

// Actions is the capability surface the engine needs from the call
// manager. Sessions hold call IDs only, never call state.
type Actions interface {
	// PlayPrompt starts prompt playback for a call. A missing prompt is
	// reported as an error; the engine logs and continues.
	PlayPrompt(callID, ref string) error
	// StopPrompt interrupts any in-flight prompt for a call.
	StopPrompt(callID string)
	TransferCall(callID, target string) error
	HangupCall(callID, reason string) error
	// ForwardToAI hands menu context or collected input to the AI session.
	ForwardToAI(callID string, payload map[string]any) error
}

// CustomHandler is a preregistered named action implementation.
type CustomHandler func(callID string, item Item) error

// Item is one selectable entry in a menu.
type Item struct {
	Digit       string
	Action      string
	Description string

	Target     string         // transfer_call
	PromptRef  string         // play_prompt, collect_input preamble
	MenuID     string         // goto_menu
	Handler    string         // custom_handler name
	AIContext  map[string]any // forward_to_ai
	MaxDigits  int            // collect_input
	Terminator string         // collect_input, default "#"
}

// Menu is one node in the menu graph.
type Menu struct {
	ID            string
	Name          string
	WelcomePrompt string
	InvalidPrompt string
	TimeoutPrompt string

	Timeout    time.Duration // input deadline, default 10s
	MaxRetries int           // invalid/timeout attempts, default 3

	// TimeoutAction, when set, runs instead of ending the session once
	// MaxRetries is exhausted.
	TimeoutAction *Item

	// Interruptible prompts are stopped as soon as a digit arrives.
	Interruptible bool

	Items map[string]Item // keyed by digit
}

// collectState tracks an in-progress collect_input action.
type collectState struct {
	item   Item
	digits []byte
}

// session is the per-call navigation state.
type session struct {
	callID     string
	menu       *Menu
	stack      []*Menu
	retryCount int
	started    time.Time
	lastInput  time.Time
	timer      *time.Timer
	timerGen   int
	collecting *collectState
}

// Stats is a snapshot of engine counters.
type Stats struct {
	ActiveSessions  int
	Menus           int
	SessionsStarted uint64
	SessionsEnded   uint64
	InvalidInputs   uint64
	Timeouts        uint64
	SweptSessions   uint64
}

// Engine runs IVR sessions over a registered menu graph.
type Engine struct {
	actions        Actions
	logger         *slog.Logger
	sessionTimeout time.Duration

	// onEnd, when set, is invoked after a session ends with its reason.
	onEnd func(callID, reason string)

	mu       sync.Mutex
	menus    map[string]*Menu
	handlers map[string]CustomHandler
	sessions map[string]*session

	started uint64
	ended   uint64
	invalid uint64
	timeout uint64
	swept   uint64
}

// NewEngine creates an IVR engine. sessionTimeout bounds total session
// lifetime; zero selects the 300s default.
func NewEngine(actions Actions, sessionTimeout time.Duration, logger *slog.Logger) *Engine {
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	return &Engine{
		actions:        actions,
		logger:         logger.With("component", "ivr"),
		sessionTimeout: sessionTimeout,
		menus:          make(map[string]*Menu),
		handlers:       make(map[string]CustomHandler),
		sessions:       make(map[string]*session),
	}
}

// OnSessionEnd registers a callback run after each session ends.
func (e *Engine) OnSessionEnd(fn func(callID, reason string)) {
	e.mu.Lock()
	e.onEnd = fn
	e.mu.Unlock()
}

// RegisterHandler adds a named custom action implementation. Menus
// referencing unregistered names are rejected at RegisterMenu.
func (e *Engine) RegisterHandler(name string, h CustomHandler) {
	e.mu.Lock()
	e.handlers[name] = h
	e.mu.Unlock()
}

// RegisterMenu validates and adds a menu to the graph. Items with
// unknown actions or unregistered custom handler names fail here, not
// at dispatch.
func (e *Engine) RegisterMenu(menu Menu) error {
	if menu.ID == "" {
		return fmt.Errorf("menu id is required")
	}
	if menu.Timeout <= 0 {
		menu.Timeout = defaultMenuTimeout
	}
	if menu.MaxRetries <= 0 {
		menu.MaxRetries = defaultMaxRetries
	}
	if menu.Items == nil {
		menu.Items = make(map[string]Item)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for digit, item := range menu.Items {
		if err := e.validateItemLocked(item); err != nil {
			return fmt.Errorf("menu %q item %q: %w", menu.ID, digit, err)
		}
	}
	if menu.TimeoutAction != nil {
		if err := e.validateItemLocked(*menu.TimeoutAction); err != nil {
			return fmt.Errorf("menu %q timeout action: %w", menu.ID, err)
		}
	}

	m := menu
	e.menus[menu.ID] = &m
	e.logger.Info("registered ivr menu", "menu_id", menu.ID, "items", len(menu.Items))
	return nil
}

func (e *Engine) validateItemLocked(item Item) error {
	switch item.Action {
	case ActionTransfer:
		if item.Target == "" {
			return fmt.Errorf("transfer_call requires a target")
		}
	case ActionGotoMenu:
		if item.MenuID == "" {
			return fmt.Errorf("goto_menu requires a menu id")
		}
	case ActionCustom:
		if _, ok := e.handlers[item.Handler]; !ok {
			return fmt.Errorf("unknown custom handler %q", item.Handler)
		}
	case ActionHangup, ActionPlayPrompt, ActionRepeatMenu, ActionPreviousMenu,
		ActionForwardToAI, ActionCollectInput:
	default:
		return fmt.Errorf("unknown action %q", item.Action)
	}
	return nil
}

// RemoveMenu drops a menu from the graph.
func (e *Engine) RemoveMenu(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.menus[id]; !ok {
		return false
	}
	delete(e.menus, id)
	return true
}

// MenuIDs returns the registered menu IDs.
func (e *Engine) MenuIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.menus))
	for id := range e.menus {
		ids = append(ids, id)
	}
	return ids
}

// StartSession begins an IVR session for a call at the named menu.
// An existing session for the call is replaced. Unknown menus fail the
// session immediately.
func (e *Engine) StartSession(callID, menuID string) error {
	e.mu.Lock()
	menu, ok := e.menus[menuID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("ivr session failed to start", "call_id", callID, "menu_id", menuID)
		e.notifyEnd(callID, EndFailedToStart)
		return fmt.Errorf("ivr menu %q not found", menuID)
	}

	if old, ok := e.sessions[callID]; ok {
		old.stopTimer()
	}

	now := time.Now()
	s := &session{
		callID:    callID,
		menu:      menu,
		started:   now,
		lastInput: now,
	}
	e.sessions[callID] = s
	e.started++
	e.mu.Unlock()

	e.logger.Info("ivr session started", "call_id", callID, "menu_id", menuID)

	e.playPrompt(callID, menu.WelcomePrompt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[callID]; ok && cur == s {
		e.armTimerLocked(s)
	}
	return nil
}

// Active reports whether a call has a running IVR session.
func (e *Engine) Active(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[callID]
	return ok
}

// CurrentMenu returns the menu ID a call's session is on.
func (e *Engine) CurrentMenu(callID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[callID]
	if !ok {
		return "", false
	}
	return s.menu.ID, true
}

// HandleDigit feeds one DTMF digit into a call's session. Returns false
// when the call has no session.
func (e *Engine) HandleDigit(callID, digit string) bool {
	e.mu.Lock()
	s, ok := e.sessions[callID]
	if !ok {
		e.mu.Unlock()
		return false
	}

	s.lastInput = time.Now()
	s.stopTimer()
	menu := s.menu
	interruptible := menu.Interruptible

	// Collection mode consumes digits until terminator or max length.
	if s.collecting != nil {
		done, digits, item := s.feedCollect(digit)
		if !done {
			e.armTimerLocked(s)
			e.mu.Unlock()
			if interruptible {
				e.actions.StopPrompt(callID)
			}
			return true
		}
		s.collecting = nil
		e.mu.Unlock()

		payload := map[string]any{"collected_input": digits, "menu_id": menu.ID}
		for k, v := range item.AIContext {
			payload[k] = v
		}
		if err := e.actions.ForwardToAI(callID, payload); err != nil {
			e.logger.Warn("forwarding collected input failed", "call_id", callID, "error", err)
		}
		e.endSession(callID, EndForwardToAI)
		return true
	}

	item, found := menu.Items[digit]
	e.mu.Unlock()

	if interruptible {
		e.actions.StopPrompt(callID)
	}

	if !found {
		e.handleInvalid(callID, s, menu)
		return true
	}

	e.logger.Debug("ivr item selected",
		"call_id", callID,
		"menu_id", menu.ID,
		"digit", digit,
		"action", item.Action,
	)
	e.executeItem(callID, s, menu, item)
	return true
}

// feedCollect appends a digit to the collect buffer. Caller holds e.mu.
func (s *session) feedCollect(digit string) (done bool, digits string, item Item) {
	c := s.collecting
	if digit == c.item.Terminator {
		return true, string(c.digits), c.item
	}
	c.digits = append(c.digits, digit...)
	max := c.item.MaxDigits
	if max <= 0 {
		max = defaultCollectMax
	}
	if len(c.digits) >= max {
		return true, string(c.digits), c.item
	}
	return false, "", c.item
}

// executeItem runs a selected menu item's action.
func (e *Engine) executeItem(callID string, s *session, menu *Menu, item Item) {
	switch item.Action {
	case ActionTransfer:
		if err := e.actions.TransferCall(callID, item.Target); err != nil {
			e.logger.Error("ivr transfer failed", "call_id", callID, "target", item.Target, "error", err)
		}
		e.endSession(callID, EndTransfer)

	case ActionHangup:
		if err := e.actions.HangupCall(callID, "ivr_hangup"); err != nil {
			e.logger.Error("ivr hangup failed", "call_id", callID, "error", err)
		}
		e.endSession(callID, EndHangup)

	case ActionForwardToAI:
		payload := map[string]any{"menu_id": menu.ID, "digit": item.Digit}
		for k, v := range item.AIContext {
			payload[k] = v
		}
		if err := e.actions.ForwardToAI(callID, payload); err != nil {
			e.logger.Warn("ivr forward to ai failed", "call_id", callID, "error", err)
		}
		e.endSession(callID, EndForwardToAI)

	case ActionPlayPrompt:
		e.playPrompt(callID, item.PromptRef)
		e.rearm(callID, s)

	case ActionGotoMenu:
		e.mu.Lock()
		next, ok := e.menus[item.MenuID]
		if !ok {
			e.mu.Unlock()
			e.logger.Warn("ivr goto target missing", "call_id", callID, "menu_id", item.MenuID)
			e.endSession(callID, EndFailedToStart)
			return
		}
		s.stack = append(s.stack, s.menu)
		e.enterMenuLocked(s, next)
		e.mu.Unlock()
		e.playPrompt(callID, next.WelcomePrompt)
		e.rearm(callID, s)

	case ActionRepeatMenu:
		e.playPrompt(callID, menu.WelcomePrompt)
		e.rearm(callID, s)

	case ActionPreviousMenu:
		e.mu.Lock()
		target := menu
		if n := len(s.stack); n > 0 {
			target = s.stack[n-1]
			s.stack = s.stack[:n-1]
			e.enterMenuLocked(s, target)
		}
		e.mu.Unlock()
		e.playPrompt(callID, target.WelcomePrompt)
		e.rearm(callID, s)

	case ActionCollectInput:
		it := item
		if it.Terminator == "" {
			it.Terminator = "#"
		}
		e.mu.Lock()
		s.collecting = &collectState{item: it}
		e.mu.Unlock()
		if item.PromptRef != "" {
			e.playPrompt(callID, item.PromptRef)
		}
		e.rearm(callID, s)

	case ActionCustom:
		e.mu.Lock()
		h := e.handlers[item.Handler]
		e.mu.Unlock()
		if h != nil {
			if err := h(callID, item); err != nil {
				e.logger.Error("ivr custom handler failed",
					"call_id", callID,
					"handler", item.Handler,
					"error", err,
				)
			}
		}
		e.rearm(callID, s)
	}
}

// enterMenuLocked switches a session to a new menu, resetting retry and
// collection state. Caller holds e.mu.
func (e *Engine) enterMenuLocked(s *session, menu *Menu) {
	s.menu = menu
	s.retryCount = 0
	s.collecting = nil
}

// handleInvalid processes an unrecognized digit: bump the retry count,
// replay the invalid prompt, and end or fall back once retries are spent.
func (e *Engine) handleInvalid(callID string, s *session, menu *Menu) {
	e.mu.Lock()
	e.invalid++
	s.retryCount++
	exhausted := s.retryCount >= menu.MaxRetries
	e.mu.Unlock()

	if exhausted {
		e.exhaustRetries(callID, s, menu)
		return
	}

	e.playPrompt(callID, menu.InvalidPrompt)
	e.rearm(callID, s)
}

// handleTimeout fires when a session's input deadline passes. Behaves
// like an invalid input with the timeout prompt.
func (e *Engine) handleTimeout(callID string, gen int) {
	e.mu.Lock()
	s, ok := e.sessions[callID]
	if !ok || s.timerGen != gen {
		e.mu.Unlock()
		return
	}
	e.timeout++
	s.retryCount++
	retry := s.retryCount
	menu := s.menu
	exhausted := s.retryCount >= menu.MaxRetries
	e.mu.Unlock()

	e.logger.Debug("ivr input timeout",
		"call_id", callID,
		"menu_id", menu.ID,
		"retry", retry,
	)

	if exhausted {
		e.exhaustRetries(callID, s, menu)
		return
	}

	e.playPrompt(callID, menu.TimeoutPrompt)
	e.rearm(callID, s)
}

// exhaustRetries runs the menu's timeout action when configured,
// otherwise ends the session.
func (e *Engine) exhaustRetries(callID string, s *session, menu *Menu) {
	if menu.TimeoutAction != nil {
		e.mu.Lock()
		s.retryCount = 0
		e.mu.Unlock()
		e.executeItem(callID, s, menu, *menu.TimeoutAction)
		return
	}
	e.endSession(callID, EndMaxRetries)
}

// playPrompt starts playback and logs rather than failing on a missing
// prompt. Empty refs are skipped.
func (e *Engine) playPrompt(callID, ref string) {
	if ref == "" {
		return
	}
	if err := e.actions.PlayPrompt(callID, ref); err != nil {
		e.logger.Warn("ivr prompt unavailable", "call_id", callID, "prompt", ref, "error", err)
	}
}

// rearm resets the input deadline for a session still active.
func (e *Engine) rearm(callID string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[callID]; ok && cur == s {
		e.armTimerLocked(s)
	}
}

// armTimerLocked schedules the menu input timeout. Caller holds e.mu.
func (e *Engine) armTimerLocked(s *session) {
	s.stopTimer()
	s.timerGen++
	gen := s.timerGen
	callID := s.callID
	s.timer = time.AfterFunc(s.menu.Timeout, func() {
		e.handleTimeout(callID, gen)
	})
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// EndSession terminates a call's session. Returns false if none exists.
func (e *Engine) EndSession(callID, reason string) bool {
	return e.endSession(callID, reason)
}

func (e *Engine) endSession(callID, reason string) bool {
	e.mu.Lock()
	s, ok := e.sessions[callID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.sessions, callID)
	s.stopTimer()
	e.ended++
	e.mu.Unlock()

	e.actions.StopPrompt(callID)

	e.logger.Info("ivr session ended",
		"call_id", callID,
		"reason", reason,
		"duration", time.Since(s.started).Round(time.Millisecond).String(),
		"menu_id", s.menu.ID,
	)

	e.notifyEnd(callID, reason)
	return true
}

func (e *Engine) notifyEnd(callID, reason string) {
	e.mu.Lock()
	fn := e.onEnd
	e.mu.Unlock()
	if fn != nil {
		fn(callID, reason)
	}
}

// Run sweeps sessions past the session timeout until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep force-ends sessions whose total lifetime exceeded the session
// timeout.
func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.sessionTimeout)

	e.mu.Lock()
	var expired []string
	for id, s := range e.sessions {
		if s.started.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	e.swept += uint64(len(expired))
	e.mu.Unlock()

	for _, id := range expired {
		e.logger.Warn("ivr session expired", "call_id", id)
		e.endSession(id, EndSessionTimeout)
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveSessions:  len(e.sessions),
		Menus:           len(e.menus),
		SessionsStarted: e.started,
		SessionsEnded:   e.ended,
		InvalidInputs:   e.invalid,
		Timeouts:        e.timeout,
		SweptSessions:   e.swept,
	}
}
