// Package provision loads stored configuration into the live
// registries: routing rules and number lists into the call router,
// digit patterns into the DTMF processor, menus into the IVR engine,
// message rules and templates into the SMS processor, and hold-music
// sources into the MoH manager. The daemon runs LoadAll at boot; the
// management API re-runs the per-aggregate loaders after a write so
// the stored and live views stay aligned. Structured fields are JSON
// text in the store and decode into the runtime types here; a row that
// fails to decode or validate fails the load.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/ivr"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/sms"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// Repos bundles the store repositories the loaders read from.
type Repos struct {
	RoutingRules   store.RoutingRuleRepository
	NumberLists    store.NumberListRepository
	DTMFPatterns   store.DTMFPatternRepository
	IVRMenus       store.IVRMenuRepository
	SMSRules       store.SMSRuleRepository
	SMSTemplates   store.SMSTemplateRepository
	BlockedSenders store.BlockedSenderRepository
	MohSources     store.MohSourceRepository
}

// Registries bundles the live targets the loaders write into.
type Registries struct {
	Router   *call.Router
	Patterns *dtmf.Processor
	Menus    *ivr.Engine
	Messages *sms.Processor
	Music    *moh.Manager
}

// LoadAll runs every loader. The first failure aborts the load; the
// daemon treats that as a fatal boot error so bad configuration never
// serves calls.
func LoadAll(ctx context.Context, repos Repos, reg Registries, logger *slog.Logger) error {
	if err := LoadNumberLists(ctx, repos.NumberLists, reg.Router); err != nil {
		return fmt.Errorf("loading number lists: %w", err)
	}
	if err := LoadRoutingRules(ctx, repos.RoutingRules, reg.Router); err != nil {
		return fmt.Errorf("loading routing rules: %w", err)
	}
	if err := LoadDTMFPatterns(ctx, repos.DTMFPatterns, reg.Patterns); err != nil {
		return fmt.Errorf("loading dtmf patterns: %w", err)
	}
	if err := LoadIVRMenus(ctx, repos.IVRMenus, reg.Menus); err != nil {
		return fmt.Errorf("loading ivr menus: %w", err)
	}
	if err := LoadSMSRules(ctx, repos.SMSRules, reg.Messages); err != nil {
		return fmt.Errorf("loading sms rules: %w", err)
	}
	if err := LoadSMSTemplates(ctx, repos.SMSTemplates, reg.Messages); err != nil {
		return fmt.Errorf("loading sms templates: %w", err)
	}
	if err := LoadBlockedSenders(ctx, repos.BlockedSenders, reg.Messages); err != nil {
		return fmt.Errorf("loading blocked senders: %w", err)
	}
	if err := LoadMohSources(ctx, repos.MohSources, reg.Music); err != nil {
		return fmt.Errorf("loading music sources: %w", err)
	}
	logger.Info("provisioned configuration loaded")
	return nil
}

// LoadNumberLists pushes stored blacklist and whitelist entries into
// the router. Entries removed from the store are lifted by the API at
// write time; the loader only adds.
func LoadNumberLists(ctx context.Context, repo store.NumberListRepository, router *call.Router) error {
	black, err := repo.List(ctx, models.ListBlacklist)
	if err != nil {
		return err
	}
	for _, e := range black {
		router.Blacklist(e.Number)
	}
	white, err := repo.List(ctx, models.ListWhitelist)
	if err != nil {
		return err
	}
	for _, e := range white {
		router.Whitelist(e.Number)
	}
	return nil
}

// LoadRoutingRules replaces the router's rule table with the enabled
// stored rules. Rules present live but absent from the store are
// removed so a reload after a delete converges.
func LoadRoutingRules(ctx context.Context, repo store.RoutingRuleRepository, router *call.Router) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(rows))
	for _, row := range rows {
		want[row.Name] = true
		rule, err := RoutingRuleFromModel(&row)
		if err != nil {
			return err
		}
		if err := router.AddRule(rule); err != nil {
			return err
		}
	}
	for _, live := range router.Rules() {
		if !want[live.Name] {
			router.RemoveRule(live.Name)
		}
	}
	return nil
}

// RoutingRuleFromModel decodes a stored rule row into a router rule.
func RoutingRuleFromModel(row *models.RoutingRule) (call.Rule, error) {
	rule := call.Rule{
		Name:          row.Name,
		Priority:      row.Priority,
		Enabled:       row.Enabled,
		CallerPattern: row.CallerPattern,
		CalleePattern: row.CalleePattern,
		Action:        row.Action,
		Target:        row.Target,
		TimeoutS:      row.TimeoutS,
		QueueName:     row.QueueName,
		QueuePriority: row.QueuePriority,
		Reason:        row.Reason,
	}
	if row.TimeRange != "" {
		var tr call.TimeRange
		if err := json.Unmarshal([]byte(row.TimeRange), &tr); err != nil {
			return call.Rule{}, fmt.Errorf("rule %q: time range: %w", row.Name, err)
		}
		rule.TimeRange = &tr
	}
	return rule, nil
}

// LoadDTMFPatterns replaces the processor's pattern set with the
// enabled stored patterns.
func LoadDTMFPatterns(ctx context.Context, repo store.DTMFPatternRepository, proc *dtmf.Processor) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		want[row.Pattern] = true
		pat, err := DTMFPatternFromModel(&row)
		if err != nil {
			return err
		}
		if err := proc.AddPattern(pat); err != nil {
			return err
		}
	}
	for _, live := range proc.Patterns() {
		if !want[live.Pattern] {
			proc.RemovePattern(live.Pattern)
		}
	}
	return nil
}

// DTMFPatternFromModel decodes a stored pattern row.
func DTMFPatternFromModel(row *models.DTMFPattern) (dtmf.Pattern, error) {
	pat := dtmf.Pattern{
		Pattern:        row.Pattern,
		Action:         dtmf.Action(row.Action),
		Description:    row.Description,
		TransferTarget: row.TransferTarget,
		AudioFile:      row.AudioFile,
		IVRMenuID:      row.IVRMenuID,
		CustomHandler:  row.Handler,
	}
	if row.AIContext != "" {
		if err := json.Unmarshal([]byte(row.AIContext), &pat.AIContext); err != nil {
			return dtmf.Pattern{}, fmt.Errorf("pattern %q: ai context: %w", row.Pattern, err)
		}
	}
	return pat, nil
}

// itemDoc is the JSON shape of a menu timeout action.
type itemDoc struct {
	Digit      string         `json:"digit,omitempty"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	PromptRef  string         `json:"prompt,omitempty"`
	GotoMenuID string         `json:"goto_menu,omitempty"`
	Handler    string         `json:"handler,omitempty"`
	AIContext  map[string]any `json:"ai_context,omitempty"`
	MaxDigits  int            `json:"max_digits,omitempty"`
	Terminator string         `json:"terminator,omitempty"`
}

func (d itemDoc) item() ivr.Item {
	return ivr.Item{
		Digit:      d.Digit,
		Action:     d.Action,
		Target:     d.Target,
		PromptRef:  d.PromptRef,
		MenuID:     d.GotoMenuID,
		Handler:    d.Handler,
		AIContext:  d.AIContext,
		MaxDigits:  d.MaxDigits,
		Terminator: d.Terminator,
	}
}

// LoadIVRMenus replaces the engine's menu graph with the stored menus.
func LoadIVRMenus(ctx context.Context, repo store.IVRMenuRepository, engine *ivr.Engine) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(rows))
	for _, row := range rows {
		want[row.MenuID] = true
		items, err := repo.Items(ctx, row.MenuID)
		if err != nil {
			return err
		}
		menu, err := IVRMenuFromModel(&row, items)
		if err != nil {
			return err
		}
		if err := engine.RegisterMenu(menu); err != nil {
			return err
		}
	}
	for _, id := range engine.MenuIDs() {
		if !want[id] {
			engine.RemoveMenu(id)
		}
	}
	return nil
}

// IVRMenuFromModel decodes a stored menu row and its item rows.
func IVRMenuFromModel(row *models.IVRMenu, items []models.IVRMenuItem) (ivr.Menu, error) {
	menu := ivr.Menu{
		ID:            row.MenuID,
		Name:          row.Name,
		WelcomePrompt: row.WelcomePrompt,
		InvalidPrompt: row.InvalidPrompt,
		TimeoutPrompt: row.TimeoutPrompt,
		MaxRetries:    row.MaxRetries,
		Interruptible: row.Interruptible,
		Items:         make(map[string]ivr.Item, len(items)),
	}
	if row.TimeoutS > 0 {
		menu.Timeout = time.Duration(row.TimeoutS) * time.Second
	}
	if row.TimeoutAction != "" {
		var doc itemDoc
		if err := json.Unmarshal([]byte(row.TimeoutAction), &doc); err != nil {
			return ivr.Menu{}, fmt.Errorf("menu %q: timeout action: %w", row.MenuID, err)
		}
		item := doc.item()
		menu.TimeoutAction = &item
	}
	for _, ir := range items {
		item := ivr.Item{
			Digit:       ir.Digit,
			Action:      ir.Action,
			Description: ir.Description,
			Target:      ir.Target,
			PromptRef:   ir.PromptRef,
			MenuID:      ir.GotoMenuID,
			Handler:     ir.Handler,
			MaxDigits:   ir.MaxDigits,
			Terminator:  ir.Terminator,
		}
		if ir.AIContext != "" {
			if err := json.Unmarshal([]byte(ir.AIContext), &item.AIContext); err != nil {
				return ivr.Menu{}, fmt.Errorf("menu %q item %q: ai context: %w", row.MenuID, ir.Digit, err)
			}
		}
		menu.Items[ir.Digit] = item
	}
	return menu, nil
}

// LoadSMSRules replaces the processor's rule set with the stored
// rules.
func LoadSMSRules(ctx context.Context, repo store.SMSRuleRepository, proc *sms.Processor) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(rows))
	for _, row := range rows {
		want[row.RuleID] = true
		rule, err := SMSRuleFromModel(&row)
		if err != nil {
			return err
		}
		if err := proc.AddRule(&rule); err != nil {
			return err
		}
	}
	for _, live := range proc.Rules() {
		if !want[live.ID] {
			proc.RemoveRule(live.ID)
		}
	}
	return nil
}

// SMSRuleFromModel decodes a stored message rule row.
func SMSRuleFromModel(row *models.SMSRule) (sms.Rule, error) {
	rule := sms.Rule{
		ID:            row.RuleID,
		Name:          row.Name,
		Pattern:       row.Pattern,
		Action:        sms.Action(row.Action),
		Priority:      row.Priority,
		Enabled:       row.Enabled,
		MatchContent:  row.MatchContent,
		MatchSender:   row.MatchSender,
		CaseSensitive: row.CaseSensitive,
		ReplyTemplate: row.ReplyTemplate,
		ForwardTo:     row.ForwardTo,
		Handler:       row.Handler,
	}
	if row.AIContext != "" {
		if err := json.Unmarshal([]byte(row.AIContext), &rule.AIContext); err != nil {
			return sms.Rule{}, fmt.Errorf("sms rule %q: ai context: %w", row.RuleID, err)
		}
	}
	if row.TimeWindow != "" {
		var w sms.TimeWindow
		if err := json.Unmarshal([]byte(row.TimeWindow), &w); err != nil {
			return sms.Rule{}, fmt.Errorf("sms rule %q: time window: %w", row.RuleID, err)
		}
		rule.Window = &w
	}
	if row.SenderWhitelist != "" {
		if err := json.Unmarshal([]byte(row.SenderWhitelist), &rule.SenderWhitelist); err != nil {
			return sms.Rule{}, fmt.Errorf("sms rule %q: sender whitelist: %w", row.RuleID, err)
		}
	}
	if row.SenderBlacklist != "" {
		if err := json.Unmarshal([]byte(row.SenderBlacklist), &rule.SenderBlacklist); err != nil {
			return sms.Rule{}, fmt.Errorf("sms rule %q: sender blacklist: %w", row.RuleID, err)
		}
	}
	return rule, nil
}

// LoadSMSTemplates pushes stored auto-reply templates into the
// processor.
func LoadSMSTemplates(ctx context.Context, repo store.SMSTemplateRepository, proc *sms.Processor) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		proc.AddTemplate(row.Name, row.Text)
	}
	return nil
}

// LoadBlockedSenders pushes stored sender blocks into the processor.
func LoadBlockedSenders(ctx context.Context, repo store.BlockedSenderRepository, proc *sms.Processor) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		proc.Block(row.Number)
	}
	return nil
}

// LoadMohSources registers the stored hold-music sources. A source
// whose audio cannot be loaded fails the load, matching the engine's
// fail-at-configuration policy.
func LoadMohSources(ctx context.Context, repo store.MohSourceRepository, music *moh.Manager) error {
	rows, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := music.RegisterSource(MohSourceFromModel(&row)); err != nil {
			return err
		}
	}
	return nil
}

// MohSourceFromModel converts a stored source row.
func MohSourceFromModel(row *models.MohSource) moh.Source {
	return moh.Source{
		ID:          row.SourceID,
		Name:        row.Name,
		Type:        row.Type,
		Location:    row.Location,
		Generator:   row.Generator,
		FrequencyHz: row.FrequencyHz,
		DurationMs:  row.DurationMs,
		Loop:        row.Loop,
		Volume:      row.Volume,
	}
}
