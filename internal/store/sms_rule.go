package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// smsRuleRepo implements SMSRuleRepository.
type smsRuleRepo struct {
	db *DB
}

// NewSMSRuleRepository creates a new SMSRuleRepository.
func NewSMSRuleRepository(db *DB) SMSRuleRepository {
	return &smsRuleRepo{db: db}
}

const smsRuleColumns = `id, rule_id, name, pattern, action, priority, enabled,
	 match_content, match_sender, case_sensitive, reply_template, forward_to,
	 ai_context, handler, time_window, sender_whitelist, sender_blacklist,
	 created_at, updated_at`

// Create inserts a new rule.
func (r *smsRuleRepo) Create(ctx context.Context, rule *models.SMSRule) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sms_rules (rule_id, name, pattern, action, priority, enabled,
		 match_content, match_sender, case_sensitive, reply_template, forward_to,
		 ai_context, handler, time_window, sender_whitelist, sender_blacklist,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		rule.RuleID, rule.Name, rule.Pattern, rule.Action, rule.Priority, rule.Enabled,
		rule.MatchContent, rule.MatchSender, rule.CaseSensitive, rule.ReplyTemplate,
		rule.ForwardTo, rule.AIContext, rule.Handler, rule.TimeWindow,
		rule.SenderWhitelist, rule.SenderBlacklist,
	)
	if err != nil {
		return fmt.Errorf("inserting sms rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rule.ID = id
	return nil
}

// GetByRuleID returns a rule by its external id, nil when absent.
func (r *smsRuleRepo) GetByRuleID(ctx context.Context, ruleID string) (*models.SMSRule, error) {
	var rl models.SMSRule
	err := scanSMSRule(r.db.QueryRowContext(ctx,
		`SELECT `+smsRuleColumns+` FROM sms_rules WHERE rule_id = ?`, ruleID), &rl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sms rule: %w", err)
	}
	return &rl, nil
}

// List returns all rules in evaluation order.
func (r *smsRuleRepo) List(ctx context.Context) ([]models.SMSRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+smsRuleColumns+` FROM sms_rules ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("querying sms rules: %w", err)
	}
	defer rows.Close()

	var rules []models.SMSRule
	for rows.Next() {
		var rl models.SMSRule
		if err := scanSMSRule(rows, &rl); err != nil {
			return nil, fmt.Errorf("scanning sms rule row: %w", err)
		}
		rules = append(rules, rl)
	}
	return rules, rows.Err()
}

// Update modifies an existing rule, matched by rule_id.
func (r *smsRuleRepo) Update(ctx context.Context, rule *models.SMSRule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sms_rules SET name = ?, pattern = ?, action = ?, priority = ?, enabled = ?,
		 match_content = ?, match_sender = ?, case_sensitive = ?, reply_template = ?,
		 forward_to = ?, ai_context = ?, handler = ?, time_window = ?,
		 sender_whitelist = ?, sender_blacklist = ?, updated_at = datetime('now')
		 WHERE rule_id = ?`,
		rule.Name, rule.Pattern, rule.Action, rule.Priority, rule.Enabled,
		rule.MatchContent, rule.MatchSender, rule.CaseSensitive, rule.ReplyTemplate,
		rule.ForwardTo, rule.AIContext, rule.Handler, rule.TimeWindow,
		rule.SenderWhitelist, rule.SenderBlacklist, rule.RuleID,
	)
	if err != nil {
		return fmt.Errorf("updating sms rule: %w", err)
	}
	return nil
}

// Delete removes a rule by its external id. Returns false when no such
// rule exists.
func (r *smsRuleRepo) Delete(ctx context.Context, ruleID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sms_rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return false, fmt.Errorf("deleting sms rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

func scanSMSRule(s scanner, rl *models.SMSRule) error {
	return s.Scan(&rl.ID, &rl.RuleID, &rl.Name, &rl.Pattern, &rl.Action, &rl.Priority,
		&rl.Enabled, &rl.MatchContent, &rl.MatchSender, &rl.CaseSensitive,
		&rl.ReplyTemplate, &rl.ForwardTo, &rl.AIContext, &rl.Handler, &rl.TimeWindow,
		&rl.SenderWhitelist, &rl.SenderBlacklist, &rl.CreatedAt, &rl.UpdatedAt)
}
