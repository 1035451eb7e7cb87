package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// routingRuleRepo implements RoutingRuleRepository.
type routingRuleRepo struct {
	db *DB
}

// NewRoutingRuleRepository creates a new RoutingRuleRepository.
func NewRoutingRuleRepository(db *DB) RoutingRuleRepository {
	return &routingRuleRepo{db: db}
}

const routingRuleColumns = `id, name, priority, enabled, caller_pattern, callee_pattern,
	 time_range, action, target, timeout_s, queue_name, queue_priority, reason,
	 created_at, updated_at`

// Create inserts a new routing rule.
func (r *routingRuleRepo) Create(ctx context.Context, rule *models.RoutingRule) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO routing_rules (name, priority, enabled, caller_pattern, callee_pattern,
		 time_range, action, target, timeout_s, queue_name, queue_priority, reason,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		rule.Name, rule.Priority, rule.Enabled, rule.CallerPattern, rule.CalleePattern,
		rule.TimeRange, rule.Action, rule.Target, rule.TimeoutS, rule.QueueName,
		rule.QueuePriority, rule.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting routing rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rule.ID = id
	return nil
}

// GetByID returns a rule by ID, nil when absent.
func (r *routingRuleRepo) GetByID(ctx context.Context, id int64) (*models.RoutingRule, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+routingRuleColumns+` FROM routing_rules WHERE id = ?`, id,
	))
}

// GetByName returns a rule by name, nil when absent.
func (r *routingRuleRepo) GetByName(ctx context.Context, name string) (*models.RoutingRule, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+routingRuleColumns+` FROM routing_rules WHERE name = ?`, name,
	))
}

// List returns all rules in evaluation order.
func (r *routingRuleRepo) List(ctx context.Context) ([]models.RoutingRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+routingRuleColumns+` FROM routing_rules ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("querying routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var rl models.RoutingRule
		if err := scanRoutingRule(rows, &rl); err != nil {
			return nil, fmt.Errorf("scanning routing rule row: %w", err)
		}
		rules = append(rules, rl)
	}
	return rules, rows.Err()
}

// Update modifies an existing rule.
func (r *routingRuleRepo) Update(ctx context.Context, rule *models.RoutingRule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE routing_rules SET name = ?, priority = ?, enabled = ?, caller_pattern = ?,
		 callee_pattern = ?, time_range = ?, action = ?, target = ?, timeout_s = ?,
		 queue_name = ?, queue_priority = ?, reason = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		rule.Name, rule.Priority, rule.Enabled, rule.CallerPattern, rule.CalleePattern,
		rule.TimeRange, rule.Action, rule.Target, rule.TimeoutS, rule.QueueName,
		rule.QueuePriority, rule.Reason, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating routing rule: %w", err)
	}
	return nil
}

// Delete removes a rule by ID.
func (r *routingRuleRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting routing rule: %w", err)
	}
	return nil
}

func (r *routingRuleRepo) scanOne(row *sql.Row) (*models.RoutingRule, error) {
	var rl models.RoutingRule
	err := scanRoutingRule(row, &rl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning routing rule: %w", err)
	}
	return &rl, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRoutingRule(s scanner, rl *models.RoutingRule) error {
	return s.Scan(&rl.ID, &rl.Name, &rl.Priority, &rl.Enabled, &rl.CallerPattern,
		&rl.CalleePattern, &rl.TimeRange, &rl.Action, &rl.Target, &rl.TimeoutS,
		&rl.QueueName, &rl.QueuePriority, &rl.Reason, &rl.CreatedAt, &rl.UpdatedAt)
}
