package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// smsTemplateRepo implements SMSTemplateRepository.
type smsTemplateRepo struct {
	db *DB
}

// NewSMSTemplateRepository creates a new SMSTemplateRepository.
func NewSMSTemplateRepository(db *DB) SMSTemplateRepository {
	return &smsTemplateRepo{db: db}
}

// Set inserts or replaces the template text for a name.
func (r *smsTemplateRepo) Set(ctx context.Context, name, text string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sms_templates (name, text, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		name, text,
	)
	if err != nil {
		return fmt.Errorf("setting sms template %q: %w", name, err)
	}
	return nil
}

// Get returns a template by name, nil when absent.
func (r *smsTemplateRepo) Get(ctx context.Context, name string) (*models.SMSTemplate, error) {
	var t models.SMSTemplate
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, text, created_at, updated_at FROM sms_templates WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.Text, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sms template: %w", err)
	}
	return &t, nil
}

// List returns all templates ordered by name.
func (r *smsTemplateRepo) List(ctx context.Context) ([]models.SMSTemplate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, text, created_at, updated_at FROM sms_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying sms templates: %w", err)
	}
	defer rows.Close()

	var templates []models.SMSTemplate
	for rows.Next() {
		var t models.SMSTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Text, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning sms template row: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Delete removes a template by name. Returns false when no such
// template exists.
func (r *smsTemplateRepo) Delete(ctx context.Context, name string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sms_templates WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("deleting sms template: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}
