package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// dtmfPatternRepo implements DTMFPatternRepository.
type dtmfPatternRepo struct {
	db *DB
}

// NewDTMFPatternRepository creates a new DTMFPatternRepository.
func NewDTMFPatternRepository(db *DB) DTMFPatternRepository {
	return &dtmfPatternRepo{db: db}
}

const dtmfPatternColumns = `id, pattern, action, description, enabled, transfer_target,
	 audio_file, ivr_menu_id, handler, ai_context, created_at, updated_at`

// Create inserts a new pattern.
func (r *dtmfPatternRepo) Create(ctx context.Context, pat *models.DTMFPattern) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO dtmf_patterns (pattern, action, description, enabled, transfer_target,
		 audio_file, ivr_menu_id, handler, ai_context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		pat.Pattern, pat.Action, pat.Description, pat.Enabled, pat.TransferTarget,
		pat.AudioFile, pat.IVRMenuID, pat.Handler, pat.AIContext,
	)
	if err != nil {
		return fmt.Errorf("inserting dtmf pattern: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	pat.ID = id
	return nil
}

// GetByID returns a pattern by ID, nil when absent.
func (r *dtmfPatternRepo) GetByID(ctx context.Context, id int64) (*models.DTMFPattern, error) {
	var p models.DTMFPattern
	err := r.db.QueryRowContext(ctx,
		`SELECT `+dtmfPatternColumns+` FROM dtmf_patterns WHERE id = ?`, id,
	).Scan(&p.ID, &p.Pattern, &p.Action, &p.Description, &p.Enabled, &p.TransferTarget,
		&p.AudioFile, &p.IVRMenuID, &p.Handler, &p.AIContext, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dtmf pattern: %w", err)
	}
	return &p, nil
}

// List returns all patterns, longest pattern first to match the
// processor's evaluation order.
func (r *dtmfPatternRepo) List(ctx context.Context) ([]models.DTMFPattern, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+dtmfPatternColumns+` FROM dtmf_patterns
		 ORDER BY length(pattern) DESC, pattern`)
	if err != nil {
		return nil, fmt.Errorf("querying dtmf patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.DTMFPattern
	for rows.Next() {
		var p models.DTMFPattern
		if err := rows.Scan(&p.ID, &p.Pattern, &p.Action, &p.Description, &p.Enabled,
			&p.TransferTarget, &p.AudioFile, &p.IVRMenuID, &p.Handler, &p.AIContext,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning dtmf pattern row: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Update modifies an existing pattern.
func (r *dtmfPatternRepo) Update(ctx context.Context, pat *models.DTMFPattern) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dtmf_patterns SET pattern = ?, action = ?, description = ?, enabled = ?,
		 transfer_target = ?, audio_file = ?, ivr_menu_id = ?, handler = ?, ai_context = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		pat.Pattern, pat.Action, pat.Description, pat.Enabled, pat.TransferTarget,
		pat.AudioFile, pat.IVRMenuID, pat.Handler, pat.AIContext, pat.ID,
	)
	if err != nil {
		return fmt.Errorf("updating dtmf pattern: %w", err)
	}
	return nil
}

// Delete removes a pattern by ID.
func (r *dtmfPatternRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM dtmf_patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting dtmf pattern: %w", err)
	}
	return nil
}
