package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// mohSourceRepo implements MohSourceRepository.
type mohSourceRepo struct {
	db *DB
}

// NewMohSourceRepository creates a new MohSourceRepository.
func NewMohSourceRepository(db *DB) MohSourceRepository {
	return &mohSourceRepo{db: db}
}

const mohSourceColumns = `id, source_id, name, type, location, generator, frequency_hz,
	 duration_ms, loop, volume, created_at, updated_at`

// Create inserts a new source.
func (r *mohSourceRepo) Create(ctx context.Context, src *models.MohSource) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO moh_sources (source_id, name, type, location, generator, frequency_hz,
		 duration_ms, loop, volume, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		src.SourceID, src.Name, src.Type, src.Location, src.Generator, src.FrequencyHz,
		src.DurationMs, src.Loop, src.Volume,
	)
	if err != nil {
		return fmt.Errorf("inserting moh source: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	src.ID = id
	return nil
}

// GetBySourceID returns a source by its external id, nil when absent.
func (r *mohSourceRepo) GetBySourceID(ctx context.Context, sourceID string) (*models.MohSource, error) {
	var s models.MohSource
	err := r.db.QueryRowContext(ctx,
		`SELECT `+mohSourceColumns+` FROM moh_sources WHERE source_id = ?`, sourceID,
	).Scan(&s.ID, &s.SourceID, &s.Name, &s.Type, &s.Location, &s.Generator, &s.FrequencyHz,
		&s.DurationMs, &s.Loop, &s.Volume, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning moh source: %w", err)
	}
	return &s, nil
}

// List returns all sources ordered by source_id.
func (r *mohSourceRepo) List(ctx context.Context) ([]models.MohSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+mohSourceColumns+` FROM moh_sources ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("querying moh sources: %w", err)
	}
	defer rows.Close()

	var sources []models.MohSource
	for rows.Next() {
		var s models.MohSource
		if err := rows.Scan(&s.ID, &s.SourceID, &s.Name, &s.Type, &s.Location, &s.Generator,
			&s.FrequencyHz, &s.DurationMs, &s.Loop, &s.Volume, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning moh source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// Update modifies an existing source, matched by source_id.
func (r *mohSourceRepo) Update(ctx context.Context, src *models.MohSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE moh_sources SET name = ?, type = ?, location = ?, generator = ?,
		 frequency_hz = ?, duration_ms = ?, loop = ?, volume = ?, updated_at = datetime('now')
		 WHERE source_id = ?`,
		src.Name, src.Type, src.Location, src.Generator, src.FrequencyHz,
		src.DurationMs, src.Loop, src.Volume, src.SourceID,
	)
	if err != nil {
		return fmt.Errorf("updating moh source: %w", err)
	}
	return nil
}

// Delete removes a source by its external id. Returns false when no
// such source exists.
func (r *mohSourceRepo) Delete(ctx context.Context, sourceID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM moh_sources WHERE source_id = ?`, sourceID)
	if err != nil {
		return false, fmt.Errorf("deleting moh source: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}
