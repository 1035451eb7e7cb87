package store

import (
	"context"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// numberListRepo implements NumberListRepository.
type numberListRepo struct {
	db *DB
}

// NewNumberListRepository creates a new NumberListRepository.
func NewNumberListRepository(db *DB) NumberListRepository {
	return &numberListRepo{db: db}
}

// Add inserts a list entry. Re-adding an existing number refreshes its
// note instead of failing.
func (r *numberListRepo) Add(ctx context.Context, entry *models.NumberListEntry) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO number_lists (kind, number, note, created_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(kind, number) DO UPDATE SET note = excluded.note`,
		entry.Kind, entry.Number, entry.Note,
	)
	if err != nil {
		return fmt.Errorf("inserting %s entry: %w", entry.Kind, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// Remove deletes a number from a list. Returns false when the number
// was not on it.
func (r *numberListRepo) Remove(ctx context.Context, kind, number string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM number_lists WHERE kind = ? AND number = ?`, kind, number)
	if err != nil {
		return false, fmt.Errorf("deleting %s entry: %w", kind, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns all entries of one list kind.
func (r *numberListRepo) List(ctx context.Context, kind string) ([]models.NumberListEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, number, note, created_at FROM number_lists
		 WHERE kind = ? ORDER BY number`, kind)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", kind, err)
	}
	defer rows.Close()

	var entries []models.NumberListEntry
	for rows.Next() {
		var e models.NumberListEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Number, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", kind, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
