package store

import (
	"context"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// blockedSenderRepo implements BlockedSenderRepository.
type blockedSenderRepo struct {
	db *DB
}

// NewBlockedSenderRepository creates a new BlockedSenderRepository.
func NewBlockedSenderRepository(db *DB) BlockedSenderRepository {
	return &blockedSenderRepo{db: db}
}

// Add blocks a number. Blocking an already-blocked number refreshes the
// reason.
func (r *blockedSenderRepo) Add(ctx context.Context, number, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocked_senders (number, reason, created_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(number) DO UPDATE SET reason = excluded.reason`,
		number, reason,
	)
	if err != nil {
		return fmt.Errorf("blocking sender: %w", err)
	}
	return nil
}

// Remove unblocks a number. Returns false when it was not blocked.
func (r *blockedSenderRepo) Remove(ctx context.Context, number string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM blocked_senders WHERE number = ?`, number)
	if err != nil {
		return false, fmt.Errorf("unblocking sender: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns all blocked senders ordered by number.
func (r *blockedSenderRepo) List(ctx context.Context) ([]models.BlockedSender, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, number, reason, created_at FROM blocked_senders ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("querying blocked senders: %w", err)
	}
	defer rows.Close()

	var blocked []models.BlockedSender
	for rows.Next() {
		var b models.BlockedSender
		if err := rows.Scan(&b.ID, &b.Number, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning blocked sender row: %w", err)
		}
		blocked = append(blocked, b)
	}
	return blocked, rows.Err()
}
