package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// adminAccountRepo implements AdminAccountRepository.
type adminAccountRepo struct {
	db *DB
}

// NewAdminAccountRepository creates a new AdminAccountRepository.
func NewAdminAccountRepository(db *DB) AdminAccountRepository {
	return &adminAccountRepo{db: db}
}

// Create inserts a new account.
func (r *adminAccountRepo) Create(ctx context.Context, acct *models.AdminAccount) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_accounts (username, password_hash, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))`,
		acct.Username, acct.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting admin account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	acct.ID = id
	return nil
}

// GetByID returns an account by ID, nil when absent.
func (r *adminAccountRepo) GetByID(ctx context.Context, id int64) (*models.AdminAccount, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM admin_accounts WHERE id = ?`, id,
	))
}

// GetByUsername returns an account by username, nil when absent.
func (r *adminAccountRepo) GetByUsername(ctx context.Context, username string) (*models.AdminAccount, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM admin_accounts WHERE username = ?`, username,
	))
}

// List returns all accounts ordered by username.
func (r *adminAccountRepo) List(ctx context.Context) ([]models.AdminAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM admin_accounts ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admin accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.AdminAccount
	for rows.Next() {
		var a models.AdminAccount
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning admin account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Update modifies an existing account.
func (r *adminAccountRepo) Update(ctx context.Context, acct *models.AdminAccount) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE admin_accounts SET username = ?, password_hash = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		acct.Username, acct.PasswordHash, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating admin account: %w", err)
	}
	return nil
}

// Delete removes an account by ID.
func (r *adminAccountRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM admin_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting admin account: %w", err)
	}
	return nil
}

// Count returns the total number of accounts.
func (r *adminAccountRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_accounts`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting admin accounts: %w", err)
	}
	return count, nil
}

func (r *adminAccountRepo) scanOne(row *sql.Row) (*models.AdminAccount, error) {
	var a models.AdminAccount
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning admin account: %w", err)
	}
	return &a, nil
}
