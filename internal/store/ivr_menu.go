package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// ivrMenuRepo implements IVRMenuRepository.
type ivrMenuRepo struct {
	db *DB
}

// NewIVRMenuRepository creates a new IVRMenuRepository.
func NewIVRMenuRepository(db *DB) IVRMenuRepository {
	return &ivrMenuRepo{db: db}
}

const ivrMenuColumns = `id, menu_id, name, welcome_prompt, invalid_prompt, timeout_prompt,
	 timeout_s, max_retries, interruptible, timeout_action, created_at, updated_at`

// Create inserts a menu and its items in one transaction.
func (r *ivrMenuRepo) Create(ctx context.Context, menu *models.IVRMenu, items []models.IVRMenuItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO ivr_menus (menu_id, name, welcome_prompt, invalid_prompt, timeout_prompt,
		 timeout_s, max_retries, interruptible, timeout_action, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		menu.MenuID, menu.Name, menu.WelcomePrompt, menu.InvalidPrompt, menu.TimeoutPrompt,
		menu.TimeoutS, menu.MaxRetries, menu.Interruptible, menu.TimeoutAction,
	)
	if err != nil {
		return fmt.Errorf("inserting ivr menu: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	menu.ID = id

	if err := insertMenuItems(ctx, tx, menu.MenuID, items); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByMenuID returns a menu and its items, nil menu when absent.
func (r *ivrMenuRepo) GetByMenuID(ctx context.Context, menuID string) (*models.IVRMenu, []models.IVRMenuItem, error) {
	var m models.IVRMenu
	err := r.db.QueryRowContext(ctx,
		`SELECT `+ivrMenuColumns+` FROM ivr_menus WHERE menu_id = ?`, menuID,
	).Scan(&m.ID, &m.MenuID, &m.Name, &m.WelcomePrompt, &m.InvalidPrompt, &m.TimeoutPrompt,
		&m.TimeoutS, &m.MaxRetries, &m.Interruptible, &m.TimeoutAction, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning ivr menu: %w", err)
	}

	items, err := r.Items(ctx, menuID)
	if err != nil {
		return nil, nil, err
	}
	return &m, items, nil
}

// List returns all menus ordered by menu_id. Items are fetched
// separately per menu.
func (r *ivrMenuRepo) List(ctx context.Context) ([]models.IVRMenu, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ivrMenuColumns+` FROM ivr_menus ORDER BY menu_id`)
	if err != nil {
		return nil, fmt.Errorf("querying ivr menus: %w", err)
	}
	defer rows.Close()

	var menus []models.IVRMenu
	for rows.Next() {
		var m models.IVRMenu
		if err := rows.Scan(&m.ID, &m.MenuID, &m.Name, &m.WelcomePrompt, &m.InvalidPrompt,
			&m.TimeoutPrompt, &m.TimeoutS, &m.MaxRetries, &m.Interruptible, &m.TimeoutAction,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning ivr menu row: %w", err)
		}
		menus = append(menus, m)
	}
	return menus, rows.Err()
}

// Items returns the digit items of one menu ordered by digit.
func (r *ivrMenuRepo) Items(ctx context.Context, menuID string) ([]models.IVRMenuItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, menu_id, digit, action, description, target, prompt_ref, goto_menu_id,
		 handler, ai_context, max_digits, terminator
		 FROM ivr_menu_items WHERE menu_id = ? ORDER BY digit`, menuID)
	if err != nil {
		return nil, fmt.Errorf("querying ivr menu items: %w", err)
	}
	defer rows.Close()

	var items []models.IVRMenuItem
	for rows.Next() {
		var it models.IVRMenuItem
		if err := rows.Scan(&it.ID, &it.MenuID, &it.Digit, &it.Action, &it.Description,
			&it.Target, &it.PromptRef, &it.GotoMenuID, &it.Handler, &it.AIContext,
			&it.MaxDigits, &it.Terminator); err != nil {
			return nil, fmt.Errorf("scanning ivr menu item row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Update rewrites a menu and replaces its item set in one transaction.
func (r *ivrMenuRepo) Update(ctx context.Context, menu *models.IVRMenu, items []models.IVRMenuItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE ivr_menus SET name = ?, welcome_prompt = ?, invalid_prompt = ?,
		 timeout_prompt = ?, timeout_s = ?, max_retries = ?, interruptible = ?,
		 timeout_action = ?, updated_at = datetime('now')
		 WHERE menu_id = ?`,
		menu.Name, menu.WelcomePrompt, menu.InvalidPrompt, menu.TimeoutPrompt,
		menu.TimeoutS, menu.MaxRetries, menu.Interruptible, menu.TimeoutAction,
		menu.MenuID,
	)
	if err != nil {
		return fmt.Errorf("updating ivr menu: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ivr_menu_items WHERE menu_id = ?`, menu.MenuID); err != nil {
		return fmt.Errorf("clearing ivr menu items: %w", err)
	}

	if err := insertMenuItems(ctx, tx, menu.MenuID, items); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes a menu; its items follow via the cascade. Returns
// false when no such menu exists.
func (r *ivrMenuRepo) Delete(ctx context.Context, menuID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM ivr_menus WHERE menu_id = ?`, menuID)
	if err != nil {
		return false, fmt.Errorf("deleting ivr menu: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

func insertMenuItems(ctx context.Context, tx *sql.Tx, menuID string, items []models.IVRMenuItem) error {
	for i := range items {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO ivr_menu_items (menu_id, digit, action, description, target,
			 prompt_ref, goto_menu_id, handler, ai_context, max_digits, terminator)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			menuID, items[i].Digit, items[i].Action, items[i].Description, items[i].Target,
			items[i].PromptRef, items[i].GotoMenuID, items[i].Handler, items[i].AIContext,
			items[i].MaxDigits, items[i].Terminator,
		)
		if err != nil {
			return fmt.Errorf("inserting ivr menu item %q: %w", items[i].Digit, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting last insert id: %w", err)
		}
		items[i].ID = id
		items[i].MenuID = menuID
	}
	return nil
}
