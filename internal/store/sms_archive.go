package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// smsArchiveRepo implements SMSArchiveRepository.
type smsArchiveRepo struct {
	db *DB
}

// NewSMSArchiveRepository creates a new SMSArchiveRepository.
func NewSMSArchiveRepository(db *DB) SMSArchiveRepository {
	return &smsArchiveRepo{db: db}
}

const smsRecordColumns = `id, message_id, direction, from_number, to_number, body, status,
	 encoding, segments, priority, conversation_id, call_id, retry_count, last_error,
	 created_at, sent_at, delivered_at, archived_at`

// Archive upserts a terminal-state message keyed by message_id. A
// message archived as failed and later confirmed delivered lands here a
// second time with the new status.
func (r *smsArchiveRepo) Archive(ctx context.Context, rec *models.SMSRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sms_archive (message_id, direction, from_number, to_number, body,
		 status, encoding, segments, priority, conversation_id, call_id, retry_count,
		 last_error, created_at, sent_at, delivered_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(message_id) DO UPDATE SET
		 status = excluded.status, retry_count = excluded.retry_count,
		 last_error = excluded.last_error, sent_at = excluded.sent_at,
		 delivered_at = excluded.delivered_at, archived_at = excluded.archived_at`,
		rec.MessageID, rec.Direction, rec.FromNumber, rec.ToNumber, rec.Body,
		rec.Status, rec.Encoding, rec.Segments, rec.Priority, rec.ConversationID,
		rec.CallID, rec.RetryCount, rec.LastError, rec.CreatedAt, rec.SentAt,
		rec.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("archiving message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByMessageID returns an archived message, nil when absent.
func (r *smsArchiveRepo) GetByMessageID(ctx context.Context, messageID string) (*models.SMSRecord, error) {
	var rec models.SMSRecord
	err := scanSMSRecord(r.db.QueryRowContext(ctx,
		`SELECT `+smsRecordColumns+` FROM sms_archive WHERE message_id = ?`, messageID), &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning archived message: %w", err)
	}
	return &rec, nil
}

// List returns archived messages matching the filter and the total
// match count.
func (r *smsArchiveRepo) List(ctx context.Context, filter SMSArchiveFilter) ([]models.SMSRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where += " AND (from_number LIKE ? OR to_number LIKE ? OR body LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	if filter.StartDate != "" {
		where += " AND created_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND created_at <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sms_archive WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting archived messages: %w", err)
	}

	query := `SELECT ` + smsRecordColumns + ` FROM sms_archive WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing archived messages: %w", err)
	}
	defer rows.Close()

	var records []models.SMSRecord
	for rows.Next() {
		var rec models.SMSRecord
		if err := scanSMSRecord(rows, &rec); err != nil {
			return nil, 0, fmt.Errorf("scanning archived message row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating archived message rows: %w", err)
	}

	return records, total, nil
}

// UpdateStatus flips an archived message's status, stamping the
// delivery time when one is given. Returns false when the message is
// not in the archive.
func (r *smsArchiveRepo) UpdateStatus(ctx context.Context, messageID, status string, deliveredAt *time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sms_archive SET status = ?, delivered_at = COALESCE(?, delivered_at)
		 WHERE message_id = ?`,
		status, deliveredAt, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("updating archived message status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// Purge deletes archive rows older than the given number of days.
func (r *smsArchiveRepo) Purge(ctx context.Context, days int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sms_archive WHERE archived_at < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("purging archived messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func scanSMSRecord(s scanner, rec *models.SMSRecord) error {
	return s.Scan(&rec.ID, &rec.MessageID, &rec.Direction, &rec.FromNumber, &rec.ToNumber,
		&rec.Body, &rec.Status, &rec.Encoding, &rec.Segments, &rec.Priority,
		&rec.ConversationID, &rec.CallID, &rec.RetryCount, &rec.LastError,
		&rec.CreatedAt, &rec.SentAt, &rec.DeliveredAt, &rec.ArchivedAt)
}
