package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `id, call_id, session_id, sip_call_id, direction, from_number,
	 from_name, to_number, start_time, ring_time, connect_time, end_time, duration_s,
	 final_state, hangup_reason, codec, queue_name, ai_session_id, recording_file,
	 created_at`

// Create inserts a finished call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, session_id, sip_call_id, direction, from_number,
		 from_name, to_number, start_time, ring_time, connect_time, end_time, duration_s,
		 final_state, hangup_reason, codec, queue_name, ai_session_id, recording_file,
		 created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		rec.CallID, rec.SessionID, rec.SIPCallID, rec.Direction, rec.FromNumber,
		rec.FromName, rec.ToNumber, rec.StartTime, rec.RingTime, rec.ConnectTime,
		rec.EndTime, rec.DurationS, rec.FinalState, rec.HangupReason, rec.Codec,
		rec.QueueName, rec.AISessionID, rec.RecordingFile,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns a record by call id, nil when absent.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := scanCallRecord(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?`, callID), &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// List returns records matching the filter and the total match count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error) {
	where, args := callRecordWhere("1=1", filter, true)
	return r.listWhere(ctx, where, args, filter)
}

// ListWithRecordings returns records that kept a recording file, with
// the same filtering and pagination as List.
func (r *callRecordRepo) ListWithRecordings(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error) {
	where, args := callRecordWhere(`recording_file != ''`, filter, false)
	return r.listWhere(ctx, where, args, filter)
}

func (r *callRecordRepo) listWhere(ctx context.Context, where string, args []any, filter CallRecordFilter) ([]models.CallRecord, int, error) {
	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := scanCallRecord(rows, &rec); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}

// ListRecent returns the most recent records up to the given limit.
func (r *callRecordRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := scanCallRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("scanning recent call record row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClearExpiredRecordings blanks recording_file on records older than
// the given number of days and returns the cleared file paths so the
// caller can remove the WAV files from disk.
func (r *callRecordRepo) ClearExpiredRecordings(ctx context.Context, days int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recording_file FROM call_records
		 WHERE recording_file != ''
		 AND start_time < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return nil, fmt.Errorf("querying expired recordings: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning expired recording path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired recording rows: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	// Clear the pointer only; the record itself stays.
	_, err = r.db.ExecContext(ctx,
		`UPDATE call_records SET recording_file = ''
		 WHERE recording_file != ''
		 AND start_time < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return nil, fmt.Errorf("clearing expired recording paths: %w", err)
	}

	return paths, nil
}

// callRecordWhere builds the shared filter clause. withDirection adds
// the direction predicate, which ListWithRecordings leaves out to match
// the recordings API surface.
func callRecordWhere(base string, filter CallRecordFilter, withDirection bool) (string, []any) {
	where := base
	args := []any{}

	if withDirection && filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND (from_number LIKE ? OR from_name LIKE ? OR to_number LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}
	return where, args
}

func scanCallRecord(s scanner, rec *models.CallRecord) error {
	return s.Scan(&rec.ID, &rec.CallID, &rec.SessionID, &rec.SIPCallID, &rec.Direction,
		&rec.FromNumber, &rec.FromName, &rec.ToNumber, &rec.StartTime, &rec.RingTime,
		&rec.ConnectTime, &rec.EndTime, &rec.DurationS, &rec.FinalState, &rec.HangupReason,
		&rec.Codec, &rec.QueueName, &rec.AISessionID, &rec.RecordingFile, &rec.CreatedAt)
}

// ClearRecording blanks one record's recording_file after its WAV has
// been deleted through the API. Returns false for unknown calls.
func (r *callRecordRepo) ClearRecording(ctx context.Context, callID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET recording_file = '' WHERE call_id = ?`, callID)
	if err != nil {
		return false, fmt.Errorf("clearing recording path: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clearing recording path: %w", err)
	}
	return n > 0, nil
}
