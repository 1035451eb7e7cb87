package api

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// recordResponse is the JSON form of one finished call.
type recordResponse struct {
	CallID        string  `json:"call_id"`
	SessionID     string  `json:"session_id"`
	Direction     string  `json:"direction"`
	FromNumber    string  `json:"from_number"`
	FromName      string  `json:"from_name,omitempty"`
	ToNumber      string  `json:"to_number"`
	StartTime     string  `json:"start_time"`
	RingTime      *string `json:"ring_time,omitempty"`
	ConnectTime   *string `json:"connect_time,omitempty"`
	EndTime       *string `json:"end_time,omitempty"`
	DurationS     *int    `json:"duration_seconds"`
	FinalState    string  `json:"final_state"`
	HangupReason  string  `json:"hangup_reason,omitempty"`
	Codec         string  `json:"codec,omitempty"`
	QueueName     string  `json:"queue_name,omitempty"`
	AISessionID   string  `json:"ai_session_id,omitempty"`
	RecordingFile string  `json:"recording_file,omitempty"`
}

func toRecordResponse(rec *models.CallRecord) recordResponse {
	resp := recordResponse{
		CallID:        rec.CallID,
		SessionID:     rec.SessionID,
		Direction:     rec.Direction,
		FromNumber:    rec.FromNumber,
		FromName:      rec.FromName,
		ToNumber:      rec.ToNumber,
		StartTime:     rec.StartTime.Format(time.RFC3339),
		DurationS:     rec.DurationS,
		FinalState:    rec.FinalState,
		HangupReason:  rec.HangupReason,
		Codec:         rec.Codec,
		QueueName:     rec.QueueName,
		AISessionID:   rec.AISessionID,
		RecordingFile: rec.RecordingFile,
	}
	resp.RingTime = formatTimePtr(rec.RingTime)
	resp.ConnectTime = formatTimePtr(rec.ConnectTime)
	resp.EndTime = formatTimePtr(rec.EndTime)
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// recordFilter reads the shared list/export query parameters.
func recordFilter(r *http.Request) (store.CallRecordFilter, string) {
	q := r.URL.Query()
	direction := q.Get("direction")
	if msg := validateDirection(direction); msg != "" {
		return store.CallRecordFilter{}, msg
	}
	return store.CallRecordFilter{
		Search:    q.Get("search"),
		Direction: direction,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}, ""
}

// handleListRecords returns finished calls with pagination and optional
// filters. Query params: limit, offset, search, direction, start_date,
// end_date.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := recordFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = pg.Limit
	filter.Offset = pg.Offset

	recs, total, err := s.deps.Records.List(r.Context(), filter)
	if err != nil {
		slog.Error("list records: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordResponse, len(recs))
	for i := range recs {
		items[i] = toRecordResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetRecord returns a single finished call by call id.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	rec, err := s.deps.Records.GetByCallID(r.Context(), callID)
	if err != nil {
		slog.Error("get record: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// exportLimit caps a CSV export at one query's worth of rows.
const exportLimit = 10000

// handleExportRecords exports call records as CSV with the same filters
// as the list endpoint.
func (s *Server) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := recordFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = exportLimit

	recs, _, err := s.deps.Records.List(r.Context(), filter)
	if err != nil {
		slog.Error("export records: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=call-records.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"Call-ID", "Direction", "From", "From Name", "To",
		"Start Time", "Connect Time", "End Time", "Duration",
		"Final State", "Hangup Reason", "Codec", "Queue",
		"AI Session", "Recording File",
	})

	for _, rec := range recs {
		connectTime := ""
		if rec.ConnectTime != nil {
			connectTime = rec.ConnectTime.Format(time.RFC3339)
		}
		endTime := ""
		if rec.EndTime != nil {
			endTime = rec.EndTime.Format(time.RFC3339)
		}
		duration := ""
		if rec.DurationS != nil {
			duration = strconv.Itoa(*rec.DurationS)
		}

		cw.Write([]string{
			rec.CallID,
			rec.Direction,
			rec.FromNumber,
			rec.FromName,
			rec.ToNumber,
			rec.StartTime.Format(time.RFC3339),
			connectTime,
			endTime,
			duration,
			rec.FinalState,
			rec.HangupReason,
			rec.Codec,
			rec.QueueName,
			rec.AISessionID,
			rec.RecordingFile,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export records: csv write error", "error", err)
	}
}
