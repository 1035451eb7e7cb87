package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
)

// recordingResponse is one call with an on-disk recording.
type recordingResponse struct {
	CallID     string `json:"call_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	StartTime  string `json:"start_time"`
	DurationS  *int   `json:"duration_seconds"`
	File       string `json:"file"`
	SizeBytes  int64  `json:"size_bytes"`
}

// handleListRecordings lists finished calls that have a recording file,
// with the file's current size. Records whose file has been swept by
// retention keep their row but drop out of this listing.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
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

	recs, total, err := s.deps.Records.ListWithRecordings(r.Context(), filter)
	if err != nil {
		slog.Error("list recordings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingResponse, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		var size int64
		if info, err := os.Stat(rec.RecordingFile); err == nil {
			size = info.Size()
		}
		items = append(items, recordingResponse{
			CallID:     rec.CallID,
			FromNumber: rec.FromNumber,
			ToNumber:   rec.ToNumber,
			StartTime:  rec.StartTime.Format(time.RFC3339),
			DurationS:  rec.DurationS,
			File:       filepath.Base(rec.RecordingFile),
			SizeBytes:  size,
		})
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleDownloadRecording streams a call's WAV file.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	path, ok := s.recordingPath(w, r, callID)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	http.ServeFile(w, r, path)
}

// handleDeleteRecording removes a call's recording file and blanks the
// record's reference. The call record itself stays.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	path, ok := s.recordingPath(w, r, callID)
	if !ok {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("delete recording: failed to remove file", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := s.deps.Records.ClearRecording(r.Context(), callID); err != nil {
		slog.Error("delete recording: failed to clear reference", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("deleted recording", "call_id", callID, "file", filepath.Base(path))
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "deleted"})
}

// recordingPath resolves a call id to its recording file, writing the
// error response itself when the call or file is missing.
func (s *Server) recordingPath(w http.ResponseWriter, r *http.Request, callID string) (string, bool) {
	rec, err := s.deps.Records.GetByCallID(r.Context(), callID)
	if err != nil {
		slog.Error("recording lookup failed", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	if rec == nil || rec.RecordingFile == "" {
		writeError(w, http.StatusNotFound, "recording not found")
		return "", false
	}
	if _, err := os.Stat(rec.RecordingFile); err != nil {
		writeError(w, http.StatusNotFound, "recording file missing")
		return "", false
	}
	return rec.RecordingFile, true
}
