package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// dtmfPatternRequest is the JSON body for creating or updating a
// digit-sequence pattern.
type dtmfPatternRequest struct {
	Pattern        string         `json:"pattern"`
	Action         string         `json:"action"`
	Description    string         `json:"description,omitempty"`
	Enabled        bool           `json:"enabled"`
	TransferTarget string         `json:"transfer_target,omitempty"`
	AudioFile      string         `json:"audio_file,omitempty"`
	IVRMenuID      string         `json:"ivr_menu_id,omitempty"`
	Handler        string         `json:"handler,omitempty"`
	AIContext      map[string]any `json:"ai_context,omitempty"`
}

func (req *dtmfPatternRequest) validate() string {
	if msg := validatePattern("pattern", req.Pattern); msg != "" {
		return msg
	}
	if msg := validateStringLen("description", req.Description, maxNameLen); msg != "" {
		return msg
	}
	switch dtmf.Action(req.Action) {
	case dtmf.ActionForwardToAI, dtmf.ActionTransferCall, dtmf.ActionPlayAudio,
		dtmf.ActionHangupCall, dtmf.ActionToggleRecording, dtmf.ActionEnterIVR,
		dtmf.ActionCustomHandler:
	default:
		return "unknown action " + strconv.Quote(req.Action)
	}
	switch dtmf.Action(req.Action) {
	case dtmf.ActionTransferCall:
		if req.TransferTarget == "" {
			return "transfer_target is required for transfer_call"
		}
	case dtmf.ActionPlayAudio:
		if req.AudioFile == "" {
			return "audio_file is required for play_audio"
		}
	case dtmf.ActionEnterIVR:
		if req.IVRMenuID == "" {
			return "ivr_menu_id is required for enter_ivr"
		}
	case dtmf.ActionCustomHandler:
		if req.Handler == "" {
			return "handler is required for custom_handler"
		}
	}
	return ""
}

func (req *dtmfPatternRequest) toModel() (*models.DTMFPattern, error) {
	row := &models.DTMFPattern{
		Pattern:        req.Pattern,
		Action:         req.Action,
		Description:    req.Description,
		Enabled:        req.Enabled,
		TransferTarget: req.TransferTarget,
		AudioFile:      req.AudioFile,
		IVRMenuID:      req.IVRMenuID,
		Handler:        req.Handler,
	}
	if len(req.AIContext) > 0 {
		doc, err := json.Marshal(req.AIContext)
		if err != nil {
			return nil, err
		}
		row.AIContext = string(doc)
	}
	return row, nil
}

// dtmfPatternResponse is one stored pattern.
type dtmfPatternResponse struct {
	ID int64 `json:"id"`
	dtmfPatternRequest
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toDTMFPatternResponse(row *models.DTMFPattern) dtmfPatternResponse {
	resp := dtmfPatternResponse{
		ID: row.ID,
		dtmfPatternRequest: dtmfPatternRequest{
			Pattern:        row.Pattern,
			Action:         row.Action,
			Description:    row.Description,
			Enabled:        row.Enabled,
			TransferTarget: row.TransferTarget,
			AudioFile:      row.AudioFile,
			IVRMenuID:      row.IVRMenuID,
			Handler:        row.Handler,
		},
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
		UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
	}
	if row.AIContext != "" {
		json.Unmarshal([]byte(row.AIContext), &resp.AIContext) //nolint:errcheck
	}
	return resp
}

// handleListDTMFPatterns returns all stored patterns.
func (s *Server) handleListDTMFPatterns(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.DTMFPatterns.List(r.Context())
	if err != nil {
		slog.Error("list dtmf patterns: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]dtmfPatternResponse, len(rows))
	for i := range rows {
		items[i] = toDTMFPatternResponse(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": items, "count": len(items)})
}

// handleCreateDTMFPattern stores a pattern and reloads the live
// processor.
func (s *Server) handleCreateDTMFPattern(w http.ResponseWriter, r *http.Request) {
	var req dtmfPatternRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ai_context")
		return
	}
	if _, err := provision.DTMFPatternFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.DTMFPatterns.Create(r.Context(), row); err != nil {
		slog.Error("create dtmf pattern: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadDTMF(w, r, "create dtmf pattern") {
		return
	}
	slog.Info("created dtmf pattern", "pattern", req.Pattern, "action", req.Action)
	writeJSON(w, http.StatusCreated, toDTMFPatternResponse(row))
}

// handleUpdateDTMFPattern replaces a stored pattern and reloads the
// live processor.
func (s *Server) handleUpdateDTMFPattern(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	var req dtmfPatternRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.deps.Provision.DTMFPatterns.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update dtmf pattern: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "dtmf pattern not found")
		return
	}

	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ai_context")
		return
	}
	row.ID = id
	if _, err := provision.DTMFPatternFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.DTMFPatterns.Update(r.Context(), row); err != nil {
		slog.Error("update dtmf pattern: failed to update", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadDTMF(w, r, "update dtmf pattern") {
		return
	}
	writeJSON(w, http.StatusOK, toDTMFPatternResponse(row))
}

// handleDeleteDTMFPattern removes a stored pattern and reloads the live
// processor.
func (s *Server) handleDeleteDTMFPattern(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	existing, err := s.deps.Provision.DTMFPatterns.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("delete dtmf pattern: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "dtmf pattern not found")
		return
	}

	if err := s.deps.Provision.DTMFPatterns.Delete(r.Context(), id); err != nil {
		slog.Error("delete dtmf pattern: failed to delete", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadDTMF(w, r, "delete dtmf pattern") {
		return
	}
	slog.Info("deleted dtmf pattern", "pattern", existing.Pattern)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "pattern": existing.Pattern})
}

func (s *Server) reloadDTMF(w http.ResponseWriter, r *http.Request, op string) bool {
	err := provision.LoadDTMFPatterns(r.Context(), s.deps.Provision.DTMFPatterns, s.deps.Registries.Patterns)
	if err != nil {
		slog.Error("failed to reload dtmf patterns", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "pattern stored but live reload failed")
		return false
	}
	return true
}
