package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// mohSourceRequest is the JSON body for registering a hold-music
// source.
type mohSourceRequest struct {
	SourceID    string  `json:"source_id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Location    string  `json:"location,omitempty"`
	Generator   string  `json:"generator,omitempty"`
	FrequencyHz float64 `json:"frequency_hz,omitempty"`
	DurationMs  int     `json:"duration_ms,omitempty"`
	Loop        bool    `json:"loop"`
	Volume      float64 `json:"volume,omitempty"`
}

func (req *mohSourceRequest) validate() string {
	if msg := validateRequiredStringLen("source_id", req.SourceID, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	switch req.Type {
	case "file", "stream":
		if req.Location == "" {
			return "location is required for file and stream sources"
		}
	case "generated":
		switch req.Generator {
		case "tone", "ring", "silence":
		default:
			return "generator must be \"tone\", \"ring\" or \"silence\""
		}
	default:
		return "type must be \"file\", \"stream\" or \"generated\""
	}
	if req.Volume < 0 || req.Volume > 1 {
		return "volume must be between 0.0 and 1.0"
	}
	return ""
}

// handleListMohSources returns all stored hold-music sources.
func (s *Server) handleListMohSources(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.MohSources.List(r.Context())
	if err != nil {
		slog.Error("list moh sources: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]mohSourceRequest, len(rows))
	for i, row := range rows {
		items[i] = mohSourceRequest{
			SourceID:    row.SourceID,
			Name:        row.Name,
			Type:        row.Type,
			Location:    row.Location,
			Generator:   row.Generator,
			FrequencyHz: row.FrequencyHz,
			DurationMs:  row.DurationMs,
			Loop:        row.Loop,
			Volume:      row.Volume,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": items, "count": len(items)})
}

// handleCreateMohSource registers a source live first, which loads and
// validates its audio, then stores it.
func (s *Server) handleCreateMohSource(w http.ResponseWriter, r *http.Request) {
	var req mohSourceRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if s.deps.Music.HasSource(req.SourceID) {
		writeError(w, http.StatusConflict, "a source with this id already exists")
		return
	}

	row := &models.MohSource{
		SourceID:    req.SourceID,
		Name:        req.Name,
		Type:        req.Type,
		Location:    req.Location,
		Generator:   req.Generator,
		FrequencyHz: req.FrequencyHz,
		DurationMs:  req.DurationMs,
		Loop:        req.Loop,
		Volume:      req.Volume,
	}
	if err := s.deps.Music.RegisterSource(provision.MohSourceFromModel(row)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.deps.Provision.MohSources.Create(r.Context(), row); err != nil {
		s.deps.Music.RemoveSource(req.SourceID)
		slog.Error("create moh source: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("created moh source", "source_id", req.SourceID, "type", req.Type)
	writeJSON(w, http.StatusCreated, req)
}

// handleDeleteMohSource removes a source from the store and the live
// manager. Calls currently holding on it keep playing until resumed.
func (s *Server) handleDeleteMohSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	removed, err := s.deps.Provision.MohSources.Delete(r.Context(), sourceID)
	if err != nil {
		slog.Error("delete moh source: failed to delete", "error", err, "source_id", sourceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "moh source not found")
		return
	}
	s.deps.Music.RemoveSource(sourceID)
	slog.Info("deleted moh source", "source_id", sourceID)
	writeJSON(w, http.StatusOK, map[string]string{"source_id": sourceID, "status": "deleted"})
}
