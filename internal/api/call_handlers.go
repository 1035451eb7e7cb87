package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/call"
)

// callResponse is a call snapshot with derived durations attached.
type callResponse struct {
	call.Snapshot
	DurationS     float64 `json:"duration_seconds"`
	RingDurationS float64 `json:"ring_duration_seconds"`
}

func toCallResponse(snap call.Snapshot) callResponse {
	return callResponse{
		Snapshot:      snap,
		DurationS:     snap.Duration().Seconds(),
		RingDurationS: snap.RingDuration().Seconds(),
	}
}

// handleListCalls returns all live call sessions, newest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Calls.List()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})

	items := make([]callResponse, len(snaps))
	for i, snap := range snaps {
		items[i] = toCallResponse(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": items,
		"count": len(items),
	})
}

// handleGetCall returns one live call session.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	snap, ok := s.deps.Calls.Get(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(snap))
}

// handleOriginateCall starts an outbound call through the proxy.
func (s *Server) handleOriginateCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string            `json:"from"`
		To      string            `json:"to"`
		Headers map[string]string `json:"headers,omitempty"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("from", req.From); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("to", req.To); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	snap, err := s.deps.Calls.InitiateOutbound(req.From, req.To, req.Headers)
	if err != nil {
		slog.Warn("originate rejected", "from", req.From, "to", req.To, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toCallResponse(snap))
}

// handleHangupCall ends a call. An optional reason is carried into the
// call record.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	reason := "api_hangup"

	if r.ContentLength > 0 {
		var req struct {
			Reason string `json:"reason,omitempty"`
		}
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if req.Reason != "" {
			if msg := validateStringLen("reason", req.Reason, maxNameLen); msg != "" {
				writeError(w, http.StatusBadRequest, msg)
				return
			}
			reason = req.Reason
		}
	}

	if err := s.deps.Calls.HangupCall(callID, reason); err != nil {
		writeCallError(w, callID, "hangup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "hangup"})
}

// handleTransferCall starts a blind transfer to the given target.
func (s *Server) handleTransferCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	var req struct {
		Target string `json:"target"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("target", req.Target); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Calls.TransferCall(callID, req.Target); err != nil {
		writeCallError(w, callID, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"call_id": callID, "status": "transferring", "target": req.Target,
	})
}

// handleHoldCall puts a call on hold with an optional hold-music source.
func (s *Server) handleHoldCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	sourceID := ""

	if r.ContentLength > 0 {
		var req struct {
			SourceID string `json:"source_id,omitempty"`
		}
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		sourceID = req.SourceID
	}

	if err := s.deps.Calls.HoldCall(callID, sourceID); err != nil {
		writeCallError(w, callID, "hold", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "on_hold"})
}

// handleResumeCall takes a call off hold.
func (s *Server) handleResumeCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if err := s.deps.Calls.ResumeCall(callID); err != nil {
		writeCallError(w, callID, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "connected"})
}

// handleStartRecording begins recording a connected call.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	path, err := s.deps.Calls.StartRecording(callID)
	if err != nil {
		writeCallError(w, callID, "start recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"call_id": callID, "status": "recording", "path": path,
	})
}

// handleStopRecording ends an active recording.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if err := s.deps.Calls.StopRecording(callID); err != nil {
		writeCallError(w, callID, "stop recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "recording_stopped"})
}

// handlePlayAudio plays a registered audio source into the call.
func (s *Server) handlePlayAudio(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	var req struct {
		Ref string `json:"ref"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("ref", req.Ref, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Calls.PlayAudio(callID, req.Ref); err != nil {
		writeCallError(w, callID, "play", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "playing", "ref": req.Ref})
}

// handleSendDTMF injects a digit toward the remote party.
func (s *Server) handleSendDTMF(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	var req struct {
		Digit string `json:"digit"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateDigit("digit", req.Digit); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if _, ok := s.deps.Calls.Get(callID); !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	// Relayed to the proxy asynchronously; failures are logged there.
	s.deps.Calls.HandleAIDTMFSend(callID, req.Digit)
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID, "digit": req.Digit})
}

// writeCallError maps call manager errors onto HTTP statuses: unknown
// calls are 404, invalid-state operations 409.
func writeCallError(w http.ResponseWriter, callID, op string, err error) {
	if strings.HasPrefix(err.Error(), "unknown call") {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	slog.Warn("call action failed", "call_id", callID, "action", op, "error", err)
	writeError(w, http.StatusConflict, err.Error())
}
