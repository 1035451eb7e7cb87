package api

import (
	"log/slog"
	"net/http"

	"github.com/voicebridge/voicebridge/internal/provision"
)

// handleStats aggregates point-in-time statistics from every
// subsystem.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	calls := s.deps.Calls.Stats()
	media := s.deps.Media.AggregateStats()
	bridge := s.deps.Bridge.Stats()
	detector := s.deps.Calls.Detector().Stats()
	patterns := s.deps.Calls.DTMF().Stats()
	messages := s.deps.Messages.Stats()
	music := s.deps.Music.Stats()
	menus := s.deps.Calls.IVR().Stats()

	payload := map[string]any{
		"calls": map[string]any{
			"active":    calls.ActiveCalls,
			"queued":    calls.QueuedCalls,
			"total":     calls.TotalCalls,
			"completed": calls.CompletedCalls,
			"failed":    calls.FailedCalls,
			"cancelled": calls.CancelledCalls,
			"rejected":  calls.RejectedCalls,
			"forwarded": calls.ForwardedCalls,
		},
		"media": map[string]any{
			"sessions":         s.deps.Media.Count(),
			"ports_in_use":     s.deps.Media.PortsInUse(),
			"port_capacity":    s.deps.Media.PortCapacity(),
			"packets_sent":     media.PacketsSent,
			"packets_received": media.PacketsReceived,
			"bytes_sent":       media.BytesSent,
			"bytes_received":   media.BytesReceived,
			"packets_lost":     media.PacketsLost,
			"parse_errors":     media.ParseErrors,
			"send_errors":      media.SendErrors,
		},
		"ai_bridge": map[string]any{
			"active_connections":   bridge.ActiveConnections,
			"total_connects":       bridge.TotalConnects,
			"connect_retries":      bridge.ConnectRetries,
			"frames_sent":          bridge.FramesSent,
			"frames_received":      bridge.FramesReceived,
			"audio_bytes_sent":     bridge.AudioBytesSent,
			"audio_bytes_received": bridge.AudioBytesReceived,
			"heartbeat_failures":   bridge.HeartbeatFailures,
		},
		"dtmf": map[string]any{
			"digits_total":     detector.Total,
			"rfc2833":          detector.RFC2833,
			"inband":           detector.Inband,
			"sip_info":         detector.SIPInfo,
			"malformed":        detector.Malformed,
			"debounced":        detector.Debounced,
			"sequences_total":  patterns.TotalSequences,
			"pattern_matches":  patterns.MatchedPatterns,
			"forwarded_to_ai":  patterns.ForwardedToAI,
			"patterns":         patterns.Patterns,
			"active_sequences": patterns.ActiveSequences,
		},
		"sms": messages,
		"moh": map[string]any{
			"active_players": music.ActivePlayers,
			"sources":        music.Sources,
			"chunks_sent":    music.ChunksSent,
			"bytes_sent":     music.BytesSent,
			"sink_errors":    music.SinkErrors,
		},
		"ivr": map[string]any{
			"active_sessions":  menus.ActiveSessions,
			"menus":            menus.Menus,
			"sessions_started": menus.SessionsStarted,
			"sessions_ended":   menus.SessionsEnded,
			"invalid_inputs":   menus.InvalidInputs,
			"timeouts":         menus.Timeouts,
		},
		"queue": map[string]any{"calls_waiting": s.deps.Calls.QueueLen()},
	}
	if s.deps.Signaling != nil && s.deps.Signaling.Configured() {
		payload["signaling"] = map[string]any{"healthy": s.deps.Signaling.Healthy()}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleGetSettings returns the system config KV table.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Settings.GetAll(r.Context())
	if err != nil {
		slog.Error("get settings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings upserts system config keys. Values take effect on
// the next reload or restart, depending on the key.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "request body must contain at least one setting")
		return
	}
	for key, value := range req {
		if msg := validateRequiredStringLen("key", key, maxNameLen); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if msg := validateNoControlChars(key, value); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	for key, value := range req {
		if err := s.deps.Settings.Set(r.Context(), key, value); err != nil {
			slog.Error("put settings: failed to upsert", "error", err, "key", key)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	slog.Info("updated settings", "keys", len(req))
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(req)})
}

// handleReload re-runs every provisioning loader, pushing the full
// stored configuration into the live registries.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := provision.LoadAll(r.Context(), s.deps.Provision, s.deps.Registries, s.logger); err != nil {
		slog.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("reloaded provisioned configuration")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
