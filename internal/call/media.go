package call

import (
	"context"
	"fmt"
	"time"

	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/dtmf"
	"github.com/voicebridge/voicebridge/internal/moh"
)

// handleMediaIn receives one playout frame from the telephony plane.
// It runs on the RTP session's playout goroutine, which also owns the
// upsampler, so the resampler needs no lock.
func (m *Manager) handleMediaIn(callID string, payload []byte) {
	s := m.session(callID)
	if s == nil {
		return
	}
	s.mu.Lock()
	st := s.snap.State
	codec := s.snap.Codec
	onHold := s.snap.OnHold
	recording := s.snap.Recording
	s.mu.Unlock()
	if st.Terminal() {
		return
	}

	pcm, err := audio.Convert(payload, codec, audio.CodecPCM)
	if err != nil {
		m.logger.Debug("inbound audio not transcodable", "call_id", callID, "codec", codec, "error", err)
		return
	}

	m.detector.ProcessAudio(callID, pcm)

	if recording && m.recorder != nil {
		m.recorder.Feed(callID, pcm)
	}

	// Held calls hear music; the AI hears nothing until resume.
	if onHold {
		return
	}

	out := pcm
	if s.upsampler != nil {
		out = s.upsampler.ProcessChunk(pcm)
	}
	if len(out) == 0 {
		return
	}
	if err := m.bridge.SendAudio(callID, out); err != nil {
		m.logger.Debug("forwarding audio to ai", "call_id", callID, "error", err)
	}
}

// HandleAIAudio receives PCM from the AI platform, paces it into
// telephony frames, and sends it on the call's RTP session. Frame
// assembly state is guarded by the session lock because reconnects can
// briefly overlap reader goroutines.
func (m *Manager) HandleAIAudio(callID string, pcm []byte) {
	s := m.session(callID)
	if s == nil {
		return
	}

	frameBytes := m.cfg.frameBytes()

	s.mu.Lock()
	if s.snap.State.Terminal() || s.snap.OnHold {
		s.mu.Unlock()
		return
	}
	codec := s.snap.Codec
	recording := s.snap.Recording
	in := pcm
	if s.downsampler != nil {
		in = s.downsampler.ProcessChunk(pcm)
	}
	s.aiOut = append(s.aiOut, in...)
	var frames [][]byte
	for len(s.aiOut) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, s.aiOut[:frameBytes])
		s.aiOut = s.aiOut[frameBytes:]
		frames = append(frames, frame)
	}
	s.mu.Unlock()

	if recording && m.recorder != nil {
		m.recorder.Feed(callID, in)
	}

	if len(frames) == 0 {
		return
	}
	sess := m.media.Get(callID)
	if sess == nil {
		return
	}
	for _, frame := range frames {
		payload, err := audio.Convert(frame, audio.CodecPCM, codec)
		if err != nil {
			m.logger.Debug("outbound audio not transcodable", "call_id", callID, "codec", codec, "error", err)
			return
		}
		if err := sess.Send(payload); err != nil {
			m.logger.Debug("rtp send failed", "call_id", callID, "error", err)
			return
		}
	}
}

// HandleAIHangup processes a hangup command from the AI.
func (m *Manager) HandleAIHangup(callID string) {
	if err := m.HangupCall(callID, "ai_hangup"); err != nil {
		m.logger.Debug("ai hangup", "call_id", callID, "error", err)
	}
}

// HandleAITransfer processes a transfer command from the AI.
func (m *Manager) HandleAITransfer(callID, target string) {
	if err := m.TransferCall(callID, target); err != nil {
		m.logger.Warn("ai transfer failed", "call_id", callID, "target", target, "error", err)
	}
}

// HandleAIHold processes a hold command from the AI.
func (m *Manager) HandleAIHold(callID string) {
	if err := m.HoldCall(callID, ""); err != nil {
		m.logger.Warn("ai hold failed", "call_id", callID, "error", err)
	}
}

// HandleAIResume processes a resume command from the AI.
func (m *Manager) HandleAIResume(callID string) {
	if err := m.ResumeCall(callID); err != nil {
		m.logger.Warn("ai resume failed", "call_id", callID, "error", err)
	}
}

// HandleAIDTMFSend relays a dtmf_send command from the AI to the
// signaling plane, which injects the digit toward the caller.
func (m *Manager) HandleAIDTMFSend(callID, digit string) {
	if !dtmf.ValidDigit(digit) {
		m.logger.Warn("ai sent invalid dtmf digit", "call_id", callID, "digit", digit)
		return
	}
	if m.signaler == nil {
		m.logger.Debug("dtmf send with no signaler", "call_id", callID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := m.signaler.SendDTMF(ctx, callID, digit); err != nil {
		m.logger.Warn("dtmf send failed", "call_id", callID, "digit", digit, "error", err)
	}
}

// HandleAIConnectionFailed fails a call whose AI session is gone.
func (m *Manager) HandleAIConnectionFailed(callID, reason string) {
	m.logger.Error("ai session lost", "call_id", callID, "reason", reason)
	if !failureReasons[reason] {
		reason = aibridge.ReasonConnectionClosed
	}
	if err := m.HangupCall(callID, reason); err != nil {
		m.logger.Debug("hangup after ai loss", "call_id", callID, "error", err)
	}
}

// HandleSIPInfoDigit feeds a DTMF digit reported via SIP INFO into the
// detector, which dispatches it like any other digit.
func (m *Manager) HandleSIPInfoDigit(callID, digit string) error {
	if m.session(callID) == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	return m.detector.ProcessSIPInfo(callID, digit)
}

// InjectRTP feeds a proxy-relayed RTP packet into a call's media path,
// for deployments that tunnel media over the signaling channel instead
// of sending it to our UDP port directly.
func (m *Manager) InjectRTP(callID string, packet []byte) error {
	sess := m.media.Get(callID)
	if sess == nil {
		return fmt.Errorf("call %s has no media session", callID)
	}
	return sess.Inject(packet)
}

// handleDTMFEvent dispatches one detected digit: publish, then feed the
// IVR session when one is active, otherwise the pattern processor.
func (m *Manager) handleDTMFEvent(ev dtmf.Event) {
	s := m.session(ev.CallID)
	if s == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	if snap.State.Terminal() {
		return
	}

	m.bus.Publish(Event{
		Type:     EventDTMFReceived,
		CallID:   ev.CallID,
		Snapshot: snap,
		Data: map[string]any{
			"digit":       ev.Digit,
			"method":      string(ev.Method),
			"duration_ms": ev.Duration.Milliseconds(),
			"confidence":  ev.Confidence,
		},
	})

	if m.menus.Active(ev.CallID) {
		m.menus.HandleDigit(ev.CallID, ev.Digit)
		return
	}
	m.processor.HandleEvent(ev)
}

// handleIVREnd reports a finished IVR session to the AI so the
// conversation can resume with context.
func (m *Manager) handleIVREnd(callID, reason string) {
	if !m.bridge.Connected(callID) {
		return
	}
	if err := m.bridge.SendStatus(callID, map[string]any{"event": "ivr_ended", "reason": reason}); err != nil {
		m.logger.Debug("reporting ivr end", "call_id", callID, "error", err)
	}
}

// ForwardSequence sends a matched DTMF pattern to the AI. It
// implements the DTMF processor's forward capability.
func (m *Manager) ForwardSequence(callID, sequence, pattern string, duration time.Duration, attrs map[string]any) error {
	return m.bridge.SendDTMFSequence(callID, sequence, pattern, attrs)
}

// ForwardDigit sends a single unmatched digit to the AI.
func (m *Manager) ForwardDigit(ev dtmf.Event) error {
	return m.bridge.SendDTMF(ev.CallID, ev.Digit, ev.Duration, ev.Confidence, string(ev.Method))
}

// EnterIVR starts a menu session for a call. It implements the DTMF
// enter-IVR capability.
func (m *Manager) EnterIVR(callID, menuID string) error {
	if m.session(callID) == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	return m.menus.StartSession(callID, menuID)
}

// PlayAudio plays a registered audio source to the caller, falling
// back to the signaling plane's playback when the source is unknown
// locally. It implements the DTMF play capability.
func (m *Manager) PlayAudio(callID, ref string) error {
	if m.session(callID) == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if id, ok := m.resolveAudioRef(ref); ok {
		return m.music.Start(callID, id, m.mediaSink(callID))
	}
	if m.signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		return m.signaler.PlayAudio(ctx, callID, ref)
	}
	return fmt.Errorf("audio source %q not found", ref)
}

// PlayPrompt plays an IVR prompt to the caller. It implements the IVR
// prompt capability.
func (m *Manager) PlayPrompt(callID, ref string) error {
	return m.PlayAudio(callID, ref)
}

// StopPrompt interrupts prompt playback. Hold music is left alone so
// an IVR ending while a call is held does not silence it.
func (m *Manager) StopPrompt(callID string) {
	s := m.session(callID)
	if s == nil {
		return
	}
	s.mu.Lock()
	onHold := s.snap.OnHold
	s.mu.Unlock()
	if onHold {
		return
	}
	m.music.Stop(callID)
}

// ForwardToAI hands IVR output to the AI session. It implements the
// IVR forward capability.
func (m *Manager) ForwardToAI(callID string, payload map[string]any) error {
	return m.bridge.SendStatus(callID, payload)
}

// resolveAudioRef maps a prompt or audio reference to a registered
// music source, preferring the prompt-namespaced entry.
func (m *Manager) resolveAudioRef(ref string) (string, bool) {
	if id := "prompt:" + ref; m.music.HasSource(id) {
		return id, true
	}
	if m.music.HasSource(ref) {
		return ref, true
	}
	return "", false
}

// mediaSink adapts a call's RTP session to the hold music player: each
// PCM chunk is encoded to the call codec and sent. A missing session
// stops the player via the error return.
func (m *Manager) mediaSink(callID string) moh.Sink {
	return func(pcm []byte) error {
		s := m.session(callID)
		if s == nil {
			return fmt.Errorf("call %s is gone", callID)
		}
		s.mu.Lock()
		codec := s.snap.Codec
		s.mu.Unlock()

		sess := m.media.Get(callID)
		if sess == nil {
			return fmt.Errorf("call %s has no media session", callID)
		}
		payload, err := audio.Convert(pcm, audio.CodecPCM, codec)
		if err != nil {
			return err
		}
		return sess.Send(payload)
	}
}
