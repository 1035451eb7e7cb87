package recording

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, retention time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), retention, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	return m
}

// pcmFrame returns 20 ms of 8 kHz 16-bit audio.
func pcmFrame(b byte) []byte {
	frame := make([]byte, 320)
	for i := range frame {
		frame[i] = b
	}
	return frame
}

func TestStartFeedStop(t *testing.T) {
	m := newTestManager(t, 0)

	path, err := m.Start("call-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !strings.HasSuffix(path, ".wav") {
		t.Errorf("path = %q, want .wav suffix", path)
	}
	if _, err := os.Stat(path + partSuffix); err != nil {
		t.Fatalf("in-progress file missing: %v", err)
	}
	if m.Active() != 1 {
		t.Errorf("Active() = %d, want 1", m.Active())
	}

	for i := 0; i < 10; i++ {
		m.Feed("call-1", pcmFrame(byte(i)))
	}

	if err := m.Stop("call-1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("Active() = %d after stop, want 0", m.Active())
	}
	if _, err := os.Stat(path + partSuffix); !os.IsNotExist(err) {
		t.Error("in-progress file still present after stop")
	}

	pcm, rate, err := audio.LoadWAVPCM(path)
	if err != nil {
		t.Fatalf("LoadWAVPCM() error: %v", err)
	}
	if rate != 8000 {
		t.Errorf("sample rate = %d, want 8000", rate)
	}
	if len(pcm) != 10*320 {
		t.Errorf("recorded %d bytes, want %d", len(pcm), 10*320)
	}
}

func TestStartWhileRecording(t *testing.T) {
	m := newTestManager(t, 0)

	if _, err := m.Start("call-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := m.Start("call-1"); err == nil {
		t.Error("second Start() = nil, want error")
	}
	if err := m.Stop("call-1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestStopUnknownCall(t *testing.T) {
	m := newTestManager(t, 0)
	if err := m.Stop("ghost"); err == nil {
		t.Error("Stop(ghost) = nil, want error")
	}
}

func TestFeedUnknownCallIgnored(t *testing.T) {
	m := newTestManager(t, 0)
	m.Feed("ghost", pcmFrame(0)) // must not panic
}

func TestSanitizeCallID(t *testing.T) {
	got := sanitize("abc123@10.0.0.1/5060")
	if strings.ContainsAny(got, "@/") {
		t.Errorf("sanitize() = %q, want no uri characters", got)
	}
}

func TestSweep(t *testing.T) {
	m := newTestManager(t, time.Hour)
	old := time.Now().Add(-2 * time.Hour)

	expired := filepath.Join(m.dir, "old-call.wav")
	fresh := filepath.Join(m.dir, "fresh-call.wav")
	abandoned := filepath.Join(m.dir, "crashed-call.wav"+partSuffix)
	for _, p := range []string{expired, fresh, abandoned} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", p, err)
		}
	}
	for _, p := range []string{expired, abandoned} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("backdating %s: %v", p, err)
		}
	}

	// A live recording's in-progress file survives the sweep even when
	// the call has been running past the grace period.
	livePath, err := m.Start("long-call")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	livePart := livePath + partSuffix
	if err := os.Chtimes(livePart, old, old); err != nil {
		t.Fatalf("backdating live part: %v", err)
	}

	m.sweep()

	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Error("expired recording survived the sweep")
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Error("abandoned part file survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh recording was removed")
	}
	if _, err := os.Stat(livePart); err != nil {
		t.Error("live in-progress file was removed")
	}

	if err := m.Stop("long-call"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}
