// Package recording captures call audio to WAV files on local disk.
// The call manager feeds it decoded telephony-rate PCM from both
// directions of a call; frames land in one mono track in playout order.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
)

const (
	// writerChanSize is the buffered channel capacity for queued PCM
	// frames. At 50 frames/sec per direction this holds a couple of
	// seconds across a disk stall.
	writerChanSize = 256

	// flushSize is the byte count buffered before a disk write.
	// 16000 bytes is one second of 8 kHz 16-bit audio.
	flushSize = 16000

	// partSuffix marks recordings still being written. The sweeper
	// removes stale ones left behind by a crash.
	partSuffix = ".part"

	sweepInterval = time.Hour

	// partGrace is how long an in-progress file may sit unfinished
	// before the sweeper treats it as abandoned.
	partGrace = time.Hour
)

// Manager writes per-call recordings under <data-dir>/recordings and
// sweeps expired files.
type Manager struct {
	dir       string
	retention time.Duration // zero keeps finished recordings forever
	logger    *slog.Logger

	mu      sync.Mutex
	writers map[string]*writer
}

// NewManager creates the recordings directory and returns a manager
// that retains finished recordings for the given duration.
func NewManager(dataDir string, retention time.Duration, logger *slog.Logger) (*Manager, error) {
	dir := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}
	return &Manager{
		dir:       dir,
		retention: retention,
		logger:    logger.With("subsystem", "recording"),
		writers:   make(map[string]*writer),
	}, nil
}

// Start opens a recording for a call and returns the path the finished
// file will occupy. Starting a call that is already recording is an
// error.
func (m *Manager) Start(callID string) (string, error) {
	name := fmt.Sprintf("%s-%s.wav", sanitize(callID), time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(m.dir, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.writers[callID]; ok {
		return "", fmt.Errorf("call %s is already recording", callID)
	}
	w, err := newWriter(path, m.logger.With("call_id", callID))
	if err != nil {
		return "", err
	}
	m.writers[callID] = w
	return path, nil
}

// Feed queues PCM for a call's recording. Calls without an open
// recording are ignored.
func (m *Manager) Feed(callID string, pcm []byte) {
	m.mu.Lock()
	w := m.writers[callID]
	m.mu.Unlock()
	if w != nil {
		w.feed(pcm)
	}
}

// Stop finalizes a call's recording: the write loop drains, the WAV
// header gets the real data size, and the file drops its in-progress
// suffix.
func (m *Manager) Stop(callID string) error {
	m.mu.Lock()
	w := m.writers[callID]
	delete(m.writers, callID)
	m.mu.Unlock()
	if w == nil {
		return fmt.Errorf("call %s is not recording", callID)
	}
	return w.stop()
}

// Active returns the number of calls currently being recorded.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writers)
}

// Run sweeps the recordings directory until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes finished recordings older than the retention and
// abandoned in-progress files. In-progress files belonging to live
// recordings are left alone regardless of age.
func (m *Manager) sweep() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("reading recordings directory", "error", err)
		return
	}

	m.mu.Lock()
	active := make(map[string]bool, len(m.writers))
	for _, w := range m.writers {
		active[filepath.Base(w.partPath)] = true
	}
	m.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if active[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())

		stale := strings.HasSuffix(name, partSuffix) && age > partGrace
		expired := m.retention > 0 && strings.HasSuffix(name, ".wav") && age > m.retention
		if !stale && !expired {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			m.logger.Warn("removing expired recording", "file", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("recording sweep removed files", "count", removed)
	}
}

// sanitize keeps call IDs usable as file names. Proxy-issued IDs can
// carry URI characters.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// writer streams one call's PCM to disk. It runs a dedicated goroutine
// that reads frames from a buffered channel and appends them to the
// WAV data chunk, rewriting the header with the final size on stop.
type writer struct {
	mu       sync.Mutex
	file     *os.File
	path     string // final path, without the in-progress suffix
	partPath string
	dataSize uint32
	stopped  bool
	logger   *slog.Logger

	frames chan []byte
	done   chan struct{}
}

func newWriter(path string, logger *slog.Logger) (*writer, error) {
	partPath := path + partSuffix
	f, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	// Placeholder header, rewritten on stop with the actual data size.
	hdr := audio.EncodeWAVHeader(audio.WAVFormatPCM, 1, audio.DefaultSampleRate, 16, 0)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	w := &writer{
		file:     f,
		path:     path,
		partPath: partPath,
		logger:   logger.With("file", filepath.Base(path)),
		frames:   make(chan []byte, writerChanSize),
		done:     make(chan struct{}),
	}

	go w.writeLoop()

	w.logger.Info("call recording started")
	return w, nil
}

// feed queues one PCM frame. The frame is copied so the caller's buffer
// can be reused. If the write goroutine is behind, the frame is dropped
// rather than blocking the media path.
func (w *writer) feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case w.frames <- buf:
	default:
	}
}

// stop drains remaining frames, rewrites the WAV header, closes the
// file, and renames it to its final path. Calling stop twice is a
// no-op.
func (w *writer) stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.frames)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		w.file.Close()
		return fmt.Errorf("seeking for wav header rewrite: %w", err)
	}
	hdr := audio.EncodeWAVHeader(audio.WAVFormatPCM, 1, audio.DefaultSampleRate, 16, w.dataSize)
	if _, err := w.file.Write(hdr); err != nil {
		w.file.Close()
		return fmt.Errorf("rewriting wav header: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing recording file: %w", err)
	}
	if err := os.Rename(w.partPath, w.path); err != nil {
		return fmt.Errorf("finalizing recording file: %w", err)
	}

	w.logger.Info("call recording stopped",
		"duration_secs", int(w.dataSize/(audio.DefaultSampleRate*2)),
		"total_bytes", w.dataSize,
	)
	return nil
}

// writeLoop reads frames from the channel and writes them to the file,
// flushing in batches. It exits when the channel is closed.
func (w *writer) writeLoop() {
	defer close(w.done)

	buf := make([]byte, 0, flushSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		n, err := w.file.Write(buf)
		if err != nil {
			w.logger.Error("writing recording data", "error", err)
		}
		w.mu.Lock()
		w.dataSize += uint32(n)
		w.mu.Unlock()
		buf = buf[:0]
	}

	for frame := range w.frames {
		buf = append(buf, frame...)
		if len(buf) >= flushSize {
			flush()
		}
	}
	flush()
}
