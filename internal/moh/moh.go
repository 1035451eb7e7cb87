// Package moh streams music-on-hold audio to held calls. Sources can be
// WAV files, HTTP streams fetched at registration time, or generated tones.
// A single playback loop paces all active players at the frame interval.
package moh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
)

const (
	// ChunkBytes is one playout chunk: 20ms of 16-bit PCM at 8kHz.
	ChunkBytes = 320

	// chunkInterval is the playout pacing interval.
	chunkInterval = 20 * time.Millisecond

	// DefaultSourceID is the built-in generated source used when a call
	// is held without naming a source.
	DefaultSourceID = "default"

	// streamFetchTimeout bounds the one-shot HTTP fetch for stream sources.
	streamFetchTimeout = 10 * time.Second

	// streamMaxBytes caps how much audio a stream source may download.
	streamMaxBytes = 16 << 20
)

// Source type names.
const (
	SourceFile      = "file"
	SourceStream    = "stream"
	SourceGenerated = "generated"
)

// Generated source kinds.
const (
	GeneratedTone    = "tone"
	GeneratedRing    = "ring"
	GeneratedSilence = "silence"
)

// Source describes a music-on-hold audio source before loading.
type Source struct {
	ID       string
	Name     string
	Type     string // file, stream or generated
	Location string // file path or stream URL

	// Generated source parameters.
	Generator   string  // tone, ring or silence
	FrequencyHz float64 // tone frequency
	DurationMs  int     // generated clip length

	Loop   bool
	Volume float64 // 0.0 to 1.0, applied per chunk
}

// Sink receives one playout chunk of 16-bit PCM for a held call.
// A non-nil error stops the player.
type Sink func(pcm []byte) error

// loadedSource holds decoded PCM ready for playout.
type loadedSource struct {
	Source
	pcm []byte
}

// player tracks playout progress for one held call.
type player struct {
	callID  string
	source  *loadedSource
	sink    Sink
	pos     int
	started time.Time
	chunks  uint64
	bytes   uint64
}

// Stats is a snapshot of manager counters.
type Stats struct {
	ActivePlayers int
	Sources       int
	ChunksSent    uint64
	BytesSent     uint64
	SinkErrors    uint64
}

// Manager serves hold music to any number of calls from a shared
// playback loop.
type Manager struct {
	logger *slog.Logger
	client *http.Client

	mu         sync.Mutex
	sources    map[string]*loadedSource
	players    map[string]*player
	chunksSent uint64
	bytesSent  uint64
	sinkErrors uint64
}

// NewManager creates a hold music manager with the built-in default
// source registered.
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		logger:  logger.With("component", "moh"),
		client:  &http.Client{Timeout: streamFetchTimeout},
		sources: make(map[string]*loadedSource),
		players: make(map[string]*player),
	}

	// Built-in fallback: a looping ring cadence so held callers always
	// hear something even with no configured sources.
	m.sources[DefaultSourceID] = &loadedSource{
		Source: Source{
			ID:        DefaultSourceID,
			Name:      "Generated ring tone",
			Type:      SourceGenerated,
			Generator: GeneratedRing,
			Loop:      true,
			Volume:    0.8,
		},
		pcm: audio.GenerateRingTone(6000, audio.DefaultSampleRate),
	}

	return m
}

// RegisterSource loads a source's audio into memory and makes it
// available for playback. Re-registering an ID replaces the source;
// players already attached keep their old audio until stopped.
func (m *Manager) RegisterSource(src Source) error {
	if src.ID == "" {
		return fmt.Errorf("music source id is required")
	}
	if src.Volume <= 0 || src.Volume > 1 {
		src.Volume = 0.8
	}

	pcm, err := m.loadAudio(src)
	if err != nil {
		return fmt.Errorf("loading music source %q: %w", src.ID, err)
	}
	if len(pcm) < ChunkBytes {
		return fmt.Errorf("music source %q too short: %d bytes", src.ID, len(pcm))
	}

	m.mu.Lock()
	m.sources[src.ID] = &loadedSource{Source: src, pcm: pcm}
	m.mu.Unlock()

	m.logger.Info("registered music source",
		"source_id", src.ID,
		"type", src.Type,
		"bytes", len(pcm),
		"loop", src.Loop,
	)
	return nil
}

// loadAudio decodes a source into 16-bit PCM at the telephony rate.
func (m *Manager) loadAudio(src Source) ([]byte, error) {
	switch src.Type {
	case SourceFile:
		pcm, rate, err := audio.LoadWAVPCM(src.Location)
		if err != nil {
			return nil, err
		}
		if rate != audio.DefaultSampleRate {
			pcm = audio.Resample(pcm, rate, audio.DefaultSampleRate)
		}
		return pcm, nil

	case SourceStream:
		return m.fetchStream(src.Location)

	case SourceGenerated:
		dur := src.DurationMs
		if dur <= 0 {
			dur = 6000
		}
		switch src.Generator {
		case GeneratedRing:
			return audio.GenerateRingTone(dur, audio.DefaultSampleRate), nil
		case GeneratedSilence:
			return audio.Silence(dur, audio.DefaultSampleRate), nil
		case GeneratedTone, "":
			freq := src.FrequencyHz
			if freq <= 0 {
				freq = 440
			}
			return audio.GenerateTone(freq, 0.5, dur, audio.DefaultSampleRate), nil
		default:
			return nil, fmt.Errorf("unknown generator %q", src.Generator)
		}

	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

// fetchStream downloads a WAV stream source once and decodes it.
func (m *Manager) fetchStream(url string) ([]byte, error) {
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, streamMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("reading stream body: %w", err)
	}

	hdr, pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decoding stream audio: %w", err)
	}
	if int(hdr.SampleRate) != audio.DefaultSampleRate {
		pcm = audio.Resample(pcm, int(hdr.SampleRate), audio.DefaultSampleRate)
	}
	return pcm, nil
}

// RemoveSource unregisters a source. The built-in default cannot be removed.
func (m *Manager) RemoveSource(id string) bool {
	if id == DefaultSourceID {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return false
	}
	delete(m.sources, id)
	return true
}

// HasSource reports whether a source ID is registered.
func (m *Manager) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

// SourceIDs returns the registered source IDs.
func (m *Manager) SourceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	return ids
}

// Start begins hold music for a call. An empty sourceID selects the
// default source. Starting a call that already has a player replaces it.
func (m *Manager) Start(callID, sourceID string, sink Sink) error {
	if sourceID == "" {
		sourceID = DefaultSourceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("music source %q not found", sourceID)
	}

	m.players[callID] = &player{
		callID:  callID,
		source:  src,
		sink:    sink,
		started: time.Now(),
	}

	m.logger.Info("hold music started", "call_id", callID, "source_id", sourceID)
	return nil
}

// Stop ends hold music for a call. Returns false if no player was active.
func (m *Manager) Stop(callID string) bool {
	m.mu.Lock()
	p, ok := m.players[callID]
	if ok {
		delete(m.players, callID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.logger.Info("hold music stopped",
		"call_id", callID,
		"duration", time.Since(p.started).Round(time.Millisecond).String(),
		"chunks", p.chunks,
		"bytes", p.bytes,
	)
	return true
}

// StopAll ends hold music for every call.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// Playing reports whether a call currently has hold music.
func (m *Manager) Playing(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.players[callID]
	return ok
}

// Run drives the shared playback loop until the context is cancelled.
// Each tick pushes one chunk to every active player. A slow tick delays
// all players equally rather than dropping audio.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	m.logger.Info("playback loop started", "interval", chunkInterval.String())

	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			m.logger.Info("playback loop stopped")
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick sends the next chunk to each player, removing players that
// finished a non-looping source or whose sink failed.
func (m *Manager) tick() {
	m.mu.Lock()
	active := make([]*player, 0, len(m.players))
	for _, p := range m.players {
		active = append(active, p)
	}
	m.mu.Unlock()

	for _, p := range active {
		chunk := p.nextChunk()
		if chunk == nil {
			m.logger.Debug("music source finished", "call_id", p.callID)
			m.Stop(p.callID)
			continue
		}

		if p.source.Volume != 1.0 {
			chunk = audio.AdjustVolume(chunk, p.source.Volume)
		}

		if err := p.sink(chunk); err != nil {
			m.mu.Lock()
			m.sinkErrors++
			m.mu.Unlock()
			m.logger.Warn("hold music sink failed", "call_id", p.callID, "error", err)
			m.Stop(p.callID)
			continue
		}

		p.chunks++
		p.bytes += uint64(len(chunk))
		m.mu.Lock()
		m.chunksSent++
		m.bytesSent += uint64(len(chunk))
		m.mu.Unlock()
	}
}

// nextChunk returns the next ChunkBytes of source audio, wrapping to the
// start for looping sources. Returns nil when a non-looping source ends.
func (p *player) nextChunk() []byte {
	pcm := p.source.pcm

	if p.pos >= len(pcm) {
		if !p.source.Loop {
			return nil
		}
		p.pos = 0
	}

	remaining := len(pcm) - p.pos
	if remaining >= ChunkBytes {
		chunk := make([]byte, ChunkBytes)
		copy(chunk, pcm[p.pos:p.pos+ChunkBytes])
		p.pos += ChunkBytes
		return chunk
	}

	// Partial tail. Looping sources splice the start onto the tail so
	// playout never emits a short chunk.
	chunk := make([]byte, ChunkBytes)
	copy(chunk, pcm[p.pos:])
	if p.source.Loop {
		wrap := ChunkBytes - remaining
		copy(chunk[remaining:], pcm[:wrap])
		p.pos = wrap
	} else {
		p.pos = len(pcm)
	}
	return chunk
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActivePlayers: len(m.players),
		Sources:       len(m.sources),
		ChunksSent:    m.chunksSent,
		BytesSent:     m.bytesSent,
		SinkErrors:    m.sinkErrors,
	}
}
