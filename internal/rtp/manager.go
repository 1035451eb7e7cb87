package rtp

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager multiplexes RTP sessions across calls. It owns the port pool and
// the call-id to session mapping; sessions are created on call admission
// and released when the call reaches a terminal state.
type Manager struct {
	pool   *Pool
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // keyed by call ID
}

// NewManager creates an RTP session manager with a port pool spanning
// [portMin, portMax].
func NewManager(portMin, portMax int, logger *slog.Logger) (*Manager, error) {
	pool, err := NewPool(portMin, portMax, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:     pool,
		logger:   logger.With("component", "rtp_manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// CreateSession allocates a port pair, builds the session, and starts its
// loops. Fails if the call already has a session or the pool is exhausted.
func (m *Manager) CreateSession(cfg SessionConfig) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[cfg.CallID]; exists {
		return nil, fmt.Errorf("rtp session already exists for call %s", cfg.CallID)
	}

	pair, err := m.pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating media ports: %w", err)
	}

	sess := newSession(pair, cfg, m.logger)
	m.sessions[cfg.CallID] = sess
	sess.start()

	m.logger.Info("rtp session created",
		"call_id", cfg.CallID,
		"local_port", pair.Ports.RTP,
		"codec", cfg.Codec,
		"active", len(m.sessions),
	)
	return sess, nil
}

// Get returns the session for a call, or nil if none exists.
func (m *Manager) Get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// Release stops the call's session and returns its ports to the pool.
// Releasing an unknown call is a no-op.
func (m *Manager) Release(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}

	sess.Stop()
	m.pool.Release(sess.pair)

	m.logger.Info("rtp session released",
		"call_id", callID,
		"local_port", sess.pair.Ports.RTP,
		"active", count,
	)
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AggregateStats sums media counters across all active sessions.
// Counters of released sessions are not retained.
func (m *Manager) AggregateStats() Statistics {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var agg Statistics
	for _, s := range sessions {
		st := s.Stats()
		agg.PacketsSent += st.PacketsSent
		agg.PacketsReceived += st.PacketsReceived
		agg.BytesSent += st.BytesSent
		agg.BytesReceived += st.BytesReceived
		agg.PacketsLost += st.PacketsLost
		agg.ParseErrors += st.ParseErrors
		agg.SendErrors += st.SendErrors
	}
	return agg
}

// PortsInUse returns the number of allocated port pairs.
func (m *Manager) PortsInUse() int {
	return m.pool.AllocatedCount()
}

// PortCapacity returns the total number of port pairs in the pool.
func (m *Manager) PortCapacity() int {
	return m.pool.Capacity()
}

// ReleaseAll stops every session, used at shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}
	if len(ids) > 0 {
		m.logger.Info("all rtp sessions released", "count", len(ids))
	}
}
