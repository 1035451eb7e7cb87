package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// JitterBuffer reorders RTP packets by sequence number and delays playout
// until the gap window expires. Packets are keyed by their 16-bit sequence
// number; duplicates are dropped and the lowest sequence is evicted when the
// buffer is full.
type JitterBuffer struct {
	mu sync.Mutex

	maxSize     int
	targetDelay time.Duration

	packets       map[uint16]*rtp.Packet
	lastPlayedSeq int // -1 until the first packet is played
	baseTime      time.Time

	stats JitterStats
}

// JitterStats counts buffer activity since creation.
type JitterStats struct {
	Received   uint64
	Played     uint64
	Dropped    uint64 // evicted on overflow
	Duplicates uint64
	Skipped    uint64 // gaps skipped after the delay window elapsed
}

// NewJitterBuffer creates a jitter buffer holding at most maxSize packets
// with the given playout delay. Zero or negative arguments fall back to
// 50 packets and 60 ms.
func NewJitterBuffer(maxSize int, targetDelay time.Duration) *JitterBuffer {
	if maxSize <= 0 {
		maxSize = 50
	}
	if targetDelay <= 0 {
		targetDelay = 60 * time.Millisecond
	}
	return &JitterBuffer{
		maxSize:       maxSize,
		targetDelay:   targetDelay,
		packets:       make(map[uint16]*rtp.Packet),
		lastPlayedSeq: -1,
	}
}

// Add inserts a packet. Duplicates by sequence number are rejected. When the
// buffer is full the lowest sequence is evicted to make room. Returns false
// if the packet was not stored.
func (jb *JitterBuffer) Add(pkt *rtp.Packet) bool {
	if pkt == nil {
		return false
	}

	jb.mu.Lock()
	defer jb.mu.Unlock()

	seq := pkt.SequenceNumber
	if _, dup := jb.packets[seq]; dup {
		jb.stats.Duplicates++
		return false
	}

	if len(jb.packets) >= jb.maxSize {
		oldest := jb.lowestSeqLocked()
		delete(jb.packets, oldest)
		jb.stats.Dropped++
	}

	jb.packets[seq] = pkt
	jb.stats.Received++

	if jb.baseTime.IsZero() {
		jb.baseTime = time.Now()
	}
	return true
}

// Get returns the next packet in playout order, or nil when nothing is
// ready. Before the first playout the lowest buffered sequence is chosen.
// Afterwards the expected sequence (last played + 1, mod 2^16) is delivered
// when present; if it is missing the buffer waits until the target delay
// has elapsed since the first packet arrived, then skips the gap and
// resumes from the lowest buffered sequence.
func (jb *JitterBuffer) Get() *rtp.Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if len(jb.packets) == 0 {
		return nil
	}

	if jb.lastPlayedSeq < 0 {
		return jb.takeLocked(jb.lowestSeqLocked())
	}

	expected := uint16(jb.lastPlayedSeq + 1)
	if _, ok := jb.packets[expected]; ok {
		return jb.takeLocked(expected)
	}

	// Gap. Hold playout until the delay window has passed, then skip.
	if time.Since(jb.baseTime) <= jb.targetDelay {
		return nil
	}
	jb.stats.Skipped++
	return jb.takeLocked(jb.lowestSeqLocked())
}

// Len returns the number of buffered packets.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.packets)
}

// Stats returns a snapshot of the buffer counters.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.stats
}

// Clear drops all buffered packets and resets playout state.
func (jb *JitterBuffer) Clear() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.packets = make(map[uint16]*rtp.Packet)
	jb.lastPlayedSeq = -1
	jb.baseTime = time.Time{}
}

func (jb *JitterBuffer) takeLocked(seq uint16) *rtp.Packet {
	pkt := jb.packets[seq]
	delete(jb.packets, seq)
	jb.lastPlayedSeq = int(seq)
	jb.stats.Played++
	return pkt
}

// lowestSeqLocked returns the smallest buffered sequence number, used for
// the first playout and for gap recovery. Ordering across the 65535 wrap is
// preserved by the expected-sequence path in Get, which advances modulo 2^16.
func (jb *JitterBuffer) lowestSeqLocked() uint16 {
	first := true
	var lowest uint16
	for seq := range jb.packets {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}
