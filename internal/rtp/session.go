package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the read buffer size; RTP over UDP on telephony
	// links stays well under the ethernet MTU.
	maxRTPPacket = 1500

	// readDeadline bounds each blocking read so the loops can observe
	// stop signals.
	readDeadline = 100 * time.Millisecond

	// senderReportInterval is how often an RTCP SR is emitted while the
	// session has a remote endpoint.
	senderReportInterval = 5 * time.Second
)

// Statistics tracks per-session media counters. Loss is estimated from
// sequence gaps with 16-bit wraparound; implausible jumps (>1000) are
// treated as a reset rather than loss.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint64
	ParseErrors     uint64
	SendErrors      uint64

	// From the most recent RTCP receiver report, if any.
	RemoteFractionLost uint8
	RemoteJitter       uint32
}

// SessionConfig describes one RTP media session.
type SessionConfig struct {
	CallID      string
	Codec       string // PCMU, PCMA, G722, G729
	PayloadType uint8
	SampleRate  int
	FrameDur    time.Duration // playout tick, default 20 ms

	// Remote media endpoint, when already known from signaling. Symmetric
	// RTP learning updates it from the first inbound packet otherwise.
	RemoteHost string
	RemotePort int

	JitterMaxSize int
	JitterDelay   time.Duration

	// TelephoneEventPT is the negotiated RFC 2833 payload type (0 disables
	// event demux; 101 is the conventional value).
	TelephoneEventPT uint8

	// OnAudio receives payloads in jitter-buffer playout order, one per
	// playout tick. OnEvent receives telephone-event payloads as they
	// arrive, bypassing the jitter buffer.
	OnAudio func(payload []byte, pkt *rtp.Packet)
	OnEvent func(payload []byte, pkt *rtp.Packet)
}

// Session is one bidirectional RTP stream bound to an allocated port pair.
// A receive loop feeds the jitter buffer, a playout loop drains it at the
// frame cadence, and an RTCP loop exchanges sender/receiver reports.
type Session struct {
	cfg    SessionConfig
	pair   *SocketPair
	jitter *JitterBuffer
	logger *slog.Logger

	ssrc uint32

	mu        sync.Mutex
	remote    *net.UDPAddr
	seq       uint16
	timestamp uint32
	sentFirst bool
	lastSeq   int // -1 until the first packet arrives
	stats     Statistics

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func newSession(pair *SocketPair, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.FrameDur <= 0 {
		cfg.FrameDur = 20 * time.Millisecond
	}
	s := &Session{
		cfg:     cfg,
		pair:    pair,
		jitter:  NewJitterBuffer(cfg.JitterMaxSize, cfg.JitterDelay),
		logger:  logger.With("call_id", cfg.CallID, "rtp_port", pair.Ports.RTP),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.Intn(1 << 16)),
		lastSeq: -1,
		stopCh:  make(chan struct{}),
	}
	if cfg.RemoteHost != "" && cfg.RemotePort > 0 {
		if addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.RemoteHost, fmt.Sprint(cfg.RemotePort))); err == nil {
			s.remote = addr
		} else {
			s.logger.Warn("unresolvable remote media address",
				"host", cfg.RemoteHost,
				"port", cfg.RemotePort,
				"error", err,
			)
		}
	}
	return s
}

// start launches the receive, playout and RTCP loops.
func (s *Session) start() {
	s.wg.Add(3)
	go s.receiveLoop()
	go s.playoutLoop()
	go s.rtcpLoop()
	s.logger.Debug("rtp session started",
		"codec", s.cfg.Codec,
		"payload_type", s.cfg.PayloadType,
		"ssrc", s.ssrc,
	)
}

// Stop terminates all loops and closes the sockets. Safe to call more
// than once.
func (s *Session) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
		s.pair.Close()
	})
	s.wg.Wait()
}

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int {
	return s.pair.Ports.RTP
}

// SSRC returns the synchronization source chosen at session creation.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// RemoteAddr returns the current remote media endpoint, or nil if none has
// been signaled or learned yet.
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetRemote points the send side at a new media endpoint, e.g. after a
// re-INVITE moves the caller's media.
func (s *Session) SetRemote(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("resolving remote media address: %w", err)
	}
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// JitterStats returns a snapshot of the jitter buffer counters.
func (s *Session) JitterStats() JitterStats {
	return s.jitter.Stats()
}

// Send packetizes one codec payload and writes it to the remote endpoint.
// The sequence number increments with 16-bit wrap and the timestamp
// advances by the payload's sample count. Send errors drop the packet and
// are counted; media keeps flowing.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	remote := s.remote
	if remote == nil {
		s.mu.Unlock()
		return errors.New("no remote media endpoint")
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.sentFirst,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.timestamp += payloadSamples(s.cfg.Codec, len(payload))
	s.sentFirst = true
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		s.countSendError()
		return fmt.Errorf("marshaling rtp packet: %w", err)
	}

	if _, err := s.pair.RTPConn.WriteToUDP(data, remote); err != nil {
		s.countSendError()
		return fmt.Errorf("sending rtp packet: %w", err)
	}

	s.mu.Lock()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(payload))
	s.mu.Unlock()
	return nil
}

func (s *Session) countSendError() {
	s.mu.Lock()
	s.stats.SendErrors++
	s.mu.Unlock()
}

// receiveLoop reads inbound packets, learns the remote endpoint, and feeds
// audio into the jitter buffer. A closed socket terminates the loop; parse
// failures drop the packet and are counted.
func (s *Session) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.pair.RTPConn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, addr, err := s.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-s.stopCh:
			default:
				s.logger.Debug("rtp receive loop terminated", "error", err)
			}
			return
		}

		// Symmetric RTP: adopt the sender's address when signaling gave
		// us none.
		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
			s.logger.Debug("learned remote media endpoint", "remote", addr.String())
		}
		s.mu.Unlock()

		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			s.mu.Lock()
			s.stats.ParseErrors++
			s.mu.Unlock()
			continue
		}

		s.recordReceived(pkt)

		if s.cfg.TelephoneEventPT != 0 && pkt.PayloadType == s.cfg.TelephoneEventPT {
			if s.cfg.OnEvent != nil {
				s.cfg.OnEvent(pkt.Payload, pkt)
			}
			continue
		}

		s.jitter.Add(pkt)
	}
}

// Inject feeds a relayed packet through the receive path, for
// deployments where the proxy forwards media over the signaling channel
// instead of sending UDP to the session's port. The packet takes the
// same route as a socket read: counters, telephone-event demux, jitter
// buffer.
func (s *Session) Inject(data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		s.mu.Lock()
		s.stats.ParseErrors++
		s.mu.Unlock()
		return fmt.Errorf("parsing relayed rtp packet: %w", err)
	}

	s.recordReceived(pkt)

	if s.cfg.TelephoneEventPT != 0 && pkt.PayloadType == s.cfg.TelephoneEventPT {
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(pkt.Payload, pkt)
		}
		return nil
	}

	s.jitter.Add(pkt)
	return nil
}

// recordReceived updates counters and the sequence-gap loss estimate.
func (s *Session) recordReceived(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(pkt.Payload))

	seq := pkt.SequenceNumber
	if s.lastSeq >= 0 {
		expected := uint16(s.lastSeq + 1)
		if seq != expected {
			gap := uint16(seq - expected)
			if gap < 1000 {
				s.stats.PacketsLost += uint64(gap)
			}
		}
	}
	s.lastSeq = int(seq)
}

// playoutLoop drains the jitter buffer at the frame cadence and hands
// payloads to the audio callback in playout order.
func (s *Session) playoutLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FrameDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			pkt := s.jitter.Get()
			if pkt == nil {
				continue
			}
			if s.cfg.OnAudio != nil {
				s.cfg.OnAudio(pkt.Payload, pkt)
			}
		}
	}
}

// rtcpLoop periodically emits sender reports and consumes inbound receiver
// reports for remote loss and jitter estimates.
func (s *Session) rtcpLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(senderReportInterval)
	defer ticker.Stop()

	buf := make([]byte, maxRTPPacket)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendSenderReport()
		default:
		}

		if err := s.pair.RTCPConn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, _, err := s.pair.RTCPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			s.handleRTCP(p)
		}
	}
}

func (s *Session) handleRTCP(p rtcp.Packet) {
	var reports []rtcp.ReceptionReport
	switch rr := p.(type) {
	case *rtcp.ReceiverReport:
		reports = rr.Reports
	case *rtcp.SenderReport:
		reports = rr.Reports
	default:
		return
	}
	for _, rep := range reports {
		if rep.SSRC != s.ssrc {
			continue
		}
		s.mu.Lock()
		s.stats.RemoteFractionLost = rep.FractionLost
		s.stats.RemoteJitter = rep.Jitter
		s.mu.Unlock()
	}
}

// sendSenderReport emits an RTCP SR on the companion odd port.
func (s *Session) sendSenderReport() {
	s.mu.Lock()
	remote := s.remote
	sr := rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     s.timestamp,
		PacketCount: uint32(s.stats.PacketsSent),
		OctetCount:  uint32(s.stats.BytesSent),
	}
	s.mu.Unlock()

	if remote == nil {
		return
	}

	data, err := sr.Marshal()
	if err != nil {
		return
	}
	rtcpAddr := &net.UDPAddr{IP: remote.IP, Port: remote.Port + 1, Zone: remote.Zone}
	if _, err := s.pair.RTCPConn.WriteToUDP(data, rtcpAddr); err != nil {
		s.logger.Debug("rtcp sender report send failed", "error", err)
	}
}

// ntpTime converts wall time to the 64-bit NTP format used in RTCP sender
// reports (seconds since 1900 in the high word, fraction in the low word).
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + 2208988800
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// payloadSamples returns the RTP timestamp advance for one payload of the
// given codec. The G.711 codecs and G.729 carry one sample per byte at
// 8 kHz; G.722 is also clocked at 8 kHz on the wire (RFC 3551 4.5.2).
func payloadSamples(codec string, payloadLen int) uint32 {
	switch codec {
	case "G729":
		// 10 bytes per 10 ms frame of 80 samples.
		return uint32(payloadLen * 8)
	default:
		return uint32(payloadLen)
	}
}
