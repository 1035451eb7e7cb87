package rtp

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustManager(t *testing.T, portMin, portMax int) *Manager {
	t.Helper()
	m, err := NewManager(portMin, portMax, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestSessionSendHeaders(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer recv.Close()

	m := mustManager(t, 40000, 40020)
	sess, err := m.CreateSession(SessionConfig{
		CallID:      "c1",
		Codec:       "PCMU",
		PayloadType: 0,
		SampleRate:  8000,
		RemoteHost:  "127.0.0.1",
		RemotePort:  recv.LocalAddr().(*net.UDPAddr).Port,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.ReleaseAll()

	payload := bytes.Repeat([]byte{0xFF}, 160)
	if err := sess.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sess.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := readPacket(t, recv)
	second := readPacket(t, recv)

	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}
	if first.PayloadType != 0 {
		t.Errorf("PayloadType = %d, want 0", first.PayloadType)
	}
	if !first.Marker {
		t.Error("first packet Marker = false, want true")
	}
	if second.Marker {
		t.Error("second packet Marker = true, want false")
	}
	if got, want := second.SequenceNumber, first.SequenceNumber+1; got != want {
		t.Errorf("second seq = %d, want %d", got, want)
	}
	if got, want := second.Timestamp, first.Timestamp+160; got != want {
		t.Errorf("second timestamp = %d, want %d", got, want)
	}
	if first.SSRC != second.SSRC {
		t.Errorf("SSRC changed between packets: %d then %d", first.SSRC, second.SSRC)
	}
	if !bytes.Equal(first.Payload, payload) {
		t.Error("payload mismatch")
	}

	stats := sess.Stats()
	if stats.PacketsSent != 2 {
		t.Errorf("PacketsSent = %d, want 2", stats.PacketsSent)
	}
	if stats.BytesSent != 320 {
		t.Errorf("BytesSent = %d, want 320", stats.BytesSent)
	}
}

func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, maxRTPPacket)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading rtp packet: %v", err)
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshaling rtp packet: %v", err)
	}
	return pkt
}

func TestSessionSendWithoutRemote(t *testing.T) {
	m := mustManager(t, 40100, 40120)
	sess, err := m.CreateSession(SessionConfig{CallID: "c1", Codec: "PCMU"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.ReleaseAll()

	if err := sess.Send([]byte{0xFF}); err == nil {
		t.Error("Send without remote endpoint succeeded, want error")
	}
}

func TestSessionReceivePlayout(t *testing.T) {
	audioCh := make(chan []byte, 4)

	m := mustManager(t, 40200, 40220)
	sess, err := m.CreateSession(SessionConfig{
		CallID:      "c1",
		Codec:       "PCMU",
		PayloadType: 0,
		FrameDur:    5 * time.Millisecond,
		OnAudio: func(payload []byte, _ *rtp.Packet) {
			audioCh <- payload
		},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.ReleaseAll()

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.LocalPort()})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	payload := bytes.Repeat([]byte{0xFF}, 160)
	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 100,
			Timestamp:      0,
			SSRC:           0x99,
		},
		Payload: payload,
	}
	data, err := out.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := sender.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-audioCh:
		if !bytes.Equal(got, payload) {
			t.Errorf("played payload = %d bytes, want 160 bytes of 0xFF", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playout")
	}

	if got := sess.Stats().PacketsReceived; got != 1 {
		t.Errorf("PacketsReceived = %d, want 1", got)
	}
	// Symmetric RTP: the sender's address was learned.
	if sess.RemoteAddr() == nil {
		t.Error("RemoteAddr = nil after inbound packet, want learned address")
	}
}

func TestSessionTelephoneEventBypass(t *testing.T) {
	eventCh := make(chan []byte, 4)

	m := mustManager(t, 40300, 40320)
	sess, err := m.CreateSession(SessionConfig{
		CallID:           "c1",
		Codec:            "PCMU",
		TelephoneEventPT: 101,
		FrameDur:         5 * time.Millisecond,
		OnEvent: func(payload []byte, _ *rtp.Packet) {
			eventCh <- payload
		},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.ReleaseAll()

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.LocalPort()})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	// RFC 2833 payload: digit 1, end bit set, duration 800.
	event := []byte{0x01, 0x8A, 0x03, 0x20}
	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    101,
			SequenceNumber: 1,
			SSRC:           0x99,
		},
		Payload: event,
	}
	data, err := out.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := sender.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-eventCh:
		if !bytes.Equal(got, event) {
			t.Errorf("event payload = %x, want %x", got, event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telephone event")
	}

	if got := sess.jitter.Len(); got != 0 {
		t.Errorf("jitter buffer length = %d after event packet, want 0", got)
	}
}

func TestSessionInject(t *testing.T) {
	audioCh := make(chan []byte, 4)
	eventCh := make(chan []byte, 4)

	m := mustManager(t, 40400, 40420)
	sess, err := m.CreateSession(SessionConfig{
		CallID:           "c1",
		Codec:            "PCMU",
		PayloadType:      0,
		TelephoneEventPT: 101,
		FrameDur:         5 * time.Millisecond,
		OnAudio:          func(payload []byte, _ *rtp.Packet) { audioCh <- payload },
		OnEvent:          func(payload []byte, _ *rtp.Packet) { eventCh <- payload },
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.ReleaseAll()

	payload := bytes.Repeat([]byte{0xFF}, 160)
	audio := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 10, SSRC: 0x42},
		Payload: payload,
	}
	data, err := audio.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := sess.Inject(data); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	select {
	case got := <-audioCh:
		if !bytes.Equal(got, payload) {
			t.Errorf("played payload = %d bytes, want 160 bytes of 0xFF", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for injected audio playout")
	}

	event := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: 11, SSRC: 0x42},
		Payload: []byte{0x01, 0x8A, 0x03, 0x20},
	}
	data, err = event.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := sess.Inject(data); err != nil {
		t.Fatalf("Inject event: %v", err)
	}

	select {
	case got := <-eventCh:
		if !bytes.Equal(got, event.Payload) {
			t.Errorf("event payload = %x, want %x", got, event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for injected telephone event")
	}

	if err := sess.Inject([]byte{0x01}); err == nil {
		t.Error("Inject(garbage) = nil, want parse error")
	}

	stats := sess.Stats()
	if stats.PacketsReceived != 2 {
		t.Errorf("PacketsReceived = %d, want 2", stats.PacketsReceived)
	}
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	in := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    8,
			SequenceNumber: 65535,
			Timestamp:      0xDEADBEEF,
			SSRC:           0xCAFEBABE,
		},
		Payload: bytes.Repeat([]byte{0xD5}, 160),
	}

	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := &rtp.Packet{}
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	redata, err := out.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(data, redata) {
		t.Error("pack(parse(x)) != x")
	}
}
