package signaling

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
)

// telephoneEventPT is the conventional RFC 2833 payload type offered in
// every answer.
const telephoneEventPT = 101

// Offer is the slice of a remote SDP body the media plane needs: where
// the caller wants RTP sent and which payload types it offered.
type Offer struct {
	Host         string
	Port         int
	PayloadTypes []int
}

// Codec returns the codec name for the first offered payload type we
// can transcode, or "" when nothing in the offer is usable.
func (o Offer) Codec() string {
	for _, pt := range o.PayloadTypes {
		switch pt {
		case audio.PayloadPCMU, audio.PayloadPCMA, audio.PayloadG722, audio.PayloadG729:
			return audio.CodecName(uint8(pt))
		}
	}
	return ""
}

// ParseOffer extracts the remote media endpoint from an SDP offer. A
// media-level c= line overrides the session-level one, per RFC 4566.
// Lines other than c= and m=audio are ignored; this is body parsing,
// not SIP parsing.
func ParseOffer(body string) (Offer, error) {
	text := strings.ReplaceAll(body, "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return Offer{}, fmt.Errorf("empty sdp body")
	}

	var (
		offer       Offer
		sessionHost string
		inAudio     bool
		sawMedia    bool
		sawAudio    bool
	)
	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		switch line[0] {
		case 'c':
			host, err := parseConnectionAddress(line[2:])
			if err != nil {
				return Offer{}, fmt.Errorf("invalid sdp connection: %w", err)
			}
			// Session-level c= precedes the first media section; after
			// that, a c= belongs to whichever section is open.
			switch {
			case inAudio:
				offer.Host = host
			case !sawMedia:
				sessionHost = host
			}

		case 'm':
			sawMedia = true
			fields := strings.Fields(line[2:])
			if len(fields) < 4 {
				return Offer{}, fmt.Errorf("invalid sdp media line %q", line)
			}
			if fields[0] != "audio" {
				inAudio = false
				continue
			}
			if sawAudio {
				// Only the first audio section is negotiated.
				inAudio = false
				continue
			}
			port, err := strconv.Atoi(strings.SplitN(fields[1], "/", 2)[0])
			if err != nil {
				return Offer{}, fmt.Errorf("invalid sdp media port %q", fields[1])
			}
			offer.Port = port
			for _, f := range fields[3:] {
				pt, err := strconv.Atoi(f)
				if err != nil {
					return Offer{}, fmt.Errorf("invalid payload type %q", f)
				}
				offer.PayloadTypes = append(offer.PayloadTypes, pt)
			}
			inAudio = true
			sawAudio = true
		}
	}

	if !sawAudio {
		return Offer{}, fmt.Errorf("sdp offer has no audio media")
	}
	if offer.Host == "" {
		offer.Host = sessionHost
	}
	if offer.Host == "" {
		return Offer{}, fmt.Errorf("sdp offer has no connection address")
	}
	if offer.Port <= 0 {
		return Offer{}, fmt.Errorf("sdp offer has no usable audio port")
	}
	return offer, nil
}

// parseConnectionAddress parses a c= value: <nettype> <addrtype> <address>.
// A TTL or multicast count suffix is stripped before validation.
func parseConnectionAddress(value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return "", fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	addr := fields[2]
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid ip address %q", addr)
	}
	return addr, nil
}

// BuildAnswer renders the local SDP answer for an accepted call: one
// audio section with the negotiated G.711 codec plus telephone-event.
func BuildAnswer(localHost string, localPort int, codec string) string {
	pt := audio.PayloadType(codec)
	name := audio.CodecName(pt)
	sessID := time.Now().Unix()

	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessID, sessID, localHost)
	b.WriteString("s=voicebridge\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localHost)
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d %d\r\n", localPort, pt, telephoneEventPT)
	fmt.Fprintf(&b, "a=rtpmap:%d %s/8000\r\n", pt, name)
	fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", telephoneEventPT)
	fmt.Fprintf(&b, "a=fmtp:%d 0-16\r\n", telephoneEventPT)
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=sendrecv\r\n")
	return b.String()
}
