// Package dtmf detects and processes DTMF digits arriving as RFC 2833
// telephone events, in-band audio tones, or SIP INFO notifications.
package dtmf

import (
	"fmt"
	"strings"
	"time"
)

// Method identifies how a digit was detected.
type Method string

const (
	MethodRFC2833 Method = "rfc2833"
	MethodInband  Method = "inband"
	MethodSIPInfo Method = "sip_info"
)

// Detection confidence per method. RFC 2833 events are explicit signaling;
// in-band detection can misfire on speech; SIP INFO is authoritative.
const (
	ConfidenceRFC2833 = 0.95
	ConfidenceInband  = 0.8
	ConfidenceSIPInfo = 1.0
)

// Event is one detected DTMF digit.
type Event struct {
	CallID     string
	Digit      string // one of 0-9, *, #, A-D
	Method     Method
	Time       time.Time
	Duration   time.Duration
	Level      int // dBm0, <= 0, from RFC 2833 volume; 0 when unknown
	Confidence float64
}

// digitCodes maps RFC 2833 event codes 0-15 to digits.
var digitCodes = [16]string{
	"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "*", "#", "A", "B", "C", "D",
}

// DigitForCode returns the digit for an RFC 2833 event code, or "" for
// codes outside the DTMF range (flash hook and reserved events).
func DigitForCode(code uint8) string {
	if int(code) < len(digitCodes) {
		return digitCodes[code]
	}
	return ""
}

// ValidDigit reports whether s is a single DTMF digit.
func ValidDigit(s string) bool {
	if len(s) != 1 {
		return false
	}
	return strings.ContainsAny(s, "0123456789*#ABCD")
}

// NewSIPInfoEvent builds an event for a digit reported by the signaling
// plane via SIP INFO. The digit is validated; case is normalized for A-D.
func NewSIPInfoEvent(callID, digit string) (Event, error) {
	digit = strings.ToUpper(strings.TrimSpace(digit))
	if !ValidDigit(digit) {
		return Event{}, fmt.Errorf("invalid dtmf digit %q", digit)
	}
	return Event{
		CallID:     callID,
		Digit:      digit,
		Method:     MethodSIPInfo,
		Time:       time.Now(),
		Confidence: ConfidenceSIPInfo,
	}, nil
}
