// Package sms implements the messaging plane: a rate-limited priority
// queue, rule-based processing of inbound messages, and a delivery
// pipeline that carries outbound messages to the SIP plane as MESSAGE
// requests.
package sms

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Direction tells which way a message travelled.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transitions leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Encoding selects the character set a message body is carried in.
// The encoding decides the per-segment capacity.
type Encoding string

const (
	EncodingGSM7 Encoding = "gsm7"
	EncodingUCS2 Encoding = "ucs2"
	EncodingUTF8 Encoding = "utf8"
)

// Priority orders queued messages. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps a priority label to its level. Unknown labels
// fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow
	case "high", "3":
		return PriorityHigh
	case "urgent", "4":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

const (
	// MaxBodyLength bounds accepted message bodies in runes.
	MaxBodyLength = 1600

	gsm7SingleLimit = 160
	gsm7MultiLimit  = 153
	ucs2SingleLimit = 70
	ucs2MultiLimit  = 67
)

// Message is one SMS, inbound or outbound.
type Message struct {
	ID        string    `json:"message_id"`
	From      string    `json:"from_number"`
	To        string    `json:"to_number"`
	Body      string    `json:"body"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	Encoding  Encoding  `json:"encoding"`
	Segments  int       `json:"segments"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// CallID is the SIP Call-ID of the MESSAGE transaction that
	// carried an inbound message.
	CallID  string            `json:"call_id,omitempty"`
	Headers map[string]string `json:"-"`

	ConversationID string `json:"conversation_id,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
}

// Expired reports whether the message is past its expiry.
func (m *Message) Expired() bool {
	return time.Now().After(m.ExpiresAt)
}

// CanRetry reports whether a failed send may be attempted again.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries && !m.Expired()
}

// clone copies the message, including its header map, so callers can
// hand it out without exposing manager-owned state.
func (m *Message) clone() Message {
	out := *m
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// SegmentCount returns how many SMS segments body occupies in the
// given encoding. Concatenated messages lose header room in every
// segment, so the multi-part capacity is smaller than the single-part
// one.
func SegmentCount(body string, enc Encoding) int {
	single, multi := ucs2SingleLimit, ucs2MultiLimit
	if enc == EncodingGSM7 {
		single, multi = gsm7SingleLimit, gsm7MultiLimit
	}
	n := utf8.RuneCountInString(body)
	if n <= single {
		return 1
	}
	return (n-1)/multi + 1
}

// gsm7Chars is the GSM 03.38 basic character set plus the extension
// table characters reachable with an escape.
const gsm7Chars = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑܧ¿abcdefghijklmnopqrstuvwxyzäöñüà^{}\\[~]|€"

var gsm7Set = func() map[rune]bool {
	set := make(map[rune]bool, len(gsm7Chars))
	for _, r := range gsm7Chars {
		set[r] = true
	}
	return set
}()

// DetectEncoding picks the cheapest encoding able to carry body:
// GSM 7-bit when every rune is in the GSM 03.38 set, UTF-8 otherwise.
func DetectEncoding(body string) Encoding {
	for _, r := range body {
		if !gsm7Set[r] {
			return EncodingUTF8
		}
	}
	return EncodingGSM7
}

var phonePattern = regexp.MustCompile(`^\+?[0-9\s()\-]{10,}$`)

// Validate rejects parameters that cannot form a deliverable message.
func Validate(from, to, body string) error {
	if from == "" || to == "" {
		return fmt.Errorf("from and to numbers are required")
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return fmt.Errorf("message body exceeds %d characters", MaxBodyLength)
	}
	if !phonePattern.MatchString(from) {
		return fmt.Errorf("invalid from number %q", from)
	}
	if !phonePattern.MatchString(to) {
		return fmt.Errorf("invalid to number %q", to)
	}
	return nil
}

// NumberFromURI extracts the user part of a SIP URI, the phone number
// in this deployment. Unparseable input yields "unknown".
func NumberFromURI(uri string) string {
	if uri == "" {
		return "unknown"
	}
	uri = strings.TrimPrefix(uri, "sips:")
	uri = strings.TrimPrefix(uri, "sip:")
	if at := strings.Index(uri, "@"); at >= 0 {
		uri = uri[:at]
	}
	if semi := strings.Index(uri, ";"); semi >= 0 {
		uri = uri[:semi]
	}
	if uri == "" {
		return "unknown"
	}
	return uri
}
