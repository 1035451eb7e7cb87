// Package models holds the row types the store reads and writes.
// Structured fields (time ranges, AI context, sender lists) are kept as
// JSON text columns; the provisioning loaders decode them into the
// runtime types when the daemon boots.
package models

import "time"

// SystemConfig is a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// AdminAccount is a management-API account. PasswordHash is an Argon2id
// encoded hash, never the plaintext.
type AdminAccount struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RoutingRule is a provisioned call-routing rule. TimeRange is a JSON
// document ({"start","end","days"}) or empty when the rule applies at
// any time.
type RoutingRule struct {
	ID            int64
	Name          string
	Priority      int
	Enabled       bool
	CallerPattern string
	CalleePattern string
	TimeRange     string // JSON
	Action        string
	Target        string
	TimeoutS      int
	QueueName     string
	QueuePriority string
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Number list kinds.
const (
	ListBlacklist = "blacklist"
	ListWhitelist = "whitelist"
)

// NumberListEntry is one blacklist or whitelist number.
type NumberListEntry struct {
	ID        int64
	Kind      string
	Number    string
	Note      string
	CreatedAt time.Time
}

// DTMFPattern is a provisioned digit-sequence pattern.
type DTMFPattern struct {
	ID             int64
	Pattern        string
	Action         string
	Description    string
	Enabled        bool
	TransferTarget string
	AudioFile      string
	IVRMenuID      string
	Handler        string
	AIContext      string // JSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IVRMenu is one menu node. Items live in their own table keyed by
// MenuID. TimeoutAction is a JSON item run after retries are exhausted,
// or empty to end the session.
type IVRMenu struct {
	ID            int64
	MenuID        string
	Name          string
	WelcomePrompt string
	InvalidPrompt string
	TimeoutPrompt string
	TimeoutS      int
	MaxRetries    int
	Interruptible bool
	TimeoutAction string // JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IVRMenuItem is one digit mapping of a menu.
type IVRMenuItem struct {
	ID          int64
	MenuID      string
	Digit       string
	Action      string
	Description string
	Target      string
	PromptRef   string
	GotoMenuID  string
	Handler     string
	AIContext   string // JSON
	MaxDigits   int
	Terminator  string
}

// SMSRule is a provisioned inbound-message rule. RuleID is the external
// identifier the processor and API use.
type SMSRule struct {
	ID              int64
	RuleID          string
	Name            string
	Pattern         string
	Action          string
	Priority        int
	Enabled         bool
	MatchContent    bool
	MatchSender     bool
	CaseSensitive   bool
	ReplyTemplate   string
	ForwardTo       string
	AIContext       string // JSON
	Handler         string
	TimeWindow      string // JSON
	SenderWhitelist string // JSON array
	SenderBlacklist string // JSON array
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SMSTemplate is a named auto-reply text.
type SMSTemplate struct {
	ID        int64
	Name      string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BlockedSender is a number barred from the messaging plane.
type BlockedSender struct {
	ID        int64
	Number    string
	Reason    string
	CreatedAt time.Time
}

// MohSource is a provisioned hold-music source.
type MohSource struct {
	ID          int64
	SourceID    string
	Name        string
	Type        string // file, stream or generated
	Location    string
	Generator   string
	FrequencyHz float64
	DurationMs  int
	Loop        bool
	Volume      float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CallRecord is one finished call, written when the session reaches a
// terminal state.
type CallRecord struct {
	ID            int64
	CallID        string
	SessionID     string
	SIPCallID     string
	Direction     string
	FromNumber    string
	FromName      string
	ToNumber      string
	StartTime     time.Time
	RingTime      *time.Time
	ConnectTime   *time.Time
	EndTime       *time.Time
	DurationS     *int
	FinalState    string
	HangupReason  string
	Codec         string
	QueueName     string
	AISessionID   string
	RecordingFile string
	CreatedAt     time.Time
}

// SMSRecord is one archived message in a terminal status. Delivery
// reports arriving after archival update Status and DeliveredAt.
type SMSRecord struct {
	ID             int64
	MessageID      string
	Direction      string
	FromNumber     string
	ToNumber       string
	Body           string
	Status         string
	Encoding       string
	Segments       int
	Priority       int
	ConversationID string
	CallID         string
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ArchivedAt     time.Time
}
