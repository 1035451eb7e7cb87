package store

import (
	"context"
	"time"

	"github.com/voicebridge/voicebridge/internal/store/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// AdminAccountRepository manages management-API accounts.
type AdminAccountRepository interface {
	Create(ctx context.Context, acct *models.AdminAccount) error
	GetByID(ctx context.Context, id int64) (*models.AdminAccount, error)
	GetByUsername(ctx context.Context, username string) (*models.AdminAccount, error)
	List(ctx context.Context) ([]models.AdminAccount, error)
	Update(ctx context.Context, acct *models.AdminAccount) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// RoutingRuleRepository manages provisioned call-routing rules.
type RoutingRuleRepository interface {
	Create(ctx context.Context, rule *models.RoutingRule) error
	GetByID(ctx context.Context, id int64) (*models.RoutingRule, error)
	GetByName(ctx context.Context, name string) (*models.RoutingRule, error)
	List(ctx context.Context) ([]models.RoutingRule, error)
	Update(ctx context.Context, rule *models.RoutingRule) error
	Delete(ctx context.Context, id int64) error
}

// NumberListRepository manages the caller blacklist and whitelist.
type NumberListRepository interface {
	Add(ctx context.Context, entry *models.NumberListEntry) error
	Remove(ctx context.Context, kind, number string) (bool, error)
	List(ctx context.Context, kind string) ([]models.NumberListEntry, error)
}

// DTMFPatternRepository manages provisioned digit-sequence patterns.
type DTMFPatternRepository interface {
	Create(ctx context.Context, pat *models.DTMFPattern) error
	GetByID(ctx context.Context, id int64) (*models.DTMFPattern, error)
	List(ctx context.Context) ([]models.DTMFPattern, error)
	Update(ctx context.Context, pat *models.DTMFPattern) error
	Delete(ctx context.Context, id int64) error
}

// IVRMenuRepository manages menus and their digit items. Create and
// Update write the menu and its items atomically; Update replaces the
// item set.
type IVRMenuRepository interface {
	Create(ctx context.Context, menu *models.IVRMenu, items []models.IVRMenuItem) error
	GetByMenuID(ctx context.Context, menuID string) (*models.IVRMenu, []models.IVRMenuItem, error)
	List(ctx context.Context) ([]models.IVRMenu, error)
	Items(ctx context.Context, menuID string) ([]models.IVRMenuItem, error)
	Update(ctx context.Context, menu *models.IVRMenu, items []models.IVRMenuItem) error
	Delete(ctx context.Context, menuID string) (bool, error)
}

// SMSRuleRepository manages provisioned inbound-message rules.
type SMSRuleRepository interface {
	Create(ctx context.Context, rule *models.SMSRule) error
	GetByRuleID(ctx context.Context, ruleID string) (*models.SMSRule, error)
	List(ctx context.Context) ([]models.SMSRule, error)
	Update(ctx context.Context, rule *models.SMSRule) error
	Delete(ctx context.Context, ruleID string) (bool, error)
}

// SMSTemplateRepository manages named auto-reply templates.
type SMSTemplateRepository interface {
	Set(ctx context.Context, name, text string) error
	Get(ctx context.Context, name string) (*models.SMSTemplate, error)
	List(ctx context.Context) ([]models.SMSTemplate, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// BlockedSenderRepository manages numbers barred from messaging.
type BlockedSenderRepository interface {
	Add(ctx context.Context, number, reason string) error
	Remove(ctx context.Context, number string) (bool, error)
	List(ctx context.Context) ([]models.BlockedSender, error)
}

// MohSourceRepository manages provisioned hold-music sources.
type MohSourceRepository interface {
	Create(ctx context.Context, src *models.MohSource) error
	GetBySourceID(ctx context.Context, sourceID string) (*models.MohSource, error)
	List(ctx context.Context) ([]models.MohSource, error)
	Update(ctx context.Context, src *models.MohSource) error
	Delete(ctx context.Context, sourceID string) (bool, error)
}

// CallRecordFilter narrows and paginates call record list queries.
type CallRecordFilter struct {
	Limit     int
	Offset    int
	Search    string // matches from_number, from_name or to_number
	Direction string // "inbound", "outbound" or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallRecordRepository manages finished call records.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	ListWithRecordings(ctx context.Context, filter CallRecordFilter) ([]models.CallRecord, int, error)
	// ClearRecording blanks one record's recording_file reference.
	ClearRecording(ctx context.Context, callID string) (bool, error)
	// ClearExpiredRecordings blanks recording_file on records older than
	// the given number of days and returns the cleared paths so the
	// caller can delete the files.
	ClearExpiredRecordings(ctx context.Context, days int) ([]string, error)
}

// SMSArchiveFilter narrows and paginates archived message queries.
type SMSArchiveFilter struct {
	Limit     int
	Offset    int
	Search    string // matches from_number, to_number or body
	Direction string // "inbound", "outbound" or "" for all
	Status    string // terminal status or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// SMSArchiveRepository manages terminal-state message archives. Archive
// upserts on message_id so a late delivery report can re-archive the
// same message with its final status.
type SMSArchiveRepository interface {
	Archive(ctx context.Context, rec *models.SMSRecord) error
	GetByMessageID(ctx context.Context, messageID string) (*models.SMSRecord, error)
	List(ctx context.Context, filter SMSArchiveFilter) ([]models.SMSRecord, int, error)
	// UpdateStatus flips an archived message's status, stamping
	// delivered_at when given. Returns false when no such message is
	// archived.
	UpdateStatus(ctx context.Context, messageID, status string, deliveredAt *time.Time) (bool, error)
	// Purge deletes archive rows older than the given number of days and
	// returns how many went away.
	Purge(ctx context.Context, days int) (int64, error)
}
