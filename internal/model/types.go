package model

import "time"

// Campaign status constants. Transitions are monotonic except running<->paused.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCancelled = "cancelled"
)

// Message status constants, ordered by delivery progress.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message sources.
const (
	SourceCampaign  = "campaign"
	SourceAPI       = "api"
	SourceManual    = "manual"
	SourceScheduled = "scheduled"
)

// Scheduled message status constants.
const (
	ScheduledPending   = "pending"
	ScheduledSent      = "sent"
	ScheduledFailed    = "failed"
	ScheduledCancelled = "cancelled"
)

// Recurrence types for scheduled messages.
const (
	RecurDaily   = "daily"
	RecurWeekly  = "weekly"
	RecurMonthly = "monthly"
)

// Media types accepted for outgoing messages.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaAudio    = "audio"
)

// Account is the owner of contacts, campaigns and one WhatsApp session.
type Account struct {
	ID                string    `json:"id" db:"id"`
	Label             string    `json:"label" db:"label"`
	DailyLimit        int       `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit      int       `json:"monthly_limit" db:"monthly_limit"`
	MessagesUsedToday int       `json:"messages_used_today" db:"messages_used_today"`
	MessagesUsedMonth int       `json:"messages_used_month" db:"messages_used_month"`
	WAConnected       bool      `json:"wa_connected" db:"wa_connected"`
	WANumber          string    `json:"wa_number,omitempty" db:"wa_number"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// ContactGroup groups contacts for campaign targeting.
type ContactGroup struct {
	ID          string    `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Contact is a single recipient known to an account.
type Contact struct {
	ID            string            `json:"id" db:"id"`
	OwnerID       string            `json:"owner_id" db:"owner_id"`
	GroupID       string            `json:"group_id,omitempty" db:"group_id"`
	Phone         string            `json:"phone" db:"phone"`
	Name          string            `json:"name" db:"name"`
	Variables     map[string]string `json:"variables,omitempty" db:"variables"`
	Blocked       bool              `json:"is_blocked" db:"is_blocked"`
	LastContacted *time.Time        `json:"last_contacted,omitempty" db:"last_contacted"`
	MessageCount  int               `json:"message_count" db:"message_count"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// Template is a reusable message body.
type Template struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Body      string    `json:"body" db:"body"`
	Media     *Media    `json:"media,omitempty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Media is an optional attachment referenced by URL.
type Media struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// Pacing throttles bulk sending. Zero fields fall back to defaults.
type Pacing struct {
	MinDelay   time.Duration `json:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	BatchSize  int           `json:"batch_size"`
	BatchDelay time.Duration `json:"batch_delay"`
	// NoSpintax disables {a|b} variant randomization.
	NoSpintax bool `json:"no_spintax"`
}

// DefaultPacing mirrors the defaults used by bulk sends and campaigns.
var DefaultPacing = Pacing{
	MinDelay:   3000 * time.Millisecond,
	MaxDelay:   8000 * time.Millisecond,
	BatchSize:  50,
	BatchDelay: 60000 * time.Millisecond,
}

// WithDefaults fills zero fields from def and orders the delay range.
func (p Pacing) WithDefaults(def Pacing) Pacing {
	if p.MinDelay <= 0 {
		p.MinDelay = def.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MinDelay, p.MaxDelay = p.MaxDelay, p.MinDelay
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.BatchDelay <= 0 {
		p.BatchDelay = def.BatchDelay
	}
	return p
}

// Campaign is a stored bulk send definition plus its run state.
type Campaign struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
	Name           string     `json:"name" db:"name"`
	Status         string     `json:"status" db:"status"`
	Message        string     `json:"message" db:"message"`
	Media          *Media     `json:"media,omitempty"`
	TargetGroups   []string   `json:"target_groups" db:"target_groups"`
	TargetContacts []string   `json:"target_contacts" db:"target_contacts"`
	TargetNumbers  []string   `json:"target_numbers" db:"target_numbers"`
	Pacing         Pacing     `json:"pacing"`
	TotalContacts  int        `json:"total_contacts" db:"total_contacts"`
	SentCount      int        `json:"sent_count" db:"sent_count"`
	DeliveredCount int        `json:"delivered_count" db:"delivered_count"`
	FailedCount    int        `json:"failed_count" db:"failed_count"`
	RunID          string     `json:"-" db:"run_id"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Message is one send attempt. Rows are created at attempt time.
type Message struct {
	ID                string     `json:"id" db:"id"`
	OwnerID           string     `json:"owner_id" db:"owner_id"`
	CampaignID        string     `json:"campaign_id,omitempty" db:"campaign_id"`
	Phone             string     `json:"phone" db:"phone"`
	Body              string     `json:"body" db:"body"`
	Media             *Media     `json:"media,omitempty"`
	Status            string     `json:"status" db:"status"`
	ProtocolMessageID string     `json:"protocol_message_id,omitempty" db:"protocol_message_id"`
	Error             string     `json:"error,omitempty" db:"error"`
	Source            string     `json:"source" db:"source"`
	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt            *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// ScheduledMessage is a single future send with optional recurrence.
type ScheduledMessage struct {
	ID          string     `json:"id" db:"id"`
	OwnerID     string     `json:"owner_id" db:"owner_id"`
	Phone       string     `json:"phone" db:"phone"`
	Body        string     `json:"body" db:"body"`
	Media       *Media     `json:"media,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	Status      string     `json:"status" db:"status"`
	Recurring   bool       `json:"recurring" db:"recurring"`
	RecurType   string     `json:"recur_type,omitempty" db:"recur_type"`
	Error       string     `json:"error,omitempty" db:"error"`
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Recipient is one resolved campaign target. Never persisted.
type Recipient struct {
	Phone     string
	ContactID string
	Variables map[string]string
}
