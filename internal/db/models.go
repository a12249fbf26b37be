package db

import (
	"time"

	"github.com/google/uuid"
)

// Message represents one outbound WhatsApp message in the queue.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	CompanyID      uuid.UUID  `json:"company_id"`
	CustomerID     *uuid.UUID `json:"customer_id,omitempty"`
	Recipient      string     `json:"recipient"`
	Content        string     `json:"content"`
	MessageType    string     `json:"message_type"`
	MediaType      *string    `json:"media_type,omitempty"`
	MediaURL       *string    `json:"media_url,omitempty"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

// Status constants.
//
// "failed" messages are still retryable; they re-enter the eligible pool once
// next_eligible_at passes. Only "sent" and "failed_permanent" are terminal.
const (
	StatusPending         = "pending"
	StatusSent            = "sent"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
)

// Message type constants.
const (
	TypeText     = "text"
	TypeTemplate = "template"
	TypeMedia    = "media"
)

// Media sub-kind constants.
const (
	MediaImage    = "image"
	MediaDocument = "document"
)

// Priority classes. Lower value wins selection; priority never bypasses quota.
const (
	PriorityHigh   = 0
	PriorityMedium = 10
	PriorityLow    = 20
)

// ValidPriority reports whether p is one of the known priority classes.
func ValidPriority(p int) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// StatusCounts aggregates queue totals for the dashboard.
type StatusCounts struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`
	FailedPermanent int `json:"failed_permanent"`
}

// Settings holds a company's messaging configuration. Loaded as an immutable
// snapshot at the start of each dispatcher cycle.
type Settings struct {
	CompanyID              uuid.UUID `json:"company_id"`
	APIKey                 string    `json:"api_key"`
	ServerAddress          string    `json:"server_address"`
	AutoSendInvoices       bool      `json:"auto_send_invoices"`
	AutoSendDeadlineAlerts bool      `json:"auto_send_deadline_alerts"`
	MessageSendTime        string    `json:"message_send_time"`
	DeadlineCheckTime      string    `json:"deadline_check_time"`
	DeadlineAlertDays      int       `json:"deadline_alert_days_before"`
	DailyQuotaLimit        int       `json:"daily_quota_limit"`
	QuotaBuffer            int       `json:"quota_buffer"`
	MaxRetries             int       `json:"max_retries"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Configured reports whether the gateway can be used. The dispatcher refuses
// to send for a company until both credentials are present.
func (s *Settings) Configured() bool {
	return s != nil && s.APIKey != "" && s.ServerAddress != ""
}

// EffectiveLimit is the true daily ceiling the dispatcher honors.
func (s *Settings) EffectiveLimit() int {
	limit := s.DailyQuotaLimit - s.QuotaBuffer
	if limit < 0 {
		return 0
	}
	return limit
}
