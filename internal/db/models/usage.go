package models

import (
	"github.com/shopspring/decimal"
)

// Request outcomes recorded in UsageLog rows.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// UsageLog is written once per request lifecycle, success or failure, so
// operational visibility never depends on the response path.
type UsageLog struct {
	ID             string `gorm:"primaryKey"` // UUID
	Timestamp      int64  `gorm:"index"`      // unix millis
	TenantID       string `gorm:"index"`
	LicenseID      string `gorm:"index"`
	Provider       string `gorm:"index"`
	Model          string `gorm:"index"`
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	CreditsCharged decimal.Decimal `gorm:"type:decimal(20,8)"`
	PIIDetected    bool
	Outcome        string `gorm:"index"`
	Error          string
	DurationMs     int64
}

// UsageStats holds aggregated statistics over usage rows.
type UsageStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
