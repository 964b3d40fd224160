package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderConfig describes one upstream provider. Rows are mutated only by
// administration; the router reads them as an immutable snapshot per request
// and never observes a change mid-call.
type ProviderConfig struct {
	ID             string `gorm:"primaryKey"` // e.g. "openai-primary"
	Type           string `gorm:"not null"`   // vendor: "openai" or "anthropic"
	BaseURL        string `gorm:"not null"`
	APIKeyEnv      string // env var holding the upstream key, never the key itself
	IsActive       bool   `gorm:"default:true"`
	EUOnly         bool   // endpoint keeps data inside the EU
	TimeoutSeconds int    `gorm:"default:60"`
	Position       int    // catalog order, used when a tenant has no preference
	Models         []ModelPrice `gorm:"foreignKey:ProviderID"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ModelPrice is one entry of a provider's ordered model list with its
// base price per 1000 tokens and the gateway markup applied on top.
type ModelPrice struct {
	ID             uint            `gorm:"primaryKey"`
	ProviderID     string          `gorm:"uniqueIndex:idx_provider_model;not null"`
	Model          string          `gorm:"uniqueIndex:idx_provider_model;not null"`
	PricePer1K     decimal.Decimal `gorm:"type:decimal(20,8)"` // credits per 1000 tokens
	MarkupPercent  decimal.Decimal `gorm:"type:decimal(10,4)"`
	Position       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
