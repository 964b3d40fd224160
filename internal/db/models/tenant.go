package models

import (
	"encoding/json"
	"time"
)

// Tenant is the billing and policy boundary for all gateway traffic.
// Rows are owned by the administration surface; the gateway only reads them.
type Tenant struct {
	ID               string `gorm:"primaryKey"` // UUID
	Name             string `gorm:"uniqueIndex"`
	IsActive         bool   `gorm:"default:true"`
	RequireEU        bool   // when set, only eu_only providers may serve this tenant
	AllowedProviders string // JSON array of provider IDs, in preference order
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProviderPreference decodes the AllowedProviders JSON list.
// An empty list means "any active provider, catalog order".
func (t *Tenant) ProviderPreference() []string {
	if t.AllowedProviders == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(t.AllowedProviders), &ids); err != nil {
		return nil
	}
	return ids
}

// License is an API credential bound to exactly one tenant. Licenses are
// soft-deleted (revoked) so historical usage rows keep a valid reference.
type License struct {
	ID                 string `gorm:"primaryKey"` // UUID
	TenantID           string `gorm:"index;not null"`
	Key                string `gorm:"uniqueIndex;not null"` // sk-<32 hex chars>
	Name               string
	RateLimitPerMinute int    `gorm:"default:60"`
	Scopes             string // JSON array of scope names
	IsActive           bool   `gorm:"default:true"`
	RevokedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
