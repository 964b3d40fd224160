package db

import (
	"fmt"

	"github.com/modelgate/modelgate/internal/db/models"
	"gorm.io/gorm"
)

// GetLicenseByKey resolves a raw license key to an active, unrevoked license.
func GetLicenseByKey(db *gorm.DB, key string) (*models.License, error) {
	var license models.License
	err := db.Where("key = ? AND is_active = ?", key, true).First(&license).Error
	if err != nil {
		return nil, err
	}
	if license.RevokedAt != nil {
		return nil, fmt.Errorf("license %s is revoked", license.ID)
	}
	return &license, nil
}

// GetLicenseByID fetches a license by primary key regardless of active state.
func GetLicenseByID(db *gorm.DB, id string) (*models.License, error) {
	var license models.License
	if err := db.First(&license, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &license, nil
}

// GetTenant fetches a tenant by id.
func GetTenant(db *gorm.DB, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := db.First(&tenant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

// GetAccountByTenant fetches the credit account owned by a tenant.
func GetAccountByTenant(db *gorm.DB, tenantID string) (*models.CreditAccount, error) {
	var account models.CreditAccount
	if err := db.Where("tenant_id = ?", tenantID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
