package db

import (
	"github.com/modelgate/modelgate/internal/db/models"
	"gorm.io/gorm"
)

// LoadProviderSnapshot reads the provider catalog with model pricing in
// catalog order. The returned slice is a fresh copy per call, so an in-flight
// request never observes a concurrent administrative mutation.
func LoadProviderSnapshot(db *gorm.DB) ([]models.ProviderConfig, error) {
	var providers []models.ProviderConfig
	err := db.Preload("Models", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Order("position ASC").Find(&providers).Error
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// UpsertProvider writes one catalog entry with its model list, replacing any
// stale model rows. Used when syncing the YAML catalog at startup.
func UpsertProvider(db *gorm.DB, cfg *models.ProviderConfig) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(cfg).Error; err != nil {
			return err
		}
		if err := tx.Where("provider_id = ?", cfg.ID).Delete(&models.ModelPrice{}).Error; err != nil {
			return err
		}
		for i := range cfg.Models {
			cfg.Models[i].ID = 0
			cfg.Models[i].ProviderID = cfg.ID
			if err := tx.Create(&cfg.Models[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
