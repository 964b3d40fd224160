package db

import (
	"log"

	"github.com/modelgate/modelgate/internal/db/models"
	"gorm.io/gorm"
)

// InsertUsageLog appends one usage row. Failures are logged, never fatal:
// a usage write must not take down the response path.
func InsertUsageLog(db *gorm.DB, entry *models.UsageLog) {
	if err := db.Create(entry).Error; err != nil {
		log.Printf("[usage] failed to persist usage log %s: %v", entry.ID, err)
	}
}

// RecentUsage returns the newest usage rows up to limit.
func RecentUsage(db *gorm.DB, limit int) ([]models.UsageLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.UsageLog
	err := db.Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// UsageStatistics aggregates total/success/error counts over all usage rows.
func UsageStatistics(db *gorm.DB) (models.UsageStats, error) {
	var stats models.UsageStats
	if err := db.Model(&models.UsageLog{}).Count(&stats.TotalRequests).Error; err != nil {
		return stats, err
	}
	db.Model(&models.UsageLog{}).Where("outcome = ?", models.OutcomeSuccess).Count(&stats.SuccessCount)
	db.Model(&models.UsageLog{}).Where("outcome = ?", models.OutcomeError).Count(&stats.ErrorCount)
	return stats, nil
}
