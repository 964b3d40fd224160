package db

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.Tenant{},
		&models.License{},
		&models.ProviderConfig{},
		&models.ModelPrice{},
		&models.CreditAccount{},
		&models.CreditTransaction{},
		&models.UsageLog{},
	); err != nil {
		return nil, err
	}

	ensureDefaultTenant(db)

	return db, nil
}

// ensureDefaultTenant seeds a tenant, license and credit account on first run
// so the gateway is usable before any administration tooling touches the DB.
func ensureDefaultTenant(db *gorm.DB) {
	var count int64
	db.Model(&models.Tenant{}).Count(&count)
	if count > 0 {
		return
	}

	tenant := models.Tenant{
		ID:       uuid.NewString(),
		Name:     "default",
		IsActive: true,
	}
	license := models.License{
		ID:                 uuid.NewString(),
		TenantID:           tenant.ID,
		Key:                GenerateLicenseKey(),
		Name:               "default",
		RateLimitPerMinute: 60,
		Scopes:             mustJSON([]string{"generate"}),
		IsActive:           true,
	}
	account := models.CreditAccount{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		CreditsTotal: decimal.NewFromInt(1000),
		CreditsUsed:  decimal.Zero,
	}

	db.Create(&tenant)
	db.Create(&license)
	db.Create(&account)
	log.Printf("🔑 Seeded default tenant with license key: %s", license.Key)
}

// GenerateLicenseKey returns a fresh sk-<32 hex chars> credential.
func GenerateLicenseKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
