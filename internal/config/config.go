package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/db/models"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultMinConfidence = 0.7
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config holds everything read from the environment at startup. Provider
// definitions live in a separate YAML catalog, see LoadCatalog.
type Config struct {
	Host         string
	Port         string
	DatabasePath string
	RedisURL     string
	JWTSecret    string
	CatalogPath  string

	// Circuit breaker tuning for the provider router.
	DegradedThreshold    int
	UnavailableThreshold int
	FailureWindow        time.Duration
	Cooldown             time.Duration
	MaxAttempts          int

	// Minimum detector confidence for a span to be redacted.
	PIIMinConfidence float64
}

// Load reads configuration from the environment, consulting a .env file
// first if one is present. Missing values fall back to defaults suitable
// for local development.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host:         getenv("HOST", "127.0.0.1"),
		Port:         getenv("PORT", "8080"),
		DatabasePath: getenv("DATABASE_PATH", "modelgate.db"),
		RedisURL:     os.Getenv("REDIS_URL"),
		JWTSecret:    getenv("JWT_SECRET", "dev-secret-change-me"),
		CatalogPath:  getenv("PROVIDERS_FILE", "config/providers.yaml"),

		DegradedThreshold:    getenvInt("BREAKER_DEGRADED_THRESHOLD", 2),
		UnavailableThreshold: getenvInt("BREAKER_UNAVAILABLE_THRESHOLD", 3),
		FailureWindow:        getenvDuration("BREAKER_FAILURE_WINDOW", time.Minute),
		Cooldown:             getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
		MaxAttempts:          getenvInt("ROUTER_MAX_ATTEMPTS", 3),

		PIIMinConfidence: getenvFloat("PII_MIN_CONFIDENCE", defaultMinConfidence),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

type catalogFile struct {
	Providers []catalogProvider `yaml:"providers"`
}

type catalogProvider struct {
	ID        string         `yaml:"id"`
	Type      string         `yaml:"type"`
	Enabled   *bool          `yaml:"enabled"`
	BaseURL   string         `yaml:"base_url"`
	APIKeyEnv string         `yaml:"api_key_env"`
	EUOnly    bool           `yaml:"eu_only"`
	Timeout   string         `yaml:"timeout"`
	Models    []catalogModel `yaml:"models"`
}

type catalogModel struct {
	Name          string `yaml:"name"`
	PricePer1K    string `yaml:"price_per_1k"`
	MarkupPercent string `yaml:"markup_percent"`
}

// LoadCatalog parses the provider catalog YAML into ProviderConfig rows.
// Entries with malformed IDs or unknown vendor types are skipped rather
// than failing the whole load.
func LoadCatalog(path string) ([]models.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog %q: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog %q: %w", path, err)
	}

	providers := make([]models.ProviderConfig, 0, len(file.Providers))
	for pos, entry := range file.Providers {
		cfg, ok := normalizeEntry(entry, pos)
		if !ok {
			continue
		}
		providers = append(providers, cfg)
	}
	return providers, nil
}

// SyncCatalog loads the catalog file and upserts every entry so the
// database reflects the file on startup. A missing file is not an error;
// the gateway then runs with whatever the database already holds.
func SyncCatalog(database *gorm.DB, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	providers, err := LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	for i := range providers {
		if err := db.UpsertProvider(database, &providers[i]); err != nil {
			return i, fmt.Errorf("failed to sync provider %q: %w", providers[i].ID, err)
		}
	}
	return len(providers), nil
}

func normalizeEntry(entry catalogProvider, position int) (models.ProviderConfig, bool) {
	id := strings.ToLower(strings.TrimSpace(entry.ID))
	if !providerIDRegexp.MatchString(id) {
		return models.ProviderConfig{}, false
	}

	vendor := strings.ToLower(strings.TrimSpace(entry.Type))
	switch vendor {
	case "openai", "anthropic":
	default:
		return models.ProviderConfig{}, false
	}

	if strings.TrimSpace(entry.BaseURL) == "" {
		return models.ProviderConfig{}, false
	}

	enabled := true
	if entry.Enabled != nil {
		enabled = *entry.Enabled
	}

	timeout := defaultTimeout
	if raw := strings.TrimSpace(entry.Timeout); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	prices := make([]models.ModelPrice, 0, len(entry.Models))
	for i, m := range entry.Models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(m.PricePer1K))
		if err != nil || price.IsNegative() {
			continue
		}
		markup := decimal.Zero
		if raw := strings.TrimSpace(m.MarkupPercent); raw != "" {
			if parsed, err := decimal.NewFromString(raw); err == nil && !parsed.IsNegative() {
				markup = parsed
			}
		}
		prices = append(prices, models.ModelPrice{
			ProviderID:    id,
			Model:         name,
			PricePer1K:    price,
			MarkupPercent: markup,
			Position:      i,
		})
	}

	return models.ProviderConfig{
		ID:             id,
		Type:           vendor,
		BaseURL:        strings.TrimSpace(entry.BaseURL),
		APIKeyEnv:      strings.TrimSpace(entry.APIKeyEnv),
		IsActive:       enabled,
		EUOnly:         entry.EUOnly,
		TimeoutSeconds: int(timeout / time.Second),
		Position:       position,
		Models:         prices,
	}, true
}
