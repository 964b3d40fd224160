package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/version"
)

// Handler exposes the gateway over HTTP.
type Handler struct {
	db        *gorm.DB
	orch      *Orchestrator
	health    *router.HealthTracker
	jwtSecret string
	started   time.Time
}

// NewHandler builds the HTTP layer over an orchestrator.
func NewHandler(database *gorm.DB, orch *Orchestrator, health *router.HealthTracker, jwtSecret string) *Handler {
	return &Handler{
		db:        database,
		orch:      orch,
		health:    health,
		jwtSecret: jwtSecret,
		started:   time.Now(),
	}
}

// Routes mounts the tenant-facing surface. Auth is applied by the caller,
// admin routes are mounted separately so they can carry their own guard.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/generate", h.handleGenerate)
	r.Get("/v1/models", h.handleModels)
}

// AdminRoutes mounts operator endpoints.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/admin/credits/topup", h.handleTopUp)
	r.Get("/admin/usage", h.handleUsage)
}

// PublicRoutes mounts endpoints that need no credentials.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/auth/token", h.handleToken)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, E(CodeAuthentication, "missing identity"))
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, E(CodeInvalidRequest, "invalid JSON body"))
		return
	}

	resp, err := h.orch.Handle(r.Context(), identity, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels lists the models the calling tenant can actually reach, with
// the final per-1K price after markup.
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, E(CodeAuthentication, "missing identity"))
		return
	}
	snapshot, err := db.LoadProviderSnapshot(h.db)
	if err != nil {
		writeError(w, E(CodeInternal, "failed to load provider catalog"))
		return
	}

	allowed := map[string]bool{}
	for _, id := range identity.Tenant.ProviderPreference() {
		allowed[id] = true
	}

	type modelEntry struct {
		Model      string `json:"model"`
		Provider   string `json:"provider"`
		PricePer1K string `json:"price_per_1k"`
	}
	entries := []modelEntry{}
	for _, p := range snapshot {
		if !p.IsActive {
			continue
		}
		if identity.Tenant.RequireEU && !p.EUOnly {
			continue
		}
		if len(allowed) > 0 && !allowed[p.ID] {
			continue
		}
		for _, m := range p.Models {
			entries = append(entries, modelEntry{
				Model:      m.Model,
				Provider:   p.ID,
				PricePer1K: pricing.Cost(m, 1000).String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": entries})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Provider string `json:"provider"`
		State    string `json:"state"`
	}
	providers := []providerStatus{}
	for _, s := range h.health.Snapshot() {
		providers = append(providers, providerStatus{Provider: s.ProviderID, State: s.State})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Version,
		"uptime_s":  int64(time.Since(h.started).Seconds()),
		"providers": providers,
	})
}

// handleToken exchanges a license key for a short-lived JWT so clients do
// not have to send the long-lived key on every request.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey string `json:"license_key"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || strings.TrimSpace(req.LicenseKey) == "" {
		writeError(w, E(CodeInvalidRequest, "license_key is required"))
		return
	}

	license, err := db.GetLicenseByKey(h.db, req.LicenseKey)
	if err != nil {
		writeError(w, E(CodeAuthentication, "unknown or revoked license key"))
		return
	}
	tenant, err := db.GetTenant(h.db, license.TenantID)
	if err != nil || !tenant.IsActive {
		writeError(w, E(CodeAuthentication, "tenant is not active"))
		return
	}

	token, err := auth.GenerateToken(license.ID, tenant.ID, h.jwtSecret)
	if err != nil {
		writeError(w, E(CodeInternal, "failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(auth.TokenTTL.Seconds()),
	})
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Amount   string `json:"amount"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, E(CodeInvalidRequest, "invalid JSON body"))
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		writeError(w, E(CodeInvalidRequest, "amount must be a positive decimal"))
		return
	}

	account, err := db.GetAccountByTenant(h.db, req.TenantID)
	if err != nil {
		writeError(w, E(CodeInvalidRequest, "unknown tenant"))
		return
	}
	if err := h.orch.ledger.TopUp(r.Context(), account.ID, amount, req.Note); err != nil {
		log.Printf("[gateway] topup for tenant %s failed: %v", req.TenantID, err)
		writeError(w, E(CodeInternal, "top-up failed"))
		return
	}

	account, err = h.orch.ledger.Account(r.Context(), account.ID)
	if err != nil {
		writeError(w, E(CodeInternal, "account reload failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":         req.TenantID,
		"credits_total":     account.CreditsTotal.String(),
		"credits_remaining": account.CreditsRemaining().String(),
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := db.RecentUsage(h.db, limit)
	if err != nil {
		writeError(w, E(CodeInternal, "failed to load usage"))
		return
	}
	stats, err := db.UsageStatistics(h.db)
	if err != nil {
		writeError(w, E(CodeInternal, "failed to load usage statistics"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   stats,
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[gateway] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    CodeOf(err),
		},
	})
}
