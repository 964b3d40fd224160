package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/modelgate/modelgate/internal/audit"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/ledger"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/pii"
	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/util"
)

// GenerateRequest is the tenant-facing completion request.
type GenerateRequest struct {
	Model        string  `json:"model"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// GenerateResponse is returned on success. CreditsUsed is a decimal string
// so clients never lose precision to float encoding.
type GenerateResponse struct {
	ID            string   `json:"id"`
	Content       string   `json:"content"`
	Model         string   `json:"model"`
	Provider      string   `json:"provider"`
	InputTokens   int      `json:"input_tokens"`
	OutputTokens  int      `json:"output_tokens"`
	TotalTokens   int      `json:"total_tokens"`
	CreditsUsed   string   `json:"credits_used"`
	PIIDetected   bool     `json:"pii_detected"`
	PIICategories []string `json:"pii_categories,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

// Orchestrator runs the request lifecycle: rate limit, redaction,
// reservation, routing, settlement, logging. Every exit path either
// finalizes or rolls back a reservation it made, and every exit path
// writes a usage row.
type Orchestrator struct {
	db      *gorm.DB
	shield  *pii.Shield
	router  *router.Router
	ledger  *ledger.Ledger
	limiter ratelimit.Limiter
	audit   *audit.Logger
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(database *gorm.DB, shield *pii.Shield, rt *router.Router, lg *ledger.Ledger, limiter ratelimit.Limiter, auditLog *audit.Logger) *Orchestrator {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Orchestrator{
		db:      database,
		shield:  shield,
		router:  rt,
		ledger:  lg,
		limiter: limiter,
		audit:   auditLog,
	}
}

// Handle processes one generate request for an authenticated identity.
func (o *Orchestrator) Handle(ctx context.Context, identity *auth.Identity, req *GenerateRequest) (*GenerateResponse, error) {
	started := time.Now()
	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.GenerateRequestID()
	}

	if err := validateRequest(req); err != nil {
		o.denied(requestID, identity, req.Model, err)
		return nil, err
	}

	// Rate limit. A broken limiter backend must not take the gateway down
	// with it, so infrastructure errors fail open.
	allowed, err := o.limiter.Allow(ctx, identity.License.ID, identity.License.RateLimitPerMinute)
	if err != nil {
		log.Printf("[gateway] %s: rate limiter error, failing open: %v", requestID, err)
		allowed = true
	}
	if !allowed {
		gerr := E(CodeRateLimitExceeded, fmt.Sprintf("license exceeded %d requests per minute", identity.License.RateLimitPerMinute))
		o.denied(requestID, identity, req.Model, gerr)
		return nil, gerr
	}

	// Redact before anything leaves the process. Detector failure rejects
	// the request rather than letting raw text through.
	redactedPrompt, promptEntities, err := o.shield.Redact(req.Prompt)
	if err != nil {
		gerr := E(CodePIIDetectionFailure, "sensitive data detection failed, request rejected")
		o.record(requestID, identity, req.Model, "", nil, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}
	redactedSystem, systemEntities, err := o.shield.Redact(req.SystemPrompt)
	if err != nil {
		gerr := E(CodePIIDetectionFailure, "sensitive data detection failed, request rejected")
		o.record(requestID, identity, req.Model, "", nil, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}
	entities := append(promptEntities, systemEntities...)

	upstreamReq := &provider.Request{
		Model:        req.Model,
		Prompt:       redactedPrompt,
		SystemPrompt: redactedSystem,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	snapshot, err := db.LoadProviderSnapshot(o.db)
	if err != nil {
		gerr := E(CodeInternal, "failed to load provider catalog")
		o.record(requestID, identity, req.Model, "", entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	// Reserve against the worst-case estimate so a provider switch mid-flight
	// can never overdraw the account.
	estimate, err := pricing.EstimateCredits(snapshot, upstreamReq)
	if err != nil {
		gerr := E(CodeModelNotFound, fmt.Sprintf("model %q is not served by any active provider", req.Model))
		o.record(requestID, identity, req.Model, "", entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	account, err := db.GetAccountByTenant(o.db, identity.Tenant.ID)
	if err != nil {
		gerr := E(CodeInternal, "credit account lookup failed")
		o.record(requestID, identity, req.Model, "", entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	reservationID, err := o.ledger.Reserve(ctx, account.ID, estimate)
	if err != nil {
		gerr := classifyLedgerError(err, estimate)
		o.record(requestID, identity, req.Model, "", entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	completion, providerID, err := o.router.Execute(ctx, identity.Tenant, snapshot, upstreamReq)
	if err != nil {
		o.rollback(requestID, reservationID)
		gerr := classifyRoutingError(err)
		o.record(requestID, identity, req.Model, providerID, entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	actual, err := pricing.ActualCredits(snapshot, providerID, req.Model, completion.TotalTokens())
	if err != nil {
		// The serving provider vanished from the snapshot between routing and
		// settlement. Charge the estimate rather than guessing a price.
		log.Printf("[gateway] %s: no price for %s/%s, settling at estimate: %v", requestID, providerID, req.Model, err)
		actual = estimate
	}

	if err := o.ledger.Finalize(ctx, reservationID, actual); err != nil {
		o.rollback(requestID, reservationID)
		gerr := E(CodeBillingConflict, "failed to settle the reservation")
		o.record(requestID, identity, req.Model, providerID, entities, nil, decimal.Zero, started, gerr)
		return nil, gerr
	}

	o.record(requestID, identity, req.Model, providerID, entities, completion, actual, started, nil)

	resp := &GenerateResponse{
		ID:            requestID,
		Content:       completion.Content,
		Model:         completion.Model,
		Provider:      providerID,
		InputTokens:   completion.InputTokens,
		OutputTokens:  completion.OutputTokens,
		TotalTokens:   completion.TotalTokens(),
		CreditsUsed:   actual.String(),
		PIIDetected:   len(entities) > 0,
		PIICategories: entityCategories(entities),
		CreatedAt:     time.Now().UnixMilli(),
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func validateRequest(req *GenerateRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return E(CodeInvalidRequest, "model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return E(CodeInvalidRequest, "prompt is required")
	}
	if req.MaxTokens < 0 {
		return E(CodeInvalidRequest, "max_tokens must not be negative")
	}
	return nil
}

func classifyLedgerError(err error, estimate decimal.Decimal) *Error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return E(CodeInsufficientCredits, fmt.Sprintf("estimated cost %s exceeds remaining credits", estimate))
	case errors.Is(err, ledger.ErrConflict):
		return E(CodeBillingConflict, "account is under concurrent modification, retry the request")
	default:
		return E(CodeInternal, "credit reservation failed")
	}
}

func classifyRoutingError(err error) *Error {
	if errors.Is(err, router.ErrNoProvider) || errors.Is(err, router.ErrAllProvidersFailed) {
		return E(CodeProviderUnavailable, "no provider is currently able to serve this request")
	}
	if provider.ClassOf(err) == provider.ClassClient {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return E(CodeProviderRejected, perr.Message)
		}
		return E(CodeProviderRejected, err.Error())
	}
	return E(CodeProviderUnavailable, "upstream call failed")
}

// rollback releases a reservation on a background context: the request
// context may already be cancelled, and the release must happen anyway.
func (o *Orchestrator) rollback(requestID, reservationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.Rollback(ctx, reservationID); err != nil {
		log.Printf("[gateway] %s: reservation %s rollback failed: %v", requestID, reservationID, err)
	}
}

// record writes the usage row and the audit event for a terminal state.
func (o *Orchestrator) record(requestID string, identity *auth.Identity, model, providerID string, entities []pii.DetectedEntity, completion *provider.Completion, charged decimal.Decimal, started time.Time, gerr *Error) {
	outcome := models.OutcomeSuccess
	reason := ""
	errText := ""
	if gerr != nil {
		outcome = models.OutcomeError
		reason = gerr.Code
		errText = util.Truncate(gerr.Message, 500)
	}
	duration := time.Since(started).Milliseconds()

	entry := &models.UsageLog{
		ID:             uuid.NewString(),
		Timestamp:      started.UnixMilli(),
		TenantID:       identity.Tenant.ID,
		LicenseID:      identity.License.ID,
		Provider:       providerID,
		Model:          model,
		CreditsCharged: charged,
		PIIDetected:    len(entities) > 0,
		Outcome:        outcome,
		Error:          errText,
		DurationMs:     duration,
	}
	if completion != nil {
		entry.InputTokens = completion.InputTokens
		entry.OutputTokens = completion.OutputTokens
		entry.TotalTokens = completion.TotalTokens()
	}
	db.InsertUsageLog(o.db, entry)

	o.audit.Completed(audit.Event{
		RequestID:      requestID,
		TenantID:       identity.Tenant.ID,
		LicenseID:      identity.License.ID,
		Provider:       providerID,
		Model:          model,
		Outcome:        outcome,
		Reason:         reason,
		PIIDetected:    len(entities),
		CreditsCharged: charged.String(),
		DurationMs:     duration,
	})
}

// denied covers rejections that happen before any state was touched. They
// still leave a usage row so denials are visible in per-tenant history.
func (o *Orchestrator) denied(requestID string, identity *auth.Identity, model string, err error) {
	db.InsertUsageLog(o.db, &models.UsageLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		TenantID:  identity.Tenant.ID,
		LicenseID: identity.License.ID,
		Model:     model,
		Outcome:   models.OutcomeError,
		Error:     util.Truncate(err.Error(), 500),
	})
	o.audit.Denied(audit.Event{
		RequestID: requestID,
		TenantID:  identity.Tenant.ID,
		LicenseID: identity.License.ID,
		Model:     model,
		Reason:    CodeOf(err),
	})
}

func entityCategories(entities []pii.DetectedEntity) []string {
	if len(entities) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entities))
	var categories []string
	for _, e := range entities {
		if _, ok := seen[e.Category]; ok {
			continue
		}
		seen[e.Category] = struct{}{}
		categories = append(categories, e.Category)
	}
	return categories
}
