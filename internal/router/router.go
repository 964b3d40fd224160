// Package router selects an upstream provider for each request and fails
// over deterministically when the preferred one is down.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/provider/anthropic"
	"github.com/modelgate/modelgate/internal/provider/openaicompat"
)

// ErrNoProvider means no catalog entry can serve the request at all
// (model unsupported, tenant policy excludes everything).
var ErrNoProvider = errors.New("no provider can serve this request")

// ErrAllProvidersFailed means every candidate was tried and failed with a
// retriable error.
var ErrAllProvidersFailed = errors.New("all providers exhausted")

// AdapterFactory turns a catalog entry into a callable adapter.
type AdapterFactory interface {
	Adapter(cfg models.ProviderConfig) (provider.Adapter, error)
}

// Router owns provider health and executes calls with bounded failover.
type Router struct {
	health      *HealthTracker
	factory     AdapterFactory
	maxAttempts int
}

// New builds a router. maxAttempts bounds how many distinct providers one
// request may touch.
func New(health *HealthTracker, factory AdapterFactory, maxAttempts int) *Router {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Router{health: health, factory: factory, maxAttempts: maxAttempts}
}

// Health exposes the tracker for the health endpoint.
func (r *Router) Health() *HealthTracker { return r.health }

// Execute runs the request against the first eligible provider, failing over
// on timeout/server-class errors up to maxAttempts providers. Client-class
// errors surface immediately: retrying a validation failure elsewhere will
// not help. Returns the completion and the id of the provider that served it.
func (r *Router) Execute(ctx context.Context, tenant *models.Tenant, snapshot []models.ProviderConfig, req *provider.Request) (*provider.Completion, string, error) {
	candidates := r.selectCandidates(tenant, snapshot, req.Model)
	if len(candidates) == 0 {
		return nil, "", ErrNoProvider
	}

	reqID := logging.GetRequestID(ctx)

	var lastErr error
	attempts := 0
	for _, cfg := range candidates {
		if attempts >= r.maxAttempts {
			break
		}
		// A dead caller fails every adapter call instantly; marching on would
		// charge those failures against providers that did nothing wrong.
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		allowed, probe := r.health.TryAcquire(cfg.ID)
		if !allowed {
			continue
		}
		attempts++

		completion, err := r.callOne(ctx, cfg, req, probe)
		if err == nil {
			return completion, cfg.ID, nil
		}
		if !provider.Retriable(err) {
			// Validation-class failure is the caller's problem, not the
			// provider's health.
			return nil, cfg.ID, err
		}
		log.Printf("[router] %s: provider %s failed (%s), trying next", reqID, cfg.ID, provider.ClassOf(err))
		lastErr = err
	}

	// Every candidate is Unavailable and mid-cooldown: degrade rather than
	// hard-fail by trying the least-recently-failed one.
	if attempts == 0 {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		cfg := r.leastRecentlyFailed(candidates)
		log.Printf("[router] %s: all candidates unavailable, last resort via %s", reqID, cfg.ID)
		completion, err := r.callOne(ctx, cfg, req, false)
		if err == nil {
			return completion, cfg.ID, nil
		}
		if !provider.Retriable(err) {
			return nil, cfg.ID, err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	return nil, "", fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

// callOne issues a single bounded call and feeds the breaker with the
// outcome. Client-class errors do not count against provider health.
func (r *Router) callOne(ctx context.Context, cfg models.ProviderConfig, req *provider.Request, probe bool) (*provider.Completion, error) {
	adapter, err := r.factory.Adapter(cfg)
	if err != nil {
		if probe {
			r.health.ReleaseProbe(cfg.ID)
		}
		return nil, &provider.Error{Class: provider.ClassServer, Message: err.Error()}
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completion, err := adapter.Complete(callCtx, req)
	if err == nil {
		r.health.RecordSuccess(cfg.ID)
		return completion, nil
	}
	if ctx.Err() != nil {
		// The caller went away mid-call. A per-call timeout still counts
		// against the provider (callCtx expired, ctx did not), this does not.
		if probe {
			r.health.ReleaseProbe(cfg.ID)
		}
	} else if provider.Retriable(err) {
		r.health.RecordFailure(cfg.ID)
	} else if probe {
		r.health.ReleaseProbe(cfg.ID)
	}
	return nil, err
}

func (r *Router) leastRecentlyFailed(candidates []models.ProviderConfig) models.ProviderConfig {
	best := candidates[0]
	_, bestFailure := r.health.StateOf(best.ID)
	for _, c := range candidates[1:] {
		if _, f := r.health.StateOf(c.ID); f.Before(bestFailure) {
			best = c
			bestFailure = f
		}
	}
	return best
}

// selectCandidates filters the snapshot down to providers that are active,
// EU-compatible with the tenant, allowed by tenant policy and support the
// model, ordered by tenant preference (catalog order when none is set).
func (r *Router) selectCandidates(tenant *models.Tenant, snapshot []models.ProviderConfig, model string) []models.ProviderConfig {
	byID := make(map[string]models.ProviderConfig, len(snapshot))
	var catalogOrder []string
	for _, p := range snapshot {
		if !p.IsActive {
			continue
		}
		if tenant.RequireEU && !p.EUOnly {
			continue
		}
		if !supportsModel(p, model) {
			continue
		}
		byID[p.ID] = p
		catalogOrder = append(catalogOrder, p.ID)
	}

	preference := tenant.ProviderPreference()
	if len(preference) == 0 {
		preference = catalogOrder
	}

	candidates := make([]models.ProviderConfig, 0, len(preference))
	for _, id := range preference {
		if p, ok := byID[id]; ok {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func supportsModel(p models.ProviderConfig, model string) bool {
	for _, m := range p.Models {
		if m.Model == model {
			return true
		}
	}
	return false
}

// defaultFactory builds real HTTP adapters by vendor type, caching them per
// provider id so connections are reused across requests.
type defaultFactory struct {
	mu    sync.Mutex
	cache map[string]provider.Adapter
}

// NewAdapterFactory returns the production adapter factory.
func NewAdapterFactory() AdapterFactory {
	return &defaultFactory{cache: make(map[string]provider.Adapter)}
}

func (f *defaultFactory) Adapter(cfg models.ProviderConfig) (provider.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cacheKey := cfg.ID + "|" + cfg.BaseURL
	if a, ok := f.cache[cacheKey]; ok {
		return a, nil
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: API key env %s is empty", cfg.ID, cfg.APIKeyEnv)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var adapter provider.Adapter
	switch cfg.Type {
	case "openai":
		adapter = openaicompat.NewAdapter(cfg.ID, apiKey, cfg.BaseURL, timeout)
	case "anthropic":
		adapter = anthropic.NewAdapter(cfg.ID, apiKey, cfg.BaseURL, timeout)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}

	f.cache[cacheKey] = adapter
	return adapter, nil
}
